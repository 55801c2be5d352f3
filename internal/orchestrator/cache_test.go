package orchestrator

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aahilsayed062/repopilot/internal/core"
)

func TestResponseCacheHitAndMiss(t *testing.T) {
	c := NewResponseCache()
	result := &core.SmartResult{Answer: "cached answer", Confidence: core.ConfidenceHigh}

	assert.Nil(t, c.GetResponse("repo", "question", "commit1"))

	c.PutResponse("repo", "question", "commit1", result)
	got := c.GetResponse("repo", "question", "commit1")
	require.NotNil(t, got)
	assert.Equal(t, "cached answer", got.Answer)

	// A different commit is a different key.
	assert.Nil(t, c.GetResponse("repo", "question", "commit2"))
}

func TestResponseCacheKeyNormalizesQuestion(t *testing.T) {
	c := NewResponseCache()
	c.PutResponse("repo", "What Does This Do?", "c", &core.SmartResult{Answer: "a"})
	assert.NotNil(t, c.GetResponse("repo", "  what does this do?  ", "c"))
}

func TestResponseCacheTTLExpiry(t *testing.T) {
	c := NewResponseCache()
	now := time.Now()
	c.now = func() time.Time { return now }

	c.PutResponse("repo", "q", "commit", &core.SmartResult{Answer: "a"})
	require.NotNil(t, c.GetResponse("repo", "q", "commit"))

	c.now = func() time.Time { return now.Add(responseTTL + time.Second) }
	assert.Nil(t, c.GetResponse("repo", "q", "commit"))
}

func TestResponseCacheEvictsOldestQuarter(t *testing.T) {
	c := NewResponseCache()
	now := time.Now()
	tick := 0
	c.now = func() time.Time {
		tick++
		return now.Add(time.Duration(tick) * time.Millisecond)
	}

	for i := 0; i < responseMaxSize; i++ {
		c.PutResponse("repo", fmt.Sprintf("q%d", i), "c", &core.SmartResult{})
	}
	// The next put triggers eviction of the oldest quarter.
	c.PutResponse("repo", "overflow", "c", &core.SmartResult{})

	stats := c.Stats()
	assert.Equal(t, responseMaxSize-responseMaxSize/4+1, stats["response_entries"])
	assert.Nil(t, c.GetResponse("repo", "q0", "c"))
	assert.NotNil(t, c.GetResponse("repo", "overflow", "c"))
}

func TestInvalidateRepoClearsOnlyThatRepo(t *testing.T) {
	c := NewResponseCache()
	c.PutResponse("repo1", "q", "c", &core.SmartResult{})
	c.PutResponse("repo2", "q", "c", &core.SmartResult{})

	removed := c.InvalidateRepo("repo1")
	assert.Equal(t, 1, removed)
	assert.Nil(t, c.GetResponse("repo1", "q", "c"))
	assert.NotNil(t, c.GetResponse("repo2", "q", "c"))
}

func TestRoutingCache(t *testing.T) {
	c := NewResponseCache()
	decision := &core.RoutingDecision{PrimaryAction: core.ActionExplain, Confidence: 0.8}

	assert.Nil(t, c.GetRouting("how does x work"))
	c.PutRouting("how does x work", decision)

	got := c.GetRouting("How Does X Work")
	require.NotNil(t, got)
	assert.Equal(t, core.ActionExplain, got.PrimaryAction)
}

func TestCachedResponseIsACopy(t *testing.T) {
	c := NewResponseCache()
	c.PutResponse("repo", "q", "c", &core.SmartResult{Answer: "original"})

	first := c.GetResponse("repo", "q", "c")
	first.Answer = "mutated"

	second := c.GetResponse("repo", "q", "c")
	assert.Equal(t, "original", second.Answer)
}
