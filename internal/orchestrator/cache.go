// Package orchestrator coordinates the multi-agent pipeline: routing, phased
// concurrent agent execution, the evaluation gate on speculative tests, the
// process-local response/routing caches, and the refinement loop.
package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aahilsayed062/repopilot/internal/core"
)

// Cache sizing and expiry. Responses are short-lived; routing decisions are
// stable per question shape and live longer.
const (
	responseTTL     = 10 * time.Minute
	responseMaxSize = 200
	routingTTL      = 30 * time.Minute
	routingMaxSize  = 500
)

type cacheEntry struct {
	value     any
	repoID    string
	createdAt time.Time
	hits      int
}

// ResponseCache holds the two in-memory caches. All access is serialized by a
// single lock; eviction drops the oldest quarter on overflow.
type ResponseCache struct {
	mu       sync.Mutex
	response map[string]*cacheEntry
	routing  map[string]*cacheEntry
	now      func() time.Time
}

// NewResponseCache builds an empty cache pair.
func NewResponseCache() *ResponseCache {
	return &ResponseCache{
		response: make(map[string]*cacheEntry),
		routing:  make(map[string]*cacheEntry),
		now:      time.Now,
	}
}

func responseKey(repoID, question, commitHash string) string {
	raw := repoID + "|" + strings.ToLower(strings.TrimSpace(question)) + "|" + commitHash
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func routingKey(question string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(question))))
	return hex.EncodeToString(sum[:])
}

// GetResponse returns the cached orchestrator result, or nil on miss/expiry.
func (c *ResponseCache) GetResponse(repoID, question, commitHash string) *core.SmartResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := responseKey(repoID, question, commitHash)
	entry, ok := c.response[key]
	if !ok {
		return nil
	}
	if c.now().Sub(entry.createdAt) > responseTTL {
		delete(c.response, key)
		return nil
	}
	entry.hits++
	result, ok := entry.value.(*core.SmartResult)
	if !ok {
		return nil
	}
	copied := *result
	return &copied
}

// PutResponse stores a result, tagging the entry with its repo for explicit
// invalidation.
func (c *ResponseCache) PutResponse(repoID, question, commitHash string, result *core.SmartResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.response) >= responseMaxSize {
		evictOldest(c.response, responseMaxSize/4)
	}
	copied := *result
	c.response[responseKey(repoID, question, commitHash)] = &cacheEntry{
		value:     &copied,
		repoID:    repoID,
		createdAt: c.now(),
	}
}

// GetRouting returns the cached routing decision, or nil.
func (c *ResponseCache) GetRouting(question string) *core.RoutingDecision {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := routingKey(question)
	entry, ok := c.routing[key]
	if !ok {
		return nil
	}
	if c.now().Sub(entry.createdAt) > routingTTL {
		delete(c.routing, key)
		return nil
	}
	entry.hits++
	decision, ok := entry.value.(*core.RoutingDecision)
	if !ok {
		return nil
	}
	copied := *decision
	return &copied
}

// PutRouting stores a routing decision.
func (c *ResponseCache) PutRouting(question string, decision *core.RoutingDecision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.routing) >= routingMaxSize {
		evictOldest(c.routing, routingMaxSize/4)
	}
	copied := *decision
	c.routing[routingKey(question)] = &cacheEntry{value: &copied, createdAt: c.now()}
}

// InvalidateRepo removes all cached responses for a repository. New commits
// already miss naturally (the key embeds the commit hash); this keeps memory
// tidy after explicit re-indexes.
func (c *ResponseCache) InvalidateRepo(repoID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for key, entry := range c.response {
		if entry.repoID == repoID {
			delete(c.response, key)
			count++
		}
	}
	return count
}

// Stats reports entry counts and capacities for the health payload.
func (c *ResponseCache) Stats() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]int{
		"response_entries": len(c.response),
		"response_max":     responseMaxSize,
		"routing_entries":  len(c.routing),
		"routing_max":      routingMaxSize,
	}
}

func evictOldest(store map[string]*cacheEntry, count int) {
	type keyed struct {
		key string
		at  time.Time
	}
	entries := make([]keyed, 0, len(store))
	for key, entry := range store {
		entries = append(entries, keyed{key: key, at: entry.createdAt})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })
	for i := 0; i < count && i < len(entries); i++ {
		delete(store, entries[i].key)
	}
}
