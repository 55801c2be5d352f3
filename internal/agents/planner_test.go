package agents

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldDecomposeGate(t *testing.T) {
	p := NewPlanner(&scriptedChat{}, testPrompts(t), testLogger())

	tests := []struct {
		name  string
		query string
		want  bool
	}{
		{"empty", "", false},
		{"short question", "where is main?", false},
		{"exactly 40 chars no marker", strings.Repeat("a", 40), false},
		{"41 chars with architecture marker", "architecture " + strings.Repeat("b", 28), true},
		{"marker but under 40 chars", "explain the flow", false},
		{"long token count without markers", strings.Repeat("word ", 20), true},
		{"regex marker", "how does the parser and the linker work together in here", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.ShouldDecompose(tt.query))
		})
	}
}

func TestDecomposeParsesSubQuestions(t *testing.T) {
	chat := &scriptedChat{responses: []string{`{"sub_questions": ["Where is X defined?", "Who calls X?"]}`}}
	p := NewPlanner(chat, testPrompts(t), testLogger())

	subs := p.Decompose(context.Background(), "how does X interact with Y across the system?")
	require.Len(t, subs, 2)
	assert.Equal(t, "Where is X defined?", subs[0])
	assert.True(t, chat.lastOpts.JSONMode)
}

func TestDecomposeReturnsNilOnFailure(t *testing.T) {
	failing := &scriptedChat{err: fmt.Errorf("provider down")}
	p := NewPlanner(failing, testPrompts(t), testLogger())
	assert.Nil(t, p.Decompose(context.Background(), "complex query"))

	garbage := &scriptedChat{responses: []string{"not json at all"}}
	p = NewPlanner(garbage, testPrompts(t), testLogger())
	assert.Nil(t, p.Decompose(context.Background(), "complex query"))

	null := &scriptedChat{responses: []string{`{"sub_questions": []}`}}
	p = NewPlanner(null, testPrompts(t), testLogger())
	assert.Nil(t, p.Decompose(context.Background(), "complex query"))
}
