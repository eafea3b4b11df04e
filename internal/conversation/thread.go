// Package conversation manages per-phase rolling dialog threads with
// pruning and best-effort summarization. The system message at index 0 is
// pinned and never pruned.
package conversation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"autonomy/internal/types"
)

// Summarizer condenses pruned conversation segments. Implementations are
// best-effort; failures fall back to a one-line placeholder.
type Summarizer interface {
	Summarize(ctx context.Context, messages []types.ChatMessage) (string, error)
}

// Thread is an ordered conversation owned by one phase instance.
type Thread struct {
	phase         string
	messages      []types.ChatMessage
	maxMessages   int
	keepExchanges int
	summarizer    Summarizer
}

// NewThread creates a thread seeded with the system prompt.
func NewThread(phase, systemPrompt string, maxMessages, keepExchanges int, summarizer Summarizer) *Thread {
	return &Thread{
		phase: phase,
		messages: []types.ChatMessage{{
			Role:      types.RoleSystem,
			Content:   systemPrompt,
			Timestamp: time.Now().UTC(),
		}},
		maxMessages:   maxMessages,
		keepExchanges: keepExchanges,
		summarizer:    summarizer,
	}
}

// AppendUser adds a user message.
func (t *Thread) AppendUser(content string) {
	t.messages = append(t.messages, types.ChatMessage{
		Role:      types.RoleUser,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
}

// AppendAssistant adds an assistant reply attributed to a model.
func (t *Thread) AppendAssistant(content, model string) {
	t.messages = append(t.messages, types.ChatMessage{
		Role:      types.RoleAssistant,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Model:     model,
	})
}

// Messages returns the current thread, pruning first if it exceeds the
// configured size. The returned slice is the thread's backing store; the
// model client must not mutate it.
func (t *Thread) Messages(ctx context.Context) []types.ChatMessage {
	t.pruneIfNeeded(ctx)
	return t.messages
}

// Len returns the current message count.
func (t *Thread) Len() int { return len(t.messages) }

// pruneIfNeeded elides middle messages, keeping the pinned system message
// and the last keepExchanges user/assistant pairs. The elided segment is
// replaced by a synthetic assistant summary.
func (t *Thread) pruneIfNeeded(ctx context.Context) {
	if t.maxMessages <= 0 || len(t.messages) <= t.maxMessages {
		return
	}

	keepTail := t.keepExchanges * 2
	if keepTail >= len(t.messages)-1 {
		return
	}

	head := t.messages[0] // pinned system message
	elided := t.messages[1 : len(t.messages)-keepTail]
	tail := t.messages[len(t.messages)-keepTail:]

	summary := t.summarize(ctx, elided)

	pruned := make([]types.ChatMessage, 0, 2+len(tail))
	pruned = append(pruned, head)
	pruned = append(pruned, types.ChatMessage{
		Role:      types.RoleAssistant,
		Content:   summary,
		Timestamp: time.Now().UTC(),
	})
	pruned = append(pruned, tail...)
	t.messages = pruned
}

func (t *Thread) summarize(ctx context.Context, elided []types.ChatMessage) string {
	if t.summarizer != nil {
		if s, err := t.summarizer.Summarize(ctx, elided); err == nil && strings.TrimSpace(s) != "" {
			return fmt.Sprintf("[summary of %d earlier messages] %s", len(elided), s)
		}
	}
	return fmt.Sprintf("[elided %d earlier messages]", len(elided))
}
