package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"autonomy/internal/types"
)

type fakeSummarizer struct {
	summary string
	err     error
}

func (f *fakeSummarizer) Summarize(ctx context.Context, msgs []types.ChatMessage) (string, error) {
	return f.summary, f.err
}

func fill(t *Thread, exchanges int) {
	for i := 0; i < exchanges; i++ {
		t.AppendUser(fmt.Sprintf("question %d", i))
		t.AppendAssistant(fmt.Sprintf("answer %d", i), "m")
	}
}

func TestSystemMessageNeverPruned(t *testing.T) {
	th := NewThread("coding", "you are the coder", 10, 2, &fakeSummarizer{summary: "stuff happened"})
	fill(th, 20)

	msgs := th.Messages(context.Background())
	if msgs[0].Role != types.RoleSystem || msgs[0].Content != "you are the coder" {
		t.Fatal("system message must stay pinned at index 0")
	}
}

func TestPruneKeepsLastExchanges(t *testing.T) {
	th := NewThread("coding", "sys", 10, 2, &fakeSummarizer{summary: "earlier work"})
	fill(th, 20)

	msgs := th.Messages(context.Background())
	// system + summary + 2 exchanges
	if len(msgs) != 6 {
		t.Fatalf("expected 6 messages after prune, got %d", len(msgs))
	}
	last := msgs[len(msgs)-1]
	if last.Content != "answer 19" {
		t.Errorf("latest exchange lost: %q", last.Content)
	}
	if !strings.Contains(msgs[1].Content, "earlier work") {
		t.Errorf("summary missing: %q", msgs[1].Content)
	}
}

func TestSummarizerFailureFallsBackToPlaceholder(t *testing.T) {
	th := NewThread("coding", "sys", 10, 2, &fakeSummarizer{err: errors.New("unreachable")})
	fill(th, 20)

	msgs := th.Messages(context.Background())
	if !strings.Contains(msgs[1].Content, "[elided") {
		t.Errorf("expected placeholder, got %q", msgs[1].Content)
	}
	if !strings.Contains(msgs[1].Content, "earlier messages]") {
		t.Errorf("placeholder must carry a count: %q", msgs[1].Content)
	}
}

func TestNoPruneBelowLimit(t *testing.T) {
	th := NewThread("coding", "sys", 40, 6, nil)
	fill(th, 5)

	if got := len(th.Messages(context.Background())); got != 11 {
		t.Errorf("short thread must not be pruned, got %d messages", got)
	}
}
