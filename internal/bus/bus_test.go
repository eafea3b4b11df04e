package bus

import (
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPublishDeliversToSubscribersInOrder(t *testing.T) {
	b := New(10, "")
	var order []string

	b.Subscribe("qa", nil, func(m Message) { order = append(order, "first") })
	b.Subscribe("debugging", nil, func(m Message) { order = append(order, "second") })

	b.Publish(Message{Sender: "coding", Recipient: Broadcast, Type: TypeTaskCompleted})

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("delivery order wrong: %v", order)
	}
}

func TestDirectedDeliveryOnlyReachesRecipient(t *testing.T) {
	b := New(10, "")
	got := map[string]int{}
	b.Subscribe("qa", nil, func(m Message) { got["qa"]++ })
	b.Subscribe("debugging", nil, func(m Message) { got["debugging"]++ })

	b.Publish(Message{Sender: "coding", Recipient: "qa", Type: TypeTaskUpdated})

	if got["qa"] != 1 || got["debugging"] != 0 {
		t.Errorf("directed delivery leaked: %v", got)
	}
}

func TestTypeFilteredSubscription(t *testing.T) {
	b := New(10, "")
	count := 0
	b.Subscribe("qa", []MessageType{TypeIssueFound}, func(m Message) { count++ })

	b.Publish(Message{Recipient: "qa", Type: TypeIssueFound})
	b.Publish(Message{Recipient: "qa", Type: TypeTaskCompleted})

	if count != 1 {
		t.Errorf("type filter not applied, got %d deliveries", count)
	}
}

func TestSubscribeIdempotent(t *testing.T) {
	b := New(10, "")
	count := 0
	handler := func(m Message) { count++ }
	b.Subscribe("qa", []MessageType{TypeIssueFound}, handler)
	b.Subscribe("qa", []MessageType{TypeIssueFound}, handler)

	b.Publish(Message{Recipient: "qa", Type: TypeIssueFound})
	if count != 1 {
		t.Errorf("duplicate subscribe should be idempotent, got %d deliveries", count)
	}
}

func TestPanickingSubscriberDoesNotBlockOthers(t *testing.T) {
	b := New(10, "")
	delivered := false
	b.Subscribe("a", nil, func(m Message) { panic("boom") })
	b.Subscribe("b", nil, func(m Message) { delivered = true })

	b.Publish(Message{Recipient: Broadcast, Type: TypePhaseStarted})

	if !delivered {
		t.Error("second subscriber must still receive delivery")
	}
}

func TestLateSubscriberSeesNoPastBroadcasts(t *testing.T) {
	b := New(10, "")
	b.Publish(Message{Recipient: Broadcast, Type: TypePhaseStarted})

	count := 0
	b.Subscribe("late", nil, func(m Message) { count++ })
	if count != 0 {
		t.Error("late subscriber must not replay past broadcasts")
	}
}

func TestPublishRetrieveRoundTrip(t *testing.T) {
	b := New(10, "")
	sent := b.Publish(Message{
		Sender:    "qa",
		Recipient: "debugging",
		Type:      TypeIssueFound,
		TaskID:    "task-1",
		FilePath:  "x.py",
		Payload:   map[string]any{"error": "syntax"},
	})

	msgs := b.GetMessages("debugging", Filter{TaskID: "task-1"})
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	got := msgs[0]
	if got.ID != sent.ID || !got.Timestamp.Equal(sent.Timestamp) || got.FilePath != sent.FilePath {
		t.Error("retrieved message does not equal the published one")
	}
}

func TestClearRemovesFromInbox(t *testing.T) {
	b := New(10, "")
	m := b.Publish(Message{Recipient: "qa", Type: TypeIssueFound})
	b.Clear("qa", []string{m.ID})

	if msgs := b.GetMessages("qa", Filter{}); len(msgs) != 0 {
		t.Errorf("cleared message still in inbox: %v", msgs)
	}
}

func TestClearAcknowledgesBroadcasts(t *testing.T) {
	b := New(10, "")
	m := b.Publish(Message{Sender: "qa", Recipient: Broadcast, Type: TypeIssueFound})

	got := b.GetMessages("debugging", Filter{})
	if len(got) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(got))
	}
	b.Clear("debugging", []string{m.ID})
	if again := b.GetMessages("debugging", Filter{}); len(again) != 0 {
		t.Errorf("broadcast served again after Clear: %v", again)
	}
	// Other phases keep their own unread cursor.
	if other := b.GetMessages("planning", Filter{}); len(other) != 1 {
		t.Errorf("planning should still see the broadcast, got %d", len(other))
	}
}

func TestBroadcastNotServedToSender(t *testing.T) {
	b := New(10, "")
	b.Publish(Message{Sender: "qa", Recipient: Broadcast, Type: TypePhaseStarted})

	if msgs := b.GetMessages("qa", Filter{}); len(msgs) != 0 {
		t.Errorf("sender received its own broadcast: %v", msgs)
	}
	if msgs := b.GetMessages("coding", Filter{}); len(msgs) != 1 {
		t.Errorf("other phase missed the broadcast, got %d", len(msgs))
	}
}

func TestHistoryEvictsOldestNonCriticalFirst(t *testing.T) {
	b := New(3, "")
	b.Publish(Message{Recipient: "a", Type: TypeIssueFound, Priority: PriorityCritical, Payload: map[string]any{"n": 1}})
	b.Publish(Message{Recipient: "a", Type: TypeTaskUpdated, Priority: PriorityNormal, Payload: map[string]any{"n": 2}})
	b.Publish(Message{Recipient: "a", Type: TypeTaskUpdated, Priority: PriorityNormal, Payload: map[string]any{"n": 3}})
	b.Publish(Message{Recipient: "a", Type: TypeTaskUpdated, Priority: PriorityNormal, Payload: map[string]any{"n": 4}})

	history := b.History()
	if len(history) != 3 {
		t.Fatalf("history cap not enforced, got %d", len(history))
	}
	if history[0].Priority != PriorityCritical {
		t.Error("critical message should be retained preferentially")
	}
}

func TestRequestResponseRoundTrip(t *testing.T) {
	b := New(10, "")
	b.Subscribe("planner", []MessageType{TypeRequest}, func(req Message) {
		b.Respond(req, "planner", map[string]any{"answer": 42})
	})

	resp, ok := b.RequestResponse("qa", "planner", TypeRequest, map[string]any{"q": "?"}, time.Second)
	if !ok {
		t.Fatal("expected a response")
	}
	if resp.Payload["answer"] != 42 {
		t.Errorf("wrong payload: %v", resp.Payload)
	}
	if resp.NeedsResponse {
		t.Error("responses must never request further responses")
	}
}

func TestRequestResponseTimeoutReturnsNoResponse(t *testing.T) {
	b := New(10, "")
	_, ok := b.RequestResponse("qa", "nobody", TypeRequest, nil, 20*time.Millisecond)
	if ok {
		t.Error("expected no-response on timeout")
	}
}

func TestSaveLoadHistory(t *testing.T) {
	dir := t.TempDir()
	b := New(10, dir)
	b.Publish(Message{Recipient: "qa", Type: TypeIssueFound, FilePath: "x.py"})
	if err := b.SaveHistory(); err != nil {
		t.Fatal(err)
	}

	b2 := New(10, dir)
	if err := b2.LoadHistory(); err != nil {
		t.Fatal(err)
	}
	msgs := b2.Search(Filter{Types: []MessageType{TypeIssueFound}})
	if len(msgs) != 1 || msgs[0].FilePath != "x.py" {
		t.Errorf("history not restored: %v", msgs)
	}
}
