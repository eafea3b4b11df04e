// Package bus implements the in-process pub/sub message bus with a
// ring-buffered durable history. Delivery is synchronous and at-most-once
// per subscriber; the history is capped with critical-first retention.
package bus

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"autonomy/internal/logging"
)

// MessageType enumerates the bus message vocabulary.
type MessageType string

const (
	TypePhaseStarted       MessageType = "phase_started"
	TypePhaseCompleted     MessageType = "phase_completed"
	TypeTaskCreated        MessageType = "task_created"
	TypeTaskUpdated        MessageType = "task_updated"
	TypeTaskCompleted      MessageType = "task_completed"
	TypeIssueFound         MessageType = "issue_found"
	TypeIssueResolved      MessageType = "issue_resolved"
	TypeQAApproved         MessageType = "qa_approved"
	TypeReviewRequested    MessageType = "review_requested"
	TypeForcedTransition   MessageType = "forced_transition"
	TypeUserInputRequested MessageType = "user_input_requested"
	TypeRequest            MessageType = "request"
	TypeResponse           MessageType = "response"
)

// Priority orders messages for retention and logging.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Broadcast is the recipient value that delivers to every subscriber.
const Broadcast = "broadcast"

// Message is one bus entry. Request/response pairs share CorrelationID;
// responses never create new requests.
type Message struct {
	ID            string         `json:"id"`
	Sender        string         `json:"sender"`
	Recipient     string         `json:"recipient"`
	Type          MessageType    `json:"type"`
	Priority      Priority       `json:"priority"`
	Payload       map[string]any `json:"payload,omitempty"`
	TaskID        string         `json:"task_id,omitempty"`
	ObjectiveID   string         `json:"objective_id,omitempty"`
	FilePath      string         `json:"file_path,omitempty"`
	IssueID       string         `json:"issue_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	NeedsResponse bool           `json:"needs_response,omitempty"`
	ExpiresAt     *time.Time     `json:"expires_at,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`

	// seq orders broadcast delivery cursors. Not persisted: history
	// restored from disk is never redelivered as unread.
	seq uint64
}

// Filter narrows GetMessages and Search results. Zero values match
// everything.
type Filter struct {
	Types         []MessageType
	Priority      Priority
	Since         time.Time
	TaskID        string
	ObjectiveID   string
	FilePath      string
	CorrelationID string
	Sender        string
}

func (f Filter) matches(m Message) bool {
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if m.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Priority != "" && m.Priority != f.Priority {
		return false
	}
	if !f.Since.IsZero() && m.Timestamp.Before(f.Since) {
		return false
	}
	if f.TaskID != "" && m.TaskID != f.TaskID {
		return false
	}
	if f.ObjectiveID != "" && m.ObjectiveID != f.ObjectiveID {
		return false
	}
	if f.FilePath != "" && m.FilePath != f.FilePath {
		return false
	}
	if f.CorrelationID != "" && m.CorrelationID != f.CorrelationID {
		return false
	}
	if f.Sender != "" && m.Sender != f.Sender {
		return false
	}
	return true
}

// Handler receives delivered messages. A panicking handler must not
// prevent delivery to other subscribers.
type Handler func(Message)

type subscriber struct {
	phase   string
	types   map[MessageType]bool // empty means all types
	handler Handler
}

// Bus is the in-process message bus. It is the only component designed to
// be called from multiple goroutines; it serializes mutations internally.
type Bus struct {
	mu          sync.Mutex
	historyCap  int
	history     []Message
	subscribers []*subscriber
	inboxes     map[string][]Message    // per-phase undelivered pull queue
	pending     map[string]chan Message // correlation id -> one-shot response
	seq         uint64                  // monotonic publish counter
	bcastSeen   map[string]uint64       // per-phase acknowledged broadcast seq
	log         *logging.Logger
	errLog      *logging.Logger
	persistPath string
}

// New creates a bus with the given history cap. persistDir may be empty to
// disable history persistence.
func New(historyCap int, persistDir string) *Bus {
	b := &Bus{
		historyCap: historyCap,
		inboxes:    make(map[string][]Message),
		pending:    make(map[string]chan Message),
		bcastSeen:  make(map[string]uint64),
		log:        logging.Get(logging.CategoryBus),
		errLog:     logging.Get(logging.CategoryBusError),
	}
	if persistDir != "" {
		b.persistPath = filepath.Join(persistDir, "messages", "history.json")
	}
	return b
}

// Publish enqueues a message and synchronously delivers it to all matching
// subscribers before returning. Subscribers are iterated in registration
// order; a failing handler is logged and swallowed.
func (b *Bus) Publish(m Message) Message {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	if m.Priority == "" {
		m.Priority = PriorityNormal
	}

	b.mu.Lock()
	b.seq++
	m.seq = b.seq
	b.appendHistory(m)
	if m.Recipient != Broadcast && m.Recipient != "" {
		b.inboxes[m.Recipient] = append(b.inboxes[m.Recipient], m)
	}

	// Resolve a pending request/response await before normal delivery.
	if m.Type == TypeResponse && m.CorrelationID != "" {
		if ch, ok := b.pending[m.CorrelationID]; ok {
			delete(b.pending, m.CorrelationID)
			select {
			case ch <- m:
			default:
			}
		}
	}

	targets := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if m.Recipient != Broadcast && m.Recipient != sub.phase {
			continue
		}
		if len(sub.types) > 0 && !sub.types[m.Type] {
			continue
		}
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	// Critical messages always reach the console, subscribers or not.
	if m.Priority == PriorityCritical {
		b.log.Critical("[%s -> %s] %s: %v", m.Sender, m.Recipient, m.Type, m.Payload)
	} else {
		b.log.Debug("publish [%s -> %s] %s", m.Sender, m.Recipient, m.Type)
	}

	for _, sub := range targets {
		b.deliver(sub, m)
	}
	return m
}

func (b *Bus) deliver(sub *subscriber, m Message) {
	defer func() {
		if r := recover(); r != nil {
			b.errLog.Error("subscriber %s panicked on %s: %v", sub.phase, m.Type, r)
		}
	}()
	sub.handler(m)
}

// Subscribe registers a phase's interest in the given types (nil or empty
// means all). Subscribing the same phase and type set twice is idempotent.
func (b *Bus) Subscribe(phase string, types []MessageType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	typeSet := make(map[MessageType]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	for _, sub := range b.subscribers {
		if sub.phase == phase && sameTypes(sub.types, typeSet) {
			sub.handler = handler
			return
		}
	}
	b.subscribers = append(b.subscribers, &subscriber{phase: phase, types: typeSet, handler: handler})
}

func sameTypes(a, b map[MessageType]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for t := range a {
		if !b[t] {
			return false
		}
	}
	return true
}

// GetMessages returns messages addressed to the phase or broadcast,
// filtered. Pulled messages stay unread until Clear: directed messages
// sit in the inbox, broadcasts are tracked by a per-phase cursor. A
// phase never receives its own broadcasts.
func (b *Bus) GetMessages(phase string, f Filter) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	var out []Message
	for _, m := range b.inboxes[phase] {
		if m.ExpiresAt != nil && m.ExpiresAt.Before(now) {
			continue
		}
		if f.matches(m) {
			out = append(out, m)
		}
	}
	for _, m := range b.history {
		if m.Recipient != Broadcast || m.Sender == phase {
			continue
		}
		if m.seq <= b.bcastSeen[phase] {
			continue
		}
		if f.matches(m) {
			out = append(out, m)
		}
	}
	return out
}

// Search queries the full history.
func (b *Bus) Search(f Filter) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Message
	for _, m := range b.history {
		if f.matches(m) {
			out = append(out, m)
		}
	}
	return out
}

// Clear acknowledges processed entries for a phase: directed messages
// leave the inbox, and the broadcast cursor advances past the newest
// cleared broadcast so it is not served again.
func (b *Bus) Clear(phase string, ids []string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := b.inboxes[phase][:0]
	for _, m := range b.inboxes[phase] {
		if !drop[m.ID] {
			kept = append(kept, m)
		}
	}
	b.inboxes[phase] = kept

	for _, m := range b.history {
		if m.Recipient == Broadcast && drop[m.ID] && m.seq > b.bcastSeen[phase] {
			b.bcastSeen[phase] = m.seq
		}
	}
}

// RequestResponse publishes a request with a fresh correlation id and
// blocks up to timeout for a response carrying the same id. On timeout it
// returns ok=false; it never panics or raises.
func (b *Bus) RequestResponse(sender, recipient string, msgType MessageType, payload map[string]any, timeout time.Duration) (Message, bool) {
	correlationID := uuid.NewString()
	ch := make(chan Message, 1)

	b.mu.Lock()
	b.pending[correlationID] = ch
	b.mu.Unlock()

	b.Publish(Message{
		Sender:        sender,
		Recipient:     recipient,
		Type:          msgType,
		Payload:       payload,
		CorrelationID: correlationID,
		NeedsResponse: true,
	})

	select {
	case resp := <-ch:
		return resp, true
	case <-time.After(timeout):
		b.mu.Lock()
		delete(b.pending, correlationID)
		b.mu.Unlock()
		b.log.Warn("request %s from %s to %s timed out after %v", correlationID, sender, recipient, timeout)
		return Message{}, false
	}
}

// Respond publishes the response half of a request/response pair. The
// response reuses the request's correlation id and never carries
// NeedsResponse.
func (b *Bus) Respond(req Message, sender string, payload map[string]any) Message {
	return b.Publish(Message{
		Sender:        sender,
		Recipient:     req.Sender,
		Type:          TypeResponse,
		Payload:       payload,
		CorrelationID: req.CorrelationID,
	})
}

// appendHistory adds to the ring, evicting the oldest non-critical entry
// first when full. Caller holds the lock.
func (b *Bus) appendHistory(m Message) {
	b.history = append(b.history, m)
	if len(b.history) <= b.historyCap {
		return
	}
	// Evict the oldest non-critical message.
	for i, old := range b.history {
		if old.Priority != PriorityCritical {
			b.history = append(b.history[:i], b.history[i+1:]...)
			return
		}
	}
	// All critical: drop the oldest anyway to honor the cap.
	b.history = b.history[1:]
}

// History returns a copy of the current history ring.
func (b *Bus) History() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.history))
	copy(out, b.history)
	return out
}

// SaveHistory persists the bounded history to messages/history.json.
func (b *Bus) SaveHistory() error {
	if b.persistPath == "" {
		return nil
	}
	b.mu.Lock()
	data, err := json.MarshalIndent(b.history, "", "  ")
	b.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to encode bus history: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(b.persistPath), 0o755); err != nil {
		return fmt.Errorf("failed to create messages dir: %w", err)
	}
	tmp := b.persistPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write bus history: %w", err)
	}
	return os.Rename(tmp, b.persistPath)
}

// LoadHistory restores a persisted history ring. Missing file is fine.
func (b *Bus) LoadHistory() error {
	if b.persistPath == "" {
		return nil
	}
	data, err := os.ReadFile(b.persistPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read bus history: %w", err)
	}
	var history []Message
	if err := json.Unmarshal(data, &history); err != nil {
		return fmt.Errorf("failed to parse bus history: %w", err)
	}
	b.mu.Lock()
	b.history = history
	b.mu.Unlock()
	return nil
}

// FailureSignature condenses a message into the form the loop detector
// compares: sender, type, and the error-ish payload fields.
func (m Message) FailureSignature() string {
	parts := []string{m.Sender, string(m.Type), m.FilePath}
	if v, ok := m.Payload["error"]; ok {
		parts = append(parts, fmt.Sprintf("%v", v))
	}
	if v, ok := m.Payload["tool"]; ok {
		parts = append(parts, fmt.Sprintf("%v", v))
	}
	return strings.Join(parts, "|")
}
