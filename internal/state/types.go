// Package state implements the persistent pipeline state: tasks, objectives,
// per-phase counters, and the durable store that serializes them to a single
// state.json artifact. PipelineState has exactly one writer (the main loop);
// the store serializes saves behind a mutex.
package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// TaskStatus enumerates the task lifecycle.
type TaskStatus string

const (
	TaskNew        TaskStatus = "new"
	TaskInProgress TaskStatus = "in_progress"
	TaskQAPending  TaskStatus = "qa_pending"
	TaskNeedsFixes TaskStatus = "needs_fixes"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskBlocked    TaskStatus = "blocked"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// TaskPriority orders tasks for selection.
type TaskPriority string

const (
	PriorityCritical TaskPriority = "critical"
	PriorityHigh     TaskPriority = "high"
	PriorityMedium   TaskPriority = "medium"
	PriorityLow      TaskPriority = "low"
	PriorityNewTask  TaskPriority = "new_task"
)

// Rank returns the selection order of a priority (lower is more urgent).
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityNewTask:
		return 3
	case PriorityLow:
		return 4
	default:
		return 5
	}
}

// TaskCategory distinguishes the backlog a task belongs to.
type TaskCategory string

const (
	CategoryFeature       TaskCategory = "feature"
	CategoryRefactoring   TaskCategory = "refactoring"
	CategoryDocumentation TaskCategory = "documentation"
)

// Task is the unit of work. IDs are content-hash derived so replanning the
// same work never manufactures duplicates.
type Task struct {
	ID          string       `json:"id"`
	Description string       `json:"description"`
	FilePath    string       `json:"file_path,omitempty"`
	Status      TaskStatus   `json:"status"`
	Priority    TaskPriority `json:"priority"`
	Category    TaskCategory `json:"category,omitempty"`
	Attempts    int          `json:"attempts"`
	Completed   bool         `json:"completed"`
	CreatedAt   time.Time    `json:"created_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	DependsOn   []string     `json:"depends_on,omitempty"`
	ObjectiveID string       `json:"objective_id,omitempty"`
	// LastError holds the most recent failure diagnostic for debugging.
	LastError string `json:"last_error,omitempty"`

	// extra preserves unknown fields across round-trips so newer state
	// files survive older binaries.
	extra map[string]json.RawMessage
}

// taskAlias avoids recursion in the custom JSON methods.
type taskAlias Task

var taskKnownFields = []string{
	"id", "description", "file_path", "status", "priority", "category",
	"attempts", "completed", "created_at", "completed_at", "depends_on",
	"objective_id", "last_error",
}

// UnmarshalJSON decodes a task while retaining unknown fields.
func (t *Task) UnmarshalJSON(data []byte) error {
	var a taskAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range taskKnownFields {
		delete(raw, k)
	}
	*t = Task(a)
	if len(raw) > 0 {
		t.extra = raw
	}
	return nil
}

// MarshalJSON encodes a task including any preserved unknown fields.
func (t Task) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(taskAlias(t))
	if err != nil {
		return nil, err
	}
	if len(t.extra) == 0 {
		return known, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range t.extra {
		if _, clash := merged[k]; !clash {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// TaskFingerprint derives the stable task id from the fields that define a
// task's identity. Deterministic across runs on the same inputs.
func TaskFingerprint(description, filePath, objectiveID string) string {
	h := sha256.New()
	h.Write([]byte(description))
	h.Write([]byte{0})
	h.Write([]byte(filePath))
	h.Write([]byte{0})
	h.Write([]byte(objectiveID))
	return "task-" + hex.EncodeToString(h.Sum(nil))[:12]
}

// ObjectiveLevel ranks objectives.
type ObjectiveLevel string

const (
	LevelPrimary   ObjectiveLevel = "primary"
	LevelSecondary ObjectiveLevel = "secondary"
	LevelTertiary  ObjectiveLevel = "tertiary"
)

// ObjectiveStatus enumerates the objective lifecycle.
type ObjectiveStatus string

const (
	ObjectiveProposed   ObjectiveStatus = "proposed"
	ObjectiveApproved   ObjectiveStatus = "approved"
	ObjectiveActive     ObjectiveStatus = "active"
	ObjectiveCompleting ObjectiveStatus = "completing"
	ObjectiveCompleted  ObjectiveStatus = "completed"
	ObjectiveBlocked    ObjectiveStatus = "blocked"
)

// Objective groups tasks toward a target completion percentage. Objectives
// hold task ids, never task pointers; traversal goes through the task map.
type Objective struct {
	ID         string          `json:"id"`
	Level      ObjectiveLevel  `json:"level"`
	Title      string          `json:"title"`
	Status     ObjectiveStatus `json:"status"`
	TaskIDs    []string        `json:"task_ids"`
	Completion float64         `json:"completion"`
	CreatedAt  time.Time       `json:"created_at"`
}

// PhaseState carries per-phase execution counters. Created lazily on first
// execution, never destroyed.
type PhaseState struct {
	RunCount      int       `json:"run_count"`
	SuccessCount  int       `json:"success_count"`
	LastResult    string    `json:"last_result,omitempty"`
	NoUpdateCount int       `json:"no_update_count"`
	LastRunAt     time.Time `json:"last_run_at,omitempty"`
}

// ForcedTransition records a loop-break override for later inspection.
type ForcedTransition struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// FixRecord tracks one attempted fix, feeding the failure-signature
// detector.
type FixRecord struct {
	TaskID    string    `json:"task_id"`
	FilePath  string    `json:"file_path,omitempty"`
	Error     string    `json:"error"`
	Phase     string    `json:"phase"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

// LearnedPattern is a recognized recurring situation and the transition
// that resolved it.
type LearnedPattern struct {
	Signature  string    `json:"signature"`
	Resolution string    `json:"resolution"`
	Hits       int       `json:"hits"`
	LastSeen   time.Time `json:"last_seen"`
}

// PipelineState is the aggregate root owning tasks, objectives, and phase
// states. All maps are keyed by id.
type PipelineState struct {
	Tasks             map[string]*Task       `json:"tasks"`
	Objectives        map[string]*Objective  `json:"objectives"`
	PhaseStates       map[string]*PhaseState `json:"phase_states"`
	CurrentPhase      string                 `json:"current_phase,omitempty"`
	PhaseHistory      []string               `json:"phase_history"`
	ForcedTransitions []ForcedTransition     `json:"forced_transitions,omitempty"`
	LearnedPatterns   map[string]*LearnedPattern `json:"learned_patterns,omitempty"`
	FixHistory        []FixRecord            `json:"fix_history,omitempty"`
	Iteration         int                    `json:"iteration"`

	extra map[string]json.RawMessage
}

type pipelineAlias PipelineState

var pipelineKnownFields = []string{
	"tasks", "objectives", "phase_states", "current_phase", "phase_history",
	"forced_transitions", "learned_patterns", "fix_history", "iteration",
}

// UnmarshalJSON decodes the state while retaining unknown fields.
func (s *PipelineState) UnmarshalJSON(data []byte) error {
	var a pipelineAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range pipelineKnownFields {
		delete(raw, k)
	}
	*s = PipelineState(a)
	if len(raw) > 0 {
		s.extra = raw
	}
	s.ensureMaps()
	return nil
}

// MarshalJSON encodes the state including preserved unknown fields.
func (s PipelineState) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(pipelineAlias(s))
	if err != nil {
		return nil, err
	}
	if len(s.extra) == 0 {
		return known, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range s.extra {
		if _, clash := merged[k]; !clash {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// NewPipelineState returns an empty state with all maps initialized.
func NewPipelineState() *PipelineState {
	s := &PipelineState{}
	s.ensureMaps()
	return s
}

func (s *PipelineState) ensureMaps() {
	if s.Tasks == nil {
		s.Tasks = make(map[string]*Task)
	}
	if s.Objectives == nil {
		s.Objectives = make(map[string]*Objective)
	}
	if s.PhaseStates == nil {
		s.PhaseStates = make(map[string]*PhaseState)
	}
	if s.LearnedPatterns == nil {
		s.LearnedPatterns = make(map[string]*LearnedPattern)
	}
	if s.PhaseHistory == nil {
		s.PhaseHistory = []string{}
	}
}

// Phase returns the phase state for a name, creating it lazily.
func (s *PipelineState) Phase(name string) *PhaseState {
	ps, ok := s.PhaseStates[name]
	if !ok {
		ps = &PhaseState{}
		s.PhaseStates[name] = ps
	}
	return ps
}

// Validate checks referential integrity: every task id referenced by any
// objective must exist in the task map.
func (s *PipelineState) Validate() error {
	for id, obj := range s.Objectives {
		for _, tid := range obj.TaskIDs {
			if _, ok := s.Tasks[tid]; !ok {
				return fmt.Errorf("objective %s references missing task %s", id, tid)
			}
		}
	}
	return nil
}

// CompletionRatio is the completed-to-total task fraction, used to derive
// the project lifecycle phase.
func (s *PipelineState) CompletionRatio() float64 {
	if len(s.Tasks) == 0 {
		return 0
	}
	done := 0
	for _, t := range s.Tasks {
		if t.Status == TaskCompleted {
			done++
		}
	}
	return float64(done) / float64(len(s.Tasks))
}

// TasksWithStatus returns all tasks in the given status.
func (s *PipelineState) TasksWithStatus(status TaskStatus) []*Task {
	var out []*Task
	for _, t := range s.Tasks {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out
}
