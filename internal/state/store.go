package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"autonomy/internal/logging"
)

// ErrStateCorrupt marks an unreadable state file. Callers must not proceed
// with a best-effort partial state; the pipeline aborts.
var ErrStateCorrupt = errors.New("state file corrupt")

// Store loads and atomically saves the full PipelineState. Single-writer
// design: saves within one process are serialized, cross-process writers
// are not supported.
type Store struct {
	mu   sync.Mutex
	path string
	log  *logging.Logger
}

// NewStore creates a store persisting to <state-dir>/state.json.
func NewStore(stateDir string) *Store {
	return &Store{
		path: filepath.Join(stateDir, "state.json"),
		log:  logging.Get(logging.CategoryState),
	}
}

// Load reads the state file. A missing file yields a fresh empty state; a
// corrupt file fails loudly with ErrStateCorrupt.
func (st *Store) Load() (*PipelineState, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	data, err := os.ReadFile(st.path)
	if err != nil {
		if os.IsNotExist(err) {
			st.log.Info("no state file at %s, starting fresh", st.path)
			return NewPipelineState(), nil
		}
		return nil, fmt.Errorf("failed to read state: %w", err)
	}

	s := &PipelineState{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStateCorrupt, st.path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStateCorrupt, err)
	}
	return s, nil
}

// Save persists the state atomically: write to a temp file, fsync, rename.
// A crash mid-save can never leave a partially written state.json.
func (st *Store) Save(s *PipelineState) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	dir := filepath.Dir(st.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, st.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// ProposeTask creates a task if one with the same fingerprint does not
// already exist. Proposing the same task twice yields the same id and the
// second proposal is a no-op returning the existing task.
func (st *Store) ProposeTask(s *PipelineState, description, filePath, objectiveID string, priority TaskPriority, category TaskCategory) (*Task, bool) {
	id := TaskFingerprint(description, filePath, objectiveID)
	if existing, ok := s.Tasks[id]; ok {
		return existing, false
	}

	t := &Task{
		ID:          id,
		Description: description,
		FilePath:    filePath,
		Status:      TaskNew,
		Priority:    priority,
		Category:    category,
		ObjectiveID: objectiveID,
		CreatedAt:   time.Now().UTC(),
	}
	s.Tasks[id] = t

	if obj, ok := s.Objectives[objectiveID]; ok {
		obj.TaskIDs = append(obj.TaskIDs, id)
	}
	st.log.Debug("proposed task %s (%s)", id, description)
	return t, true
}

// CompleteTask transitions a task to COMPLETED and stamps the completion
// time. Completed tasks are never mutated again; reopening requires a new
// task.
func (st *Store) CompleteTask(s *PipelineState, id string) error {
	t, ok := s.Tasks[id]
	if !ok {
		return fmt.Errorf("unknown task %s", id)
	}
	if t.Status == TaskCompleted {
		return nil
	}
	now := time.Now().UTC()
	t.Status = TaskCompleted
	t.Completed = true
	t.CompletedAt = &now
	return nil
}

// UpdateTaskStatus advances a task's status. Terminal tasks reject
// mutation.
func (st *Store) UpdateTaskStatus(s *PipelineState, id string, status TaskStatus) error {
	t, ok := s.Tasks[id]
	if !ok {
		return fmt.Errorf("unknown task %s", id)
	}
	if t.Status.Terminal() {
		return fmt.Errorf("task %s is terminal (%s)", id, t.Status)
	}
	t.Status = status
	if status == TaskInProgress {
		t.Attempts++
	}
	return nil
}

// CreateObjective adds a new objective.
func (st *Store) CreateObjective(s *PipelineState, id, title string, level ObjectiveLevel) *Objective {
	obj := &Objective{
		ID:        id,
		Level:     level,
		Title:     title,
		Status:    ObjectiveProposed,
		TaskIDs:   []string{},
		CreatedAt: time.Now().UTC(),
	}
	s.Objectives[id] = obj
	return obj
}

// RefreshObjectiveCompletion recomputes an objective's completion
// percentage from its tasks.
func (st *Store) RefreshObjectiveCompletion(s *PipelineState, id string) {
	obj, ok := s.Objectives[id]
	if !ok || len(obj.TaskIDs) == 0 {
		return
	}
	done := 0
	for _, tid := range obj.TaskIDs {
		if t, ok := s.Tasks[tid]; ok && t.Status == TaskCompleted {
			done++
		}
	}
	obj.Completion = 100 * float64(done) / float64(len(obj.TaskIDs))
}

// IncrementNoUpdate bumps a phase's consecutive no-effect counter.
func (st *Store) IncrementNoUpdate(s *PipelineState, phase string) int {
	ps := s.Phase(phase)
	ps.NoUpdateCount++
	return ps.NoUpdateCount
}

// ResetNoUpdate clears a phase's no-effect counter. Increment followed by
// reset is equivalent to no mutation of the counter.
func (st *Store) ResetNoUpdate(s *PipelineState, phase string) {
	s.Phase(phase).NoUpdateCount = 0
}

// RecordPhaseExecution records one execution of a phase and appends to the
// phase history. phase_history is strictly append-only.
func (st *Store) RecordPhaseExecution(s *PipelineState, phase string, success bool, result string) {
	ps := s.Phase(phase)
	ps.RunCount++
	if success {
		ps.SuccessCount++
	}
	ps.LastResult = result
	ps.LastRunAt = time.Now().UTC()
	s.PhaseHistory = append(s.PhaseHistory, phase)
	s.CurrentPhase = phase
}

// RecordForcedTransition logs a loop-break override.
func (st *Store) RecordForcedTransition(s *PipelineState, from, to, reason string) {
	s.ForcedTransitions = append(s.ForcedTransitions, ForcedTransition{
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
	st.log.Warn("forced transition %s -> %s (%s)", from, to, reason)
}

// RecordFix appends to the fix history for the failure-signature detector.
func (st *Store) RecordFix(s *PipelineState, rec FixRecord) {
	rec.Timestamp = time.Now().UTC()
	s.FixHistory = append(s.FixHistory, rec)
	// Keep the fix history bounded; only the recent window matters for
	// signature detection.
	const maxFixHistory = 200
	if len(s.FixHistory) > maxFixHistory {
		s.FixHistory = s.FixHistory[len(s.FixHistory)-maxFixHistory:]
	}
}

// PendingTasksByPriority returns non-terminal NEW tasks ordered by
// priority rank then creation time.
func (st *Store) PendingTasksByPriority(s *PipelineState) []*Task {
	tasks := s.TasksWithStatus(TaskNew)
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Priority.Rank() != tasks[j].Priority.Rank() {
			return tasks[i].Priority.Rank() < tasks[j].Priority.Rank()
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks
}
