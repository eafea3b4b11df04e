package audit

import (
	"context"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RecordExecution(ctx, "coding", "create_file", true, 12, "wrote main.py"); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}
	if err := s.RecordExecution(ctx, "qa", "validate_syntax", false, 3, "unbalanced bracket"); err != nil {
		t.Fatal(err)
	}

	recent, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 {
		t.Fatalf("records: %d", len(recent))
	}
	// Newest first.
	if recent[0].Tool != "validate_syntax" || recent[0].Success {
		t.Errorf("unexpected first record: %+v", recent[0])
	}
	if recent[1].Phase != "coding" || !recent[1].Success {
		t.Errorf("unexpected second record: %+v", recent[1])
	}
	if recent[0].RunID != s.RunID() {
		t.Errorf("run id mismatch: %q vs %q", recent[0].RunID, s.RunID())
	}
}

func TestStatsAggregation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		success := i%2 == 0
		if err := s.RecordExecution(ctx, "coding", "modify_file", success, 10, ""); err != nil {
			t.Fatal(err)
		}
	}

	st, err := s.Stats(ctx, "modify_file")
	if err != nil {
		t.Fatal(err)
	}
	if st.Executions != 4 || st.Failures != 2 {
		t.Errorf("stats: %+v", st)
	}
	if got := st.FailureRate(); got != 0.5 {
		t.Errorf("failure rate: %v", got)
	}

	unused, err := s.Stats(ctx, "never_ran")
	if err != nil {
		t.Fatal(err)
	}
	if unused.Executions != 0 || unused.FailureRate() != 0 {
		t.Errorf("unused tool stats: %+v", unused)
	}
}

func TestFailureCountsScopedToRun(t *testing.T) {
	dir := t.TempDir()
	first, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := first.RecordExecution(ctx, "qa", "check_syntax", false, 1, "old run"); err != nil {
		t.Fatal(err)
	}
	first.Close()

	second, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	if err := second.RecordExecution(ctx, "qa", "approve_code", false, 1, "new run"); err != nil {
		t.Fatal(err)
	}

	counts, err := second.FailureCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(counts) != 1 || counts["approve_code"] != 1 {
		t.Errorf("counts leaked across runs: %v", counts)
	}

	// The table itself keeps both runs.
	st, err := second.Stats(ctx, "check_syntax")
	if err != nil {
		t.Fatal(err)
	}
	if st.Executions != 1 {
		t.Errorf("prior run record lost: %+v", st)
	}
}

func TestPhaseSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RecordExecution(ctx, "coding", "create_file", true, 10, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordExecution(ctx, "coding", "create_file", false, 30, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordExecution(ctx, "debugging", "report_bug_fixed", true, 5, ""); err != nil {
		t.Fatal(err)
	}

	summary, err := s.PhaseSummary(ctx)
	if err != nil {
		t.Fatal(err)
	}
	coding := summary["coding"]
	if coding.Executions != 2 || coding.Failures != 1 || coding.AvgMs != 20 {
		t.Errorf("coding summary: %+v", coding)
	}
	if summary["debugging"].Failures != 0 {
		t.Errorf("debugging summary: %+v", summary["debugging"])
	}
}
