package loopdetect

import (
	"testing"
	"time"

	"autonomy/internal/bus"
	"autonomy/internal/phase"
	"autonomy/internal/state"
)

func issueMsg(sender, file, errText string) bus.Message {
	return bus.Message{
		Type:     bus.TypeIssueFound,
		Sender:   sender,
		FilePath: file,
		Payload:  map[string]any{"error": errText},
	}
}

func TestNoUpdateThreshold(t *testing.T) {
	d := New(Config{NoUpdateThreshold: 3})

	if _, forced := d.CheckNoUpdate(phase.Documentation, 2); forced {
		t.Error("forced below threshold")
	}
	target, forced := d.CheckNoUpdate(phase.Documentation, 3)
	if !forced {
		t.Fatal("not forced at threshold")
	}
	if target != phase.ProjectPlanning {
		t.Errorf("documentation must force to project_planning, got %s", target)
	}
}

func TestForcedTargetsAreConcretePhases(t *testing.T) {
	defs := phase.Definitions()
	for name := range defs {
		target := ForcedTarget(name)
		if _, known := defs[target]; !known {
			t.Errorf("forced target of %s is unknown phase %q", name, target)
		}
		if target == name {
			t.Errorf("%s forced to itself", name)
		}
	}
}

func TestHistoryScan(t *testing.T) {
	d := New(Config{HistoryWindow: 5})

	if _, stuck := d.CheckHistory([]string{"qa", "qa", "qa", "qa"}); stuck {
		t.Error("short history flagged")
	}
	if _, stuck := d.CheckHistory([]string{"qa", "qa", "coding", "qa", "qa"}); stuck {
		t.Error("mixed window flagged")
	}
	repeated, stuck := d.CheckHistory([]string{"coding", "qa", "qa", "qa", "qa", "qa"})
	if !stuck || repeated != "qa" {
		t.Errorf("stuck=%v repeated=%q", stuck, repeated)
	}
}

func TestRepeatedIssueSignature(t *testing.T) {
	d := New(Config{SignatureStreak: 3})

	msgs := []bus.Message{
		issueMsg("qa", "app.py", "missing colon"),
		issueMsg("qa", "app.py", "missing colon"),
		issueMsg("qa", "app.py", "missing colon"),
	}
	diag := d.ScanFailures(msgs, nil)
	if diag == nil {
		t.Fatal("streak not detected")
	}
	if diag.StreakPhase != "qa" {
		t.Errorf("streak phase: %s", diag.StreakPhase)
	}
}

func TestDifferentErrorsNoStreak(t *testing.T) {
	d := New(Config{SignatureStreak: 3})
	msgs := []bus.Message{
		issueMsg("qa", "app.py", "missing colon"),
		issueMsg("qa", "app.py", "unbalanced bracket"),
		issueMsg("qa", "app.py", "missing colon"),
	}
	if diag := d.ScanFailures(msgs, nil); diag != nil {
		t.Errorf("false positive: %v", diag)
	}
}

func TestStreakingPhaseNeverResolvesItself(t *testing.T) {
	d := New(Config{SignatureStreak: 3})

	msgs := []bus.Message{
		issueMsg(phase.Investigation, "core.py", "circular import"),
		issueMsg(phase.Investigation, "core.py", "circular import"),
		issueMsg(phase.Investigation, "core.py", "circular import"),
	}
	diag := d.ScanFailures(msgs, nil)
	if diag == nil {
		t.Fatal("streak not detected")
	}
	if diag.Resolver == phase.Investigation {
		t.Fatal("streaking phase recommended as its own resolver")
	}
	if diag.Resolver == "" && !diag.NeedsUserHelp {
		t.Error("no resolver and no user-help flag")
	}
	// And the streaking phase is now on cooldown.
	if !d.IsBlacklisted(phase.Investigation) {
		t.Error("streaking phase not blacklisted")
	}
}

func TestFixStreak(t *testing.T) {
	d := New(Config{SignatureStreak: 3})

	fixes := []state.FixRecord{
		{FilePath: "ui.py", Error: "KeyError", Phase: "debugging", Success: false},
		{FilePath: "ui.py", Error: "KeyError", Phase: "debugging", Success: false},
		{FilePath: "ui.py", Error: "KeyError", Phase: "debugging", Success: false},
	}
	diag := d.ScanFailures(nil, fixes)
	if diag == nil {
		t.Fatal("fix streak not detected")
	}
	if diag.StreakPhase != "debugging" {
		t.Errorf("streak phase: %s", diag.StreakPhase)
	}
	if diag.Resolver == "debugging" {
		t.Error("debugging recommended to fix its own streak")
	}
}

func TestSuccessfulFixesBreakStreak(t *testing.T) {
	d := New(Config{SignatureStreak: 3})
	fixes := []state.FixRecord{
		{FilePath: "ui.py", Error: "KeyError", Phase: "debugging", Success: false},
		{FilePath: "ui.py", Error: "KeyError", Phase: "debugging", Success: true},
		{FilePath: "ui.py", Error: "KeyError", Phase: "debugging", Success: false},
		{FilePath: "ui.py", Error: "KeyError", Phase: "debugging", Success: false},
	}
	if diag := d.ScanFailures(nil, fixes); diag != nil {
		t.Errorf("false positive across successful fix: %v", diag)
	}
}

func TestBlacklistCooldownExpires(t *testing.T) {
	d := New(Config{Cooldown: time.Minute})
	now := time.Now()
	d.now = func() time.Time { return now }

	d.Blacklist("qa")
	if !d.IsBlacklisted("qa") {
		t.Fatal("not blacklisted")
	}
	now = now.Add(2 * time.Minute)
	if d.IsBlacklisted("qa") {
		t.Error("blacklist did not expire")
	}
}

func TestAllResolversBlacklistedAsksUser(t *testing.T) {
	d := New(Config{SignatureStreak: 3})
	d.Blacklist(phase.Investigation)
	d.Blacklist(phase.Debugging)
	d.Blacklist(phase.Planning)

	msgs := []bus.Message{
		issueMsg("qa", "a.py", "boom"),
		issueMsg("qa", "a.py", "boom"),
		issueMsg("qa", "a.py", "boom"),
	}
	diag := d.ScanFailures(msgs, nil)
	if diag == nil {
		t.Fatal("streak not detected")
	}
	if !diag.NeedsUserHelp {
		t.Error("expected user-help escalation when all resolvers cool down")
	}
}
