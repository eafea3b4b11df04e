// Package loopdetect implements the two loop-detection layers: per-phase
// no-update counters with forced transitions, and the coordinator-level
// history scan, plus the failure-signature detector over bus and fix
// history. A phase in a failure streak is never recommended as the
// resolver of its own streak.
package loopdetect

import (
	"fmt"
	"sync"
	"time"

	"autonomy/internal/bus"
	"autonomy/internal/logging"
	"autonomy/internal/phase"
	"autonomy/internal/state"
)

// Detector holds the thresholds and the streak blacklist.
type Detector struct {
	mu                sync.Mutex
	noUpdateThreshold int
	historyWindow     int
	signatureStreak   int
	cooldown          time.Duration
	blacklist         map[string]time.Time
	now               func() time.Time
	log               *logging.Logger
}

// Config carries detector thresholds.
type Config struct {
	NoUpdateThreshold int
	HistoryWindow     int
	SignatureStreak   int
	Cooldown          time.Duration
}

// New creates a detector. Zero config fields fall back to the defaults
// (threshold 3, window 5, streak 3, cooldown 10 minutes).
func New(cfg Config) *Detector {
	if cfg.NoUpdateThreshold <= 0 {
		cfg.NoUpdateThreshold = 3
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 5
	}
	if cfg.SignatureStreak <= 0 {
		cfg.SignatureStreak = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 10 * time.Minute
	}
	return &Detector{
		noUpdateThreshold: cfg.NoUpdateThreshold,
		historyWindow:     cfg.HistoryWindow,
		signatureStreak:   cfg.SignatureStreak,
		cooldown:          cfg.Cooldown,
		blacklist:         make(map[string]time.Time),
		now:               time.Now,
		log:               logging.Get(logging.CategoryLoop),
	}
}

// forcedTargets maps a stuck phase to the concrete phase it must hand off
// to. Forced transitions may cross non-adjacent edges; that is the point.
var forcedTargets = map[string]string{
	phase.Planning:        phase.Coding,
	phase.Coding:          phase.QA,
	phase.QA:              phase.Documentation,
	phase.Debugging:       phase.Investigation,
	phase.Investigation:   phase.Planning,
	phase.AppTroubleshoot: phase.Investigation,
	phase.Documentation:   phase.ProjectPlanning,
	phase.ProjectPlanning: phase.Planning,
	phase.Refactoring:     phase.Planning,
}

// ForcedTarget returns where a phase must transition once its no-update
// counter crosses the threshold. Phases without an explicit target fall
// back to their first adjacency.
func ForcedTarget(name string) string {
	if target, explicit := forcedTargets[name]; explicit {
		return target
	}
	if def, known := phase.Definitions()[name]; known && len(def.Adjacent) > 0 {
		return def.Adjacent[0]
	}
	return phase.Planning
}

// CheckNoUpdate reports whether a phase's counter demands a forced
// transition, and to where.
func (d *Detector) CheckNoUpdate(name string, counter int) (string, bool) {
	if counter < d.noUpdateThreshold {
		return "", false
	}
	target := ForcedTarget(name)
	d.log.Warn("phase %s hit no-update threshold (%d), forcing transition to %s", name, counter, target)
	return target, true
}

// CheckHistory reports whether the last window entries of phase_history
// are one identical phase, which demands a coordinator override.
func (d *Detector) CheckHistory(history []string) (string, bool) {
	if len(history) < d.historyWindow {
		return "", false
	}
	window := history[len(history)-d.historyWindow:]
	first := window[0]
	for _, entry := range window[1:] {
		if entry != first {
			return "", false
		}
	}
	d.log.Warn("history scan: last %d dispatches all %s", d.historyWindow, first)
	return first, true
}

// Blacklist puts a phase on cooldown. A blacklisted phase must not be
// selected, and in particular must not be suggested as the resolver of
// its own failure streak.
func (d *Detector) Blacklist(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blacklist[name] = d.now().Add(d.cooldown)
	d.log.Warn("phase %s blacklisted for %v", name, d.cooldown)
}

// IsBlacklisted reports whether a phase is still cooling down. Expired
// entries are pruned on read.
func (d *Detector) IsBlacklisted(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	expiry, listed := d.blacklist[name]
	if !listed {
		return false
	}
	if d.now().After(expiry) {
		delete(d.blacklist, name)
		return false
	}
	return true
}

// Diagnostic describes a detected failure pattern. Resolver is the phase
// the detector suggests, already filtered against the streaking phase and
// the blacklist; empty means the orchestrator should request user input.
type Diagnostic struct {
	Kind          string
	Signature     string
	Count         int
	StreakPhase   string
	Resolver      string
	NeedsUserHelp bool
}

func (g Diagnostic) String() string {
	return fmt.Sprintf("%s x%d (%s, streak phase %s)", g.Kind, g.Count, g.Signature, g.StreakPhase)
}

// ScanFailures inspects bus history and fix history for repeating failure
// signatures: the same error on the same file N times in a row, an
// identical failed tool call repeated, or a phase repeatedly consulted as
// its own solution.
func (d *Detector) ScanFailures(messages []bus.Message, fixes []state.FixRecord) *Diagnostic {
	if diag := d.scanRepeatedIssues(messages); diag != nil {
		return d.resolve(diag)
	}
	if diag := d.scanFixStreak(fixes); diag != nil {
		return d.resolve(diag)
	}
	return nil
}

// scanRepeatedIssues looks for N consecutive issue messages with an
// identical failure signature.
func (d *Detector) scanRepeatedIssues(messages []bus.Message) *Diagnostic {
	var issues []bus.Message
	for _, m := range messages {
		if m.Type == bus.TypeIssueFound {
			issues = append(issues, m)
		}
	}
	if len(issues) < d.signatureStreak {
		return nil
	}
	tail := issues[len(issues)-d.signatureStreak:]
	sig := tail[0].FailureSignature()
	for _, m := range tail[1:] {
		if m.FailureSignature() != sig {
			return nil
		}
	}
	return &Diagnostic{
		Kind:        "repeated_issue",
		Signature:   sig,
		Count:       d.signatureStreak,
		StreakPhase: tail[0].Sender,
	}
}

// scanFixStreak looks for the same file failing its fix N times in a row.
// Any successful fix inside the window breaks the streak.
func (d *Detector) scanFixStreak(fixes []state.FixRecord) *Diagnostic {
	if len(fixes) < d.signatureStreak {
		return nil
	}
	tail := fixes[len(fixes)-d.signatureStreak:]
	key := tail[0].FilePath + "|" + tail[0].Error
	for _, f := range tail {
		if f.Success || f.FilePath+"|"+f.Error != key {
			return nil
		}
	}
	return &Diagnostic{
		Kind:        "failed_fix_streak",
		Signature:   key,
		Count:       d.signatureStreak,
		StreakPhase: tail[0].Phase,
	}
}

// resolve picks the phase that should break the streak. The streaking
// phase itself is blacklisted and excluded; with no viable candidate the
// diagnostic asks for user input instead.
func (d *Detector) resolve(diag *Diagnostic) *Diagnostic {
	d.Blacklist(diag.StreakPhase)

	for _, candidate := range []string{phase.Investigation, phase.Debugging, phase.Planning} {
		if candidate == diag.StreakPhase || d.IsBlacklisted(candidate) {
			continue
		}
		diag.Resolver = candidate
		return diag
	}
	diag.NeedsUserHelp = true
	return diag
}
