package orchestrator

import (
	"sort"

	"autonomy/internal/phase"
	"autonomy/internal/state"
)

// Situation is the feature vector polytopic selection scores phases
// against. All components are in [0, 1].
type Situation struct {
	HasErrors     float64
	ErrorSeverity float64
	Complexity    float64
	Urgency       float64
}

// situationFrom derives the current situation from state: open fix work
// drives the error features, the open-task count approximates complexity,
// and overall completion stands in for urgency.
func situationFrom(s *state.PipelineState) Situation {
	var sit Situation

	broken := s.TasksWithStatus(state.TaskNeedsFixes)
	if len(broken) > 0 {
		sit.HasErrors = 1
		sit.ErrorSeverity = 0.6
		for _, t := range broken {
			if t.Priority == state.PriorityCritical {
				sit.ErrorSeverity = 1
				break
			}
		}
	}

	open := 0
	for _, t := range s.Tasks {
		if !t.Status.Terminal() {
			open++
		}
	}
	sit.Complexity = float64(open) / 10
	if sit.Complexity > 1 {
		sit.Complexity = 1
	}

	sit.Urgency = s.CompletionRatio()
	return sit
}

// Feature weights for the polytopic score. The error axis dominates so
// that broken builds pull selection toward the diagnostic phases.
const (
	weightErrors     = 1.0
	weightSeverity   = 0.8
	weightComplexity = 0.6
	weightUrgency    = 0.4
)

// score is the weighted dot product of a phase's dimensional profile and
// the situation vector.
func score(p phase.Profile, sit Situation) float64 {
	return weightErrors*p.Error*sit.HasErrors +
		weightSeverity*p.State*sit.ErrorSeverity +
		weightComplexity*p.Functional*sit.Complexity +
		weightUrgency*p.Temporal*sit.Urgency
}

// selectPolytopic scores every viable neighbor of the current phase and
// returns the maximum. Ties break first toward the higher integration
// dimension, then alphabetically, making selection fully deterministic.
func (o *Orchestrator) selectPolytopic(s *state.PipelineState, current string, exclude map[string]bool) string {
	def, known := o.defs[current]
	if !known {
		return phase.Planning
	}

	candidates := make([]string, 0, len(def.Adjacent))
	for _, name := range def.Adjacent {
		if exclude[name] || !o.viable(name) {
			continue
		}
		candidates = append(candidates, name)
	}
	if len(candidates) == 0 {
		if current != phase.Planning && !exclude[phase.Planning] && o.viable(phase.Planning) {
			return phase.Planning
		}
		return phase.Coding
	}
	sort.Strings(candidates)

	sit := situationFrom(s)
	best := candidates[0]
	bestScore := score(o.defs[best].Profile, sit)
	for _, name := range candidates[1:] {
		sc := score(o.defs[name].Profile, sit)
		switch {
		case sc > bestScore:
			best, bestScore = name, sc
		case sc == bestScore && o.defs[name].Profile.Integration > o.defs[best].Profile.Integration:
			best = name
		}
	}
	o.log.Debug("polytopic selection from %s: %s (score %.3f)", current, best, bestScore)
	return best
}
