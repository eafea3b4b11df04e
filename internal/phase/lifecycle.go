package phase

// Lifecycle is the project maturity band derived from the completed-task
// ratio. Several phases change behavior per band.
type Lifecycle string

const (
	LifecycleFoundation    Lifecycle = "foundation"
	LifecycleIntegration   Lifecycle = "integration"
	LifecycleConsolidation Lifecycle = "consolidation"
	LifecycleCompletion    Lifecycle = "completion"
)

// LifecycleFor maps a completion ratio onto its band.
func LifecycleFor(ratio float64) Lifecycle {
	switch {
	case ratio < 0.25:
		return LifecycleFoundation
	case ratio < 0.50:
		return LifecycleIntegration
	case ratio < 0.75:
		return LifecycleConsolidation
	default:
		return LifecycleCompletion
	}
}
