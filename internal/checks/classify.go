package checks

import "github.com/meshmon-dev/meshmon/internal/types"

// Classify reduces a result set to a health status. A set where nothing ran is
// Unknown, never OK.
func Classify(results Results) types.HealthStatus {
	run := results.Run()
	failed := results.Failed()

	switch {
	case run == 0:
		return types.HealthUnknown
	case failed == 0:
		return types.HealthOK
	case failed*2 <= run:
		return types.HealthDecent
	case results.Passed() > 0:
		return types.HealthWarning
	default:
		return types.HealthCritical
	}
}
