package alerts

import (
	"strings"

	"github.com/meshmon-dev/meshmon/internal/models"
	"github.com/meshmon-dev/meshmon/internal/types"
)

// Candidate is the alert a device's current state calls for.
type Candidate struct {
	Level types.AlertLevel
	Type  types.AlertType
	Title string
	Text  string
}

// Derive maps device state to a candidate, or nil when the device needs no
// alert. An offline device is always critical regardless of its health.
func Derive(device models.Device, failingKeys []string) *Candidate {
	if device.Status == types.DeviceStatusOffline {
		return &Candidate{
			Level: types.AlertLevelCritical,
			Type:  types.AlertTypeNodeStatus,
			Title: "Node is offline",
			Text:  "device unreachable by ping",
		}
	}

	text := "failed checks: " + strings.Join(failingKeys, ", ")
	switch device.HealthStatus {
	case types.HealthCritical:
		return &Candidate{
			Level: types.AlertLevelCritical,
			Type:  types.AlertTypeNodeStatus,
			Title: "health critical",
			Text:  text,
		}
	case types.HealthWarning, types.HealthDecent:
		return &Candidate{
			Level: types.AlertLevelError,
			Type:  types.AlertTypeNodeStatus,
			Title: "health bad",
			Text:  text,
		}
	default:
		return nil
	}
}
