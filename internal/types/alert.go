package types

import (
	"fmt"
	"strings"
)

// AlertLevel orders alert severities; a higher value is worse.
type AlertLevel int

const (
	AlertLevelWarning  AlertLevel = 1
	AlertLevelError    AlertLevel = 2
	AlertLevelCritical AlertLevel = 3
)

func (l AlertLevel) String() string {
	switch l {
	case AlertLevelWarning:
		return "Warning"
	case AlertLevelError:
		return "Error"
	case AlertLevelCritical:
		return "Critical"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

func (l AlertLevel) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(l.String())), nil
}

func (l *AlertLevel) UnmarshalText(text []byte) error {
	level, err := ParseAlertLevel(string(text))
	if err != nil {
		return err
	}
	*l = level
	return nil
}

// ParseAlertLevel accepts the lower- or title-case level name.
func ParseAlertLevel(raw string) (AlertLevel, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "warning":
		return AlertLevelWarning, nil
	case "error":
		return AlertLevelError, nil
	case "critical":
		return AlertLevelCritical, nil
	default:
		return 0, fmt.Errorf("unknown alert level %q", raw)
	}
}

// AlertType groups alerts that describe the same concern on a device.
type AlertType string

const (
	AlertTypeNodeStatus    AlertType = "node-status"
	AlertTypeUptimeLow     AlertType = "uptime-low"
	AlertTypeDataUsageHigh AlertType = "data-usage-high"
)

// AlertStatus is the lifecycle position of an alert row.
type AlertStatus string

const (
	AlertStatusNew      AlertStatus = "new"
	AlertStatusUpgraded AlertStatus = "upgraded"
	AlertStatusRenamed  AlertStatus = "renamed"
	AlertStatusResolved AlertStatus = "resolved"
)

// Label returns the title-cased status used in rendered messages.
func (s AlertStatus) Label() string {
	if s == "" {
		return ""
	}
	return strings.ToUpper(string(s[:1])) + string(s[1:])
}
