package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/meshmon-dev/meshmon/internal/types"
	"gorm.io/datatypes"
)

const alertEventLayout = "2006-01-02 15:04:05"

type Alert struct {
	BaseModel

	Level      types.AlertLevel  `gorm:"not null" json:"level"`
	Type       types.AlertType   `gorm:"size:64;not null;index:idx_alerts_device_type" json:"type"`
	Status     types.AlertStatus `gorm:"size:16;not null;index" json:"status"`
	Title      string            `gorm:"not null" json:"title"`
	Body       datatypes.JSON    `json:"-"`
	DeviceMAC  *string           `gorm:"size:17;index:idx_alerts_device_type" json:"device"`
	MeshName   *string           `gorm:"size:128;index" json:"mesh"`
	Version    int               `gorm:"not null;default:1" json:"-"`
	ResolvedAt *time.Time        `json:"resolved_at"`

	// Relationships
	Device        *Device        `gorm:"foreignKey:DeviceMAC;references:MAC;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
	Mesh          *Mesh          `gorm:"foreignKey:MeshName;references:Name;constraint:OnUpdate:CASCADE,OnDelete:SET NULL" json:"-"`
	Notifications []Notification `gorm:"foreignKey:AlertID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
}

// AlertEvent is one timestamped entry of an alert's body log.
type AlertEvent struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Events decodes the body log, most recent event first.
func (a *Alert) Events() ([]AlertEvent, error) {
	if len(a.Body) == 0 {
		return nil, nil
	}
	var events []AlertEvent
	if err := json.Unmarshal(a.Body, &events); err != nil {
		return nil, fmt.Errorf("decode alert %d body: %w", a.ID, err)
	}
	return events, nil
}

// Log prepends an event to the body log.
func (a *Alert) Log(at time.Time, text string) error {
	events, err := a.Events()
	if err != nil {
		return err
	}
	events = append([]AlertEvent{{At: at.UTC(), Text: text}}, events...)
	body, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("encode alert body: %w", err)
	}
	a.Body = datatypes.JSON(body)
	return nil
}

// RenderBody flattens the body log into one line per event.
func (a *Alert) RenderBody() string {
	events, err := a.Events()
	if err != nil {
		return string(a.Body)
	}
	lines := make([]string, 0, len(events))
	for _, event := range events {
		lines = append(lines, fmt.Sprintf("%s: %s", event.At.Format(alertEventLayout), event.Text))
	}
	return strings.Join(lines, "\n")
}

// Active reports whether the alert has not been resolved.
func (a *Alert) Active() bool {
	return a.Status != types.AlertStatusResolved
}
