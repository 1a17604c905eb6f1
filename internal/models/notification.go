package models

import (
	"time"
)

const (
	NotificationSent   = "sent"
	NotificationFailed = "failed"
)

// Notification records one delivery attempt of an alert to a maintainer.
type Notification struct {
	BaseModel

	AlertID      uint   `gorm:"not null;index"`
	MaintainerID uint   `gorm:"not null;index"`
	Channel      string `gorm:"not null"`
	Destination  string `gorm:"not null"`
	Status       string `gorm:"not null"`
	Message      string
	Error        string
	SentAt       *time.Time
}
