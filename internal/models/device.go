package models

import (
	"time"

	"github.com/meshmon-dev/meshmon/internal/types"
)

type Device struct {
	MAC           string             `gorm:"primaryKey;size:17" json:"mac"`
	Name          string             `gorm:"not null" json:"name"`
	MeshName      *string            `gorm:"size:128;index" json:"mesh"`
	Description   string             `json:"description"`
	Hardware      string             `json:"hardware"`
	IP            *string            `gorm:"size:64" json:"ip"`
	Lat           *float64           `json:"lat"`
	Lon           *float64           `json:"lon"`
	IsAP          bool               `gorm:"not null;default:false" json:"is_ap"`
	Status        types.DeviceStatus `gorm:"size:16;not null;default:unknown" json:"status"`
	HealthStatus  types.HealthStatus `gorm:"size:16;not null;default:unknown" json:"health_status"`
	RebootFlag    bool               `gorm:"not null;default:false" json:"reboot_flag"`
	Reachable     bool               `gorm:"not null;default:false" json:"reachable"`
	LastContact   *time.Time         `json:"last_contact"`
	LastPing      *time.Time         `json:"last_ping"`
	NASIdentifier *string            `gorm:"size:128" json:"nas_identifier"`
	AdoptedAt     *time.Time         `json:"adopted_at"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`

	// Relationships
	Mesh *Mesh `gorm:"foreignKey:MeshName;references:Name;constraint:OnUpdate:CASCADE,OnDelete:SET NULL" json:"-"`
}

// Settings returns the thresholds of the device's mesh, or nil when the device
// is unassigned or the mesh was not loaded.
func (d Device) Settings() *MeshSettings {
	if d.Mesh == nil {
		return nil
	}
	return &d.Mesh.Settings
}
