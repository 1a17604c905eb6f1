package models

import "time"

type Mesh struct {
	Name      string    `gorm:"primaryKey;size:128" json:"name"`
	Lat       *float64  `json:"lat"`
	Lon       *float64  `json:"lon"`
	CreatedAt time.Time `json:"created_at"`

	// Relationships
	Settings    MeshSettings `gorm:"foreignKey:MeshName;references:Name;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"settings"`
	Maintainers []Maintainer `gorm:"many2many:mesh_maintainers;joinForeignKey:MeshName;joinReferences:MaintainerID" json:"-"`
}

// NewMesh builds a mesh together with its settings row so both are created in
// the same insert.
func NewMesh(name string, defaults MeshSettings) Mesh {
	settings := defaults
	settings.MeshName = name
	return Mesh{
		Name:     name,
		Settings: settings,
	}
}

// MeshSettings holds the per-mesh check thresholds. A nil threshold disables
// the corresponding check for every device in the mesh.
type MeshSettings struct {
	MeshName string `gorm:"primaryKey;size:128" json:"-" yaml:"-"`

	CheckCPU           *float64 `json:"check_cpu" yaml:"check_cpu"`                       // percent
	CheckMem           *float64 `json:"check_mem" yaml:"check_mem"`                       // percent
	CheckRTT           *float64 `json:"check_rtt" yaml:"check_rtt"`                       // milliseconds
	CheckPing          *int64   `json:"check_ping" yaml:"check_ping"`                     // seconds since last ping
	CheckActive        *int64   `json:"check_active" yaml:"check_active"`                 // seconds since last report
	CheckUploadSpeed   *float64 `json:"check_upload_speed" yaml:"check_upload_speed"`     // kbps
	CheckDownloadSpeed *float64 `json:"check_download_speed" yaml:"check_download_speed"` // kbps
}
