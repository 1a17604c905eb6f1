package alerts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meshmon-dev/meshmon/internal/models"
	"github.com/meshmon-dev/meshmon/internal/types"
	"gorm.io/gorm"
)

// ErrConflict means another writer changed the alert set first: an update
// matched a stale version, or an insert hit the one-active-alert index.
var ErrConflict = errors.New("alert modified concurrently")

// Subject is what an alert is raised against. Alerts without a device are
// scoped to the mesh.
type Subject struct {
	DeviceMAC *string
	MeshName  *string
}

func (s Subject) key() string {
	if s.DeviceMAC != nil {
		return "device:" + *s.DeviceMAC
	}
	if s.MeshName != nil {
		return "mesh:" + *s.MeshName
	}
	return ""
}

// Store persists alerts. Implementations must make Atomically all-or-nothing.
type Store interface {
	// ActiveAlerts returns unresolved alerts for subject, newest first. A nil
	// alertType matches every type.
	ActiveAlerts(ctx context.Context, subject Subject, alertType *types.AlertType) ([]models.Alert, error)
	CreateAlert(ctx context.Context, alert *models.Alert) error
	// UpdateAlert saves alert if its stored version still equals
	// alert.Version, then bumps the version.
	UpdateAlert(ctx context.Context, alert *models.Alert) error
	Atomically(ctx context.Context, fn func(Store) error) error
}

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) ActiveAlerts(ctx context.Context, subject Subject, alertType *types.AlertType) ([]models.Alert, error) {
	query := s.db.WithContext(ctx).Where("status <> ?", types.AlertStatusResolved)

	switch {
	case subject.DeviceMAC != nil:
		query = query.Where("device_mac = ?", *subject.DeviceMAC)
	case subject.MeshName != nil:
		query = query.Where("device_mac IS NULL AND mesh_name = ?", *subject.MeshName)
	default:
		return nil, errors.New("alert subject has neither device nor mesh")
	}
	if alertType != nil {
		query = query.Where("type = ?", *alertType)
	}

	var alerts []models.Alert
	if err := query.Order("created_at DESC, id DESC").Find(&alerts).Error; err != nil {
		return nil, fmt.Errorf("load active alerts: %w", err)
	}
	return alerts, nil
}

func (s *GormStore) CreateAlert(ctx context.Context, alert *models.Alert) error {
	if alert.Version == 0 {
		alert.Version = 1
	}
	if err := s.db.WithContext(ctx).Create(alert).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("create %s alert: %w", alert.Type, ErrConflict)
		}
		return fmt.Errorf("create alert: %w", err)
	}
	return nil
}

func (s *GormStore) UpdateAlert(ctx context.Context, alert *models.Alert) error {
	now := time.Now()
	res := s.db.WithContext(ctx).
		Model(&models.Alert{}).
		Where("id = ? AND version = ?", alert.ID, alert.Version).
		Updates(map[string]interface{}{
			"level":       alert.Level,
			"title":       alert.Title,
			"status":      alert.Status,
			"body":        alert.Body,
			"resolved_at": alert.ResolvedAt,
			"version":     alert.Version + 1,
			"updated_at":  now,
		})
	if res.Error != nil {
		return fmt.Errorf("update alert %d: %w", alert.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update alert %d at version %d: %w", alert.ID, alert.Version, ErrConflict)
	}
	alert.Version++
	alert.UpdatedAt = now
	return nil
}

func (s *GormStore) Atomically(ctx context.Context, fn func(Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

// Alerts lists a device's alerts newest first, optionally only unresolved ones.
func (s *GormStore) Alerts(ctx context.Context, mac string, activeOnly bool) ([]models.Alert, error) {
	query := s.db.WithContext(ctx).Where("device_mac = ?", mac)
	if activeOnly {
		query = query.Where("status <> ?", types.AlertStatusResolved)
	}
	var alerts []models.Alert
	if err := query.Order("created_at DESC, id DESC").Find(&alerts).Error; err != nil {
		return nil, fmt.Errorf("list alerts for %s: %w", mac, err)
	}
	return alerts, nil
}
