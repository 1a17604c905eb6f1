package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meshmon-dev/meshmon/internal/models"
	"github.com/meshmon-dev/meshmon/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrDeviceNotFound = errors.New("device not found")

// Registry is the gorm-backed store of meshes, devices and maintainers.
type Registry struct {
	db       *gorm.DB
	defaults models.MeshSettings
}

// New returns a registry that applies defaults to every mesh it creates.
func New(db *gorm.DB, defaults models.MeshSettings) *Registry {
	return &Registry{db: db, defaults: defaults}
}

func (r *Registry) withDevice(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Preload("Mesh").Preload("Mesh.Settings")
}

// Device loads a device with its mesh and thresholds.
func (r *Registry) Device(ctx context.Context, mac string) (models.Device, error) {
	var device models.Device
	err := r.withDevice(ctx).Where("mac = ?", mac).First(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Device{}, fmt.Errorf("%s: %w", mac, ErrDeviceNotFound)
	}
	if err != nil {
		return models.Device{}, fmt.Errorf("load device %s: %w", mac, err)
	}
	return device, nil
}

func (r *Registry) Devices(ctx context.Context) ([]models.Device, error) {
	var devices []models.Device
	if err := r.withDevice(ctx).Order("mac").Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return devices, nil
}

// DevicesWithIP lists devices that can be pinged.
func (r *Registry) DevicesWithIP(ctx context.Context) ([]models.Device, error) {
	var devices []models.Device
	err := r.withDevice(ctx).
		Where("ip IS NOT NULL AND ip <> ''").
		Order("mac").
		Find(&devices).Error
	if err != nil {
		return nil, fmt.Errorf("list pingable devices: %w", err)
	}
	return devices, nil
}

func (r *Registry) SaveHealth(ctx context.Context, mac string, health types.HealthStatus) error {
	return r.update(ctx, mac, map[string]interface{}{"health_status": health})
}

// UpdateReachability stores a ping outcome. lastPing is only written when
// the device answered.
func (r *Registry) UpdateReachability(ctx context.Context, mac string, reachable bool, status types.DeviceStatus, lastPing *time.Time) error {
	fields := map[string]interface{}{
		"reachable": reachable,
		"status":    status,
	}
	if lastPing != nil {
		fields["last_ping"] = *lastPing
	}
	return r.update(ctx, mac, fields)
}

// Contact describes an inbound device report.
type Contact struct {
	MAC  string
	IsAP bool
	At   time.Time
	IP   *string
}

// RecordContact marks the device as online, creating it on first contact. It
// returns the stored device and whether a pending reboot was claimed. A
// claimed reboot clears the flag and sets the status to rebooting.
func (r *Registry) RecordContact(ctx context.Context, c Contact) (models.Device, bool, error) {
	var (
		device models.Device
		reboot bool
	)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("mac = ?", c.MAC).First(&device).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			device = models.Device{
				MAC:          c.MAC,
				Name:         c.MAC,
				Status:       types.DeviceStatusUnknown,
				HealthStatus: types.HealthUnknown,
			}
			if err := tx.Create(&device).Error; err != nil {
				return fmt.Errorf("create device %s: %w", c.MAC, err)
			}
		case err != nil:
			return fmt.Errorf("load device %s: %w", c.MAC, err)
		}

		reboot = device.RebootFlag
		status := types.DeviceStatusOnline
		if reboot {
			status = types.DeviceStatusRebooting
		}
		fields := map[string]interface{}{
			"is_ap":        c.IsAP,
			"last_contact": c.At,
			"status":       status,
			"reboot_flag":  false,
		}
		if c.IP != nil {
			fields["ip"] = *c.IP
		}
		if err := tx.Model(&models.Device{}).Where("mac = ?", c.MAC).Updates(fields).Error; err != nil {
			return fmt.Errorf("record contact %s: %w", c.MAC, err)
		}
		return nil
	})
	if err != nil {
		return models.Device{}, false, err
	}

	device, err = r.Device(ctx, c.MAC)
	return device, reboot, err
}

// RequestReboot sets the sticky reboot flag picked up on the next report.
func (r *Registry) RequestReboot(ctx context.Context, mac string) error {
	return r.update(ctx, mac, map[string]interface{}{"reboot_flag": true})
}

func (r *Registry) update(ctx context.Context, mac string, fields map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&models.Device{}).Where("mac = ?", mac).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update device %s: %w", mac, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%s: %w", mac, ErrDeviceNotFound)
	}
	return nil
}

// EnsureMesh creates the mesh with default settings if it does not exist and
// updates its position otherwise.
func (r *Registry) EnsureMesh(ctx context.Context, name string, lat, lon *float64) (models.Mesh, error) {
	var mesh models.Mesh
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Preload("Settings").Where("name = ?", name).First(&mesh).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			mesh = models.NewMesh(name, r.defaults)
			mesh.Lat, mesh.Lon = lat, lon
			if err := tx.Create(&mesh).Error; err != nil {
				return fmt.Errorf("create mesh %s: %w", name, err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("load mesh %s: %w", name, err)
		}
		if lat == nil && lon == nil {
			return nil
		}
		mesh.Lat, mesh.Lon = lat, lon
		return tx.Model(&models.Mesh{}).Where("name = ?", name).
			Updates(map[string]interface{}{"lat": lat, "lon": lon}).Error
	})
	return mesh, err
}

// UpsertDevice writes a synced device. New rows take every attribute. For
// existing rows only is_ap is overwritten: descriptive fields fill in when
// still blank and location fields only move to a known value, so a sync never
// clears an address the device reported itself. Monitoring state is untouched.
func (r *Registry) UpsertDevice(ctx context.Context, device models.Device) error {
	if device.Status == "" {
		device.Status = types.DeviceStatusUnknown
	}
	if device.HealthStatus == "" {
		device.HealthStatus = types.HealthUnknown
	}
	err := r.db.WithContext(ctx).Omit(clause.Associations).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "mac"}},
		DoUpdates: syncAssignments,
	}).Create(&device).Error
	if err != nil {
		return fmt.Errorf("upsert device %s: %w", device.MAC, err)
	}
	return nil
}

// UpsertUnknownDevice records a device the sync source saw contacting it
// without being configured. Its name, address and last contact follow the
// source, but never move the last contact backwards.
func (r *Registry) UpsertUnknownDevice(ctx context.Context, device models.Device) error {
	if device.Name == "" {
		device.Name = device.MAC
	}
	device.Status = types.DeviceStatusUnknown
	device.HealthStatus = types.HealthUnknown
	err := r.db.WithContext(ctx).Omit(clause.Associations).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "mac"}},
		DoUpdates: unknownAssignments,
	}).Create(&device).Error
	if err != nil {
		return fmt.Errorf("upsert unknown device %s: %w", device.MAC, err)
	}
	return nil
}

func assign(column, expr string) clause.Assignment {
	return clause.Assignment{Column: clause.Column{Name: column}, Value: gorm.Expr(expr)}
}

var syncAssignments = clause.Set{
	assign("is_ap", "excluded.is_ap"),
	assign("updated_at", "excluded.updated_at"),
	// Devices first seen through a report are named after their MAC.
	assign("name", "CASE WHEN devices.name = devices.mac THEN excluded.name ELSE devices.name END"),
	assign("mesh_name", "COALESCE(devices.mesh_name, excluded.mesh_name)"),
	assign("description", "CASE WHEN devices.description = '' THEN excluded.description ELSE devices.description END"),
	assign("hardware", "CASE WHEN devices.hardware = '' THEN excluded.hardware ELSE devices.hardware END"),
	assign("ip", "COALESCE(excluded.ip, devices.ip)"),
	assign("lat", "COALESCE(excluded.lat, devices.lat)"),
	assign("lon", "COALESCE(excluded.lon, devices.lon)"),
	assign("nas_identifier", "COALESCE(excluded.nas_identifier, devices.nas_identifier)"),
	assign("adopted_at", "COALESCE(excluded.adopted_at, devices.adopted_at)"),
}

var unknownAssignments = clause.Set{
	assign("updated_at", "excluded.updated_at"),
	assign("name", "CASE WHEN excluded.name = excluded.mac THEN devices.name ELSE excluded.name END"),
	assign("ip", "COALESCE(excluded.ip, devices.ip)"),
	assign("last_contact", "CASE WHEN devices.last_contact IS NULL OR excluded.last_contact > devices.last_contact THEN excluded.last_contact ELSE devices.last_contact END"),
}

// Maintainers lists the maintainers attached to a mesh.
func (r *Registry) Maintainers(ctx context.Context, meshName string) ([]models.Maintainer, error) {
	var maintainers []models.Maintainer
	err := r.db.WithContext(ctx).
		Joins("JOIN mesh_maintainers ON mesh_maintainers.maintainer_id = maintainers.id").
		Where("mesh_maintainers.mesh_name = ?", meshName).
		Order("maintainers.id").
		Find(&maintainers).Error
	if err != nil {
		return nil, fmt.Errorf("list maintainers of %s: %w", meshName, err)
	}
	return maintainers, nil
}

// AddMaintainer attaches maintainer to a mesh, creating it if needed.
func (r *Registry) AddMaintainer(ctx context.Context, meshName string, maintainer *models.Maintainer) error {
	mesh := models.Mesh{Name: meshName}
	err := r.db.WithContext(ctx).Model(&mesh).Association("Maintainers").Append(maintainer)
	if err != nil {
		return fmt.Errorf("add maintainer to %s: %w", meshName, err)
	}
	return nil
}

func (r *Registry) RecordNotification(ctx context.Context, notification *models.Notification) error {
	if err := r.db.WithContext(ctx).Create(notification).Error; err != nil {
		return fmt.Errorf("record notification: %w", err)
	}
	return nil
}
