package types

// DeviceStatus is the liveness state of a device as last observed.
type DeviceStatus string

const (
	DeviceStatusUnknown   DeviceStatus = "unknown"
	DeviceStatusOffline   DeviceStatus = "offline"
	DeviceStatusOnline    DeviceStatus = "online"
	DeviceStatusRebooting DeviceStatus = "rebooting"
)

// HealthStatus is the coarse classification of a device's check results.
type HealthStatus string

const (
	HealthUnknown  HealthStatus = "unknown"
	HealthCritical HealthStatus = "critical"
	HealthWarning  HealthStatus = "warning"
	HealthDecent   HealthStatus = "decent"
	HealthOK       HealthStatus = "ok"
)
