package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meshmon-dev/meshmon/internal/alerts"
	"github.com/meshmon-dev/meshmon/internal/checks"
	"github.com/meshmon-dev/meshmon/internal/metrics"
	"github.com/meshmon-dev/meshmon/internal/models"
	"github.com/meshmon-dev/meshmon/internal/monitors"
	"github.com/meshmon-dev/meshmon/internal/registry"
	"github.com/meshmon-dev/meshmon/internal/types"
	"github.com/rs/zerolog/log"
)

// ErrUnknownDevice is returned when an operation names a MAC the registry
// does not know.
var ErrUnknownDevice = errors.New("unknown device")

type Registry interface {
	Device(ctx context.Context, mac string) (models.Device, error)
	Devices(ctx context.Context) ([]models.Device, error)
	DevicesWithIP(ctx context.Context) ([]models.Device, error)
	SaveHealth(ctx context.Context, mac string, health types.HealthStatus) error
	UpdateReachability(ctx context.Context, mac string, reachable bool, status types.DeviceStatus, lastPing *time.Time) error
	RecordContact(ctx context.Context, contact registry.Contact) (models.Device, bool, error)
}

type MetricStore interface {
	checks.MetricSource
	Insert(ctx context.Context, kind metrics.Kind, rows ...metrics.Row) error
}

type AlertGenerator interface {
	Generate(ctx context.Context, device models.Device, candidate *alerts.Candidate) (alerts.Result, error)
}

type Notifier interface {
	NotifyAsync(alert models.Alert, device models.Device)
}

// Broadcaster pushes device updates to live clients.
type Broadcaster interface {
	BroadcastDevice(device models.Device)
	BroadcastDevices(devices []models.Device)
}

type Config struct {
	Workers      int
	StoreTimeout time.Duration
}

// Service runs the health pipeline: evaluate checks, classify, persist the
// health status, update alerts and notify.
type Service struct {
	registry    Registry
	metrics     MetricStore
	alerts      AlertGenerator
	notifier    Notifier
	broadcaster Broadcaster
	pinger      monitors.Pinger

	workers      int
	storeTimeout time.Duration
	now          func() time.Time
}

func NewService(cfg Config, reg Registry, store MetricStore, gen AlertGenerator, notifier Notifier, broadcaster Broadcaster, pinger monitors.Pinger) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 10 * time.Second
	}
	return &Service{
		registry:     reg,
		metrics:      store,
		alerts:       gen,
		notifier:     notifier,
		broadcaster:  broadcaster,
		pinger:       pinger,
		workers:      cfg.Workers,
		storeTimeout: cfg.StoreTimeout,
		now:          time.Now,
	}
}

// Evaluation is the outcome of one pipeline run for a device.
type Evaluation struct {
	Device  models.Device      `json:"device"`
	Results checks.Results     `json:"checks"`
	Health  types.HealthStatus `json:"health_status"`
	Alert   *models.Alert      `json:"alert,omitempty"`
	Changed bool               `json:"alert_changed"`
}

// EvaluateDevice runs the check battery for mac against fresh registry and
// metric state. It has no side effects.
func (s *Service) EvaluateDevice(ctx context.Context, mac string) (checks.Results, error) {
	device, err := s.device(ctx, mac)
	if err != nil {
		return nil, err
	}
	return s.evaluate(ctx, device)
}

func (s *Service) Classify(results checks.Results) types.HealthStatus {
	return checks.Classify(results)
}

// GenerateAlert brings device's alerts in line with its stored status and
// health and reports whether an alert was created or changed.
func (s *Service) GenerateAlert(ctx context.Context, device models.Device) (bool, error) {
	results, err := s.evaluate(ctx, device)
	if err != nil {
		return false, err
	}
	result, err := s.generate(ctx, device, results)
	if err != nil {
		return false, err
	}
	return result.Changed, nil
}

// Process runs the full pipeline for mac.
func (s *Service) Process(ctx context.Context, mac string) (Evaluation, error) {
	device, err := s.device(ctx, mac)
	if err != nil {
		return Evaluation{}, err
	}
	return s.process(ctx, device)
}

func (s *Service) process(ctx context.Context, device models.Device) (Evaluation, error) {
	results, err := s.evaluate(ctx, device)
	if err != nil {
		return Evaluation{}, err
	}

	health := checks.Classify(results)
	if health != device.HealthStatus {
		if err := s.withTimeout(ctx, func(ctx context.Context) error {
			return s.registry.SaveHealth(ctx, device.MAC, health)
		}); err != nil {
			return Evaluation{}, err
		}
		device.HealthStatus = health
	}

	result, err := s.generate(ctx, device, results)
	if err != nil {
		return Evaluation{}, err
	}

	if s.broadcaster != nil {
		s.broadcaster.BroadcastDevice(device)
	}

	return Evaluation{
		Device:  device,
		Results: results,
		Health:  health,
		Alert:   result.Alert,
		Changed: result.Changed,
	}, nil
}

func (s *Service) evaluate(ctx context.Context, device models.Device) (checks.Results, error) {
	var in checks.Inputs
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		in, err = checks.Collect(ctx, s.metrics, device, s.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return checks.Evaluate(in), nil
}

func (s *Service) generate(ctx context.Context, device models.Device, results checks.Results) (alerts.Result, error) {
	candidate := alerts.Derive(device, results.FailingKeys())

	var result alerts.Result
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		result, err = s.alerts.Generate(ctx, device, candidate)
		return err
	})
	if err != nil {
		return alerts.Result{}, fmt.Errorf("generate alert for %s: %w", device.MAC, err)
	}

	for _, resolved := range result.Resolved {
		log.Info().Str("mac", device.MAC).Uint("alert", resolved.ID).Msg("Resolved alert")
	}
	if result.Changed && result.Alert != nil {
		log.Info().
			Str("mac", device.MAC).
			Uint("alert", result.Alert.ID).
			Str("status", string(result.Alert.Status)).
			Str("level", result.Alert.Level.String()).
			Msg("Alert raised")
		if s.notifier != nil {
			s.notifier.NotifyAsync(*result.Alert, device)
		}
	}
	return result, nil
}

func (s *Service) device(ctx context.Context, mac string) (models.Device, error) {
	var device models.Device
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		device, err = s.registry.Device(ctx, mac)
		return err
	})
	if errors.Is(err, registry.ErrDeviceNotFound) {
		return models.Device{}, fmt.Errorf("%s: %w", mac, ErrUnknownDevice)
	}
	return device, err
}

// withTimeout bounds a single store or registry call.
func (s *Service) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	return fn(ctx)
}
