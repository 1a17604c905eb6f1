package alerts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meshmon-dev/meshmon/internal/models"
	"github.com/meshmon-dev/meshmon/internal/types"
	"github.com/rs/zerolog/log"
)

const defaultAttempts = 3

// Result describes what one generation pass did.
type Result struct {
	// Changed is set when an alert was created, upgraded or renamed.
	Changed  bool
	Alert    *models.Alert
	Resolved []models.Alert
}

// Engine runs the alert state machine. Passes for the same subject are
// serialised in-process; the store's version checks cover other processes.
type Engine struct {
	store    Store
	locks    *keyedMutex
	attempts int
	now      func() time.Time
}

func NewEngine(store Store) *Engine {
	return &Engine{
		store:    store,
		locks:    newKeyedMutex(),
		attempts: defaultAttempts,
		now:      time.Now,
	}
}

// Generate raises, mutates or resolves device's alerts to match candidate. A
// nil candidate resolves every unresolved alert of the device.
func (e *Engine) Generate(ctx context.Context, device models.Device, candidate *Candidate) (Result, error) {
	mac := device.MAC
	return e.Raise(ctx, Subject{DeviceMAC: &mac, MeshName: device.MeshName}, candidate)
}

// Raise is Generate for an arbitrary subject.
func (e *Engine) Raise(ctx context.Context, subject Subject, candidate *Candidate) (Result, error) {
	key := subject.key()
	if key == "" {
		return Result{}, errors.New("alert subject has neither device nor mesh")
	}

	unlock := e.locks.Lock(key)
	defer unlock()

	var lastErr error
	for attempt := 1; attempt <= e.attempts; attempt++ {
		var result Result
		err := e.store.Atomically(ctx, func(tx Store) error {
			var err error
			result, err = e.apply(ctx, tx, subject, candidate)
			return err
		})
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, ErrConflict) {
			return Result{}, err
		}

		lastErr = err
		log.Warn().Err(err).Str("subject", key).Int("attempt", attempt).Msg("Alert update conflicted, retrying")
	}

	log.Error().Err(lastErr).Str("subject", key).Msg("Giving up on alert update for this cycle")
	return Result{}, lastErr
}

func (e *Engine) apply(ctx context.Context, tx Store, subject Subject, candidate *Candidate) (Result, error) {
	now := e.now()

	if candidate == nil {
		active, err := tx.ActiveAlerts(ctx, subject, nil)
		if err != nil {
			return Result{}, err
		}
		resolved, err := resolveAll(ctx, tx, active, now)
		return Result{Resolved: resolved}, err
	}

	active, err := tx.ActiveAlerts(ctx, subject, &candidate.Type)
	if err != nil {
		return Result{}, err
	}

	// The newest alert is mutated in place unless it is worse than the
	// candidate, in which case it is resolved below with the other stale
	// alerts and a fresh one replaces it.
	var target *models.Alert
	if len(active) > 0 && active[0].Level <= candidate.Level {
		target = &active[0]
	}

	stale := make([]models.Alert, 0, len(active))
	for i := range active {
		if target != nil && active[i].ID == target.ID {
			continue
		}
		if active[i].Level > candidate.Level {
			stale = append(stale, active[i])
		}
	}
	resolved, err := resolveAll(ctx, tx, stale, now)
	if err != nil {
		return Result{}, err
	}
	result := Result{Resolved: resolved}

	if target == nil {
		alert := &models.Alert{
			Level:     candidate.Level,
			Type:      candidate.Type,
			Status:    types.AlertStatusNew,
			Title:     candidate.Title,
			DeviceMAC: subject.DeviceMAC,
			MeshName:  subject.MeshName,
		}
		if err := alert.Log(now, candidate.Text); err != nil {
			return Result{}, err
		}
		if err := tx.CreateAlert(ctx, alert); err != nil {
			return Result{}, err
		}
		result.Changed = true
		result.Alert = alert
		return result, nil
	}

	switch {
	case candidate.Level > target.Level:
		target.Level = candidate.Level
		target.Title = candidate.Title
		target.Status = types.AlertStatusUpgraded
		if err := target.Log(now, candidate.Text); err != nil {
			return Result{}, err
		}
	case candidate.Title != target.Title:
		if err := target.Log(now, fmt.Sprintf("renamed %s → %s", target.Title, candidate.Title)); err != nil {
			return Result{}, err
		}
		target.Title = candidate.Title
		target.Status = types.AlertStatusRenamed
	default:
		result.Alert = target
		return result, nil
	}

	if err := tx.UpdateAlert(ctx, target); err != nil {
		return Result{}, err
	}
	result.Changed = true
	result.Alert = target
	return result, nil
}

func resolveAll(ctx context.Context, tx Store, alerts []models.Alert, now time.Time) ([]models.Alert, error) {
	resolved := make([]models.Alert, 0, len(alerts))
	for i := range alerts {
		alert := alerts[i]
		alert.Status = types.AlertStatusResolved
		at := now
		alert.ResolvedAt = &at
		if err := alert.Log(now, "resolved"); err != nil {
			return nil, err
		}
		if err := tx.UpdateAlert(ctx, &alert); err != nil {
			return nil, err
		}
		resolved = append(resolved, alert)
	}
	return resolved, nil
}
