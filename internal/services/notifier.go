package services

import (
	"context"
	"fmt"
	"time"

	"github.com/meshmon-dev/meshmon/internal/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// MaintainerDirectory resolves who to notify and keeps the delivery log.
type MaintainerDirectory interface {
	Maintainers(ctx context.Context, meshName string) ([]models.Maintainer, error)
	RecordNotification(ctx context.Context, notification *models.Notification) error
}

// Notifier fans an alert out to every maintainer of the device's mesh.
type Notifier struct {
	directory MaintainerDirectory
	phone     Dispatcher
	webhook   Dispatcher
	timeout   time.Duration
	parallel  int
}

// NewNotifier wires the dispatchers used for phone numbers and webhook URLs.
// Either may be nil to disable that channel.
func NewNotifier(directory MaintainerDirectory, phone, webhook Dispatcher, timeout time.Duration) *Notifier {
	return &Notifier{
		directory: directory,
		phone:     phone,
		webhook:   webhook,
		timeout:   timeout,
		parallel:  4,
	}
}

// Delivery is the outcome of one send.
type Delivery struct {
	MaintainerID uint
	Channel      string
	Destination  string
	Err          error
}

// Notify sends alert to the maintainers of the device's mesh. A failed send
// is logged and recorded, and never stops the other deliveries.
func (n *Notifier) Notify(ctx context.Context, alert models.Alert, device models.Device) ([]Delivery, error) {
	meshName := alert.MeshName
	if meshName == nil {
		meshName = device.MeshName
	}
	if meshName == nil {
		log.Debug().Str("mac", device.MAC).Uint("alert", alert.ID).Msg("Device has no mesh, nobody to notify")
		return nil, nil
	}

	maintainers, err := n.directory.Maintainers(ctx, *meshName)
	if err != nil {
		return nil, fmt.Errorf("load maintainers of %s: %w", *meshName, err)
	}

	node := device.Name
	if node == "" {
		node = device.MAC
	}
	msg := NewMessage(alert, node)

	type job struct {
		maintainer models.Maintainer
		dispatcher Dispatcher
		dest       string
	}
	var jobs []job
	for _, m := range maintainers {
		if n.phone != nil && m.PhoneNumber != nil && *m.PhoneNumber != "" {
			jobs = append(jobs, job{m, n.phone, *m.PhoneNumber})
		}
		if n.webhook != nil && m.WebhookURL != nil && *m.WebhookURL != "" {
			jobs = append(jobs, job{m, n.webhook, *m.WebhookURL})
		}
	}

	deliveries := make([]Delivery, len(jobs))
	var g errgroup.Group
	g.SetLimit(n.parallel)
	for i, j := range jobs {
		i, j := i, j
		g.Go(func() error {
			deliveries[i] = n.deliver(ctx, alert, msg, j.maintainer, j.dispatcher, j.dest)
			return nil
		})
	}
	_ = g.Wait()

	return deliveries, nil
}

// NotifyAsync runs Notify in the background with its own deadline, so the
// caller's request lifetime does not cut deliveries short.
func (n *Notifier) NotifyAsync(alert models.Alert, device models.Device) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()

		if _, err := n.Notify(ctx, alert, device); err != nil {
			log.Error().Err(err).Str("mac", device.MAC).Uint("alert", alert.ID).Msg("Failed to notify maintainers")
		}
	}()
}

func (n *Notifier) deliver(ctx context.Context, alert models.Alert, msg Message, m models.Maintainer, d Dispatcher, dest string) Delivery {
	delivery := Delivery{MaintainerID: m.ID, Channel: d.Channel(), Destination: dest}
	delivery.Err = d.Send(ctx, msg, dest)

	record := &models.Notification{
		AlertID:      alert.ID,
		MaintainerID: m.ID,
		Channel:      d.Channel(),
		Destination:  dest,
		Message:      msg.Text,
	}
	if delivery.Err != nil {
		log.Error().
			Err(delivery.Err).
			Uint("alert", alert.ID).
			Uint("maintainer", m.ID).
			Str("channel", d.Channel()).
			Msg("Failed to deliver alert")
		record.Status = models.NotificationFailed
		record.Error = delivery.Err.Error()
	} else {
		now := time.Now()
		record.Status = models.NotificationSent
		record.SentAt = &now
	}

	if err := n.directory.RecordNotification(ctx, record); err != nil {
		log.Warn().Err(err).Uint("alert", alert.ID).Msg("Failed to record notification")
	}
	return delivery
}
