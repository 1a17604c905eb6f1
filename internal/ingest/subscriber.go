package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/meshmon-dev/meshmon/internal/monitor"
	"github.com/rs/zerolog/log"
)

// ReportHandler runs the report pipeline.
type ReportHandler interface {
	HandleReport(ctx context.Context, report monitor.Report) (monitor.ReportAck, monitor.Evaluation, error)
}

// Subscriber consumes device reports from topics shaped like
// meshmon/<mac>/report and answers each on meshmon/<mac>/ack. The MQTT
// callback only queues messages; a fixed pool of workers runs the pipeline
// and publishes acks.
type Subscriber struct {
	handler ReportHandler
	topic   string
	timeout time.Duration
	workers int
	queue   chan message

	mu      sync.RWMutex
	publish func(topic string, payload []byte) error

	wg sync.WaitGroup
}

type message struct {
	topic   string
	payload []byte
}

// Time the MQTT callback waits for queue space before dropping a report.
const enqueueWait = time.Second

func NewSubscriber(handler ReportHandler, topic string, timeout time.Duration, workers int) *Subscriber {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if workers <= 0 {
		workers = 4
	}
	return &Subscriber{
		handler: handler,
		topic:   topic,
		timeout: timeout,
		workers: workers,
		queue:   make(chan message, workers*16),
	}
}

// Start launches the workers. They stop once ctx is done; Wait blocks until
// they have.
func (s *Subscriber) Start(ctx context.Context) {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-s.queue:
					s.process(msg.topic, msg.payload)
				}
			}
		}()
	}
}

func (s *Subscriber) Wait() {
	s.wg.Wait()
}

// Subscribe registers the report handler on client. It is safe to call again
// after a reconnect.
func (s *Subscriber) Subscribe(client mqtt.Client) error {
	s.setPublish(func(topic string, payload []byte) error {
		token := client.Publish(topic, 1, false, payload)
		if token.Wait() && token.Error() != nil {
			return token.Error()
		}
		return nil
	})

	token := client.Subscribe(s.topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		s.enqueue(msg.Topic(), msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", s.topic, token.Error())
	}
	log.Info().Str("topic", s.topic).Int("workers", s.workers).Msg("Subscribed to device reports")
	return nil
}

func (s *Subscriber) setPublish(publish func(topic string, payload []byte) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publish = publish
}

func (s *Subscriber) publisher() func(topic string, payload []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.publish
}

// enqueue hands a message to the workers, dropping it when they stay busy.
func (s *Subscriber) enqueue(topic string, payload []byte) bool {
	msg := message{topic: topic, payload: append([]byte(nil), payload...)}
	timer := time.NewTimer(enqueueWait)
	defer timer.Stop()
	select {
	case s.queue <- msg:
		return true
	case <-timer.C:
		log.Warn().Str("topic", topic).Msg("Report queue full, dropping device report")
		return false
	}
}

func (s *Subscriber) process(topic string, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	ackTopic, ack, err := s.handle(ctx, topic, payload)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to handle device report")
	}
	publish := s.publisher()
	if ack == nil || publish == nil {
		return
	}
	if err := publish(ackTopic, ack); err != nil {
		log.Error().Err(err).Str("topic", ackTopic).Msg("Failed to publish report ack")
	}
}

// handle decodes and processes one report. It returns the ack to publish,
// which is nil when the contact could not be recorded.
func (s *Subscriber) handle(ctx context.Context, topic string, payload []byte) (string, []byte, error) {
	var report monitor.Report
	if err := json.Unmarshal(payload, &report); err != nil {
		return "", nil, fmt.Errorf("decode report: %w", err)
	}
	if report.MAC == "" {
		report.MAC = deviceFromTopic(topic)
	}

	ack, eval, err := s.handler.HandleReport(ctx, report)
	if ack.MAC == "" {
		return "", nil, err
	}
	if err == nil {
		log.Debug().Str("mac", ack.MAC).Str("health", string(eval.Health)).Msg("Processed device report")
	}

	body, merr := json.Marshal(ack)
	if merr != nil {
		return "", nil, merr
	}
	return ackTopic(topic), body, err
}

// deviceFromTopic extracts the device segment: "meshmon/<mac>/report" -> "<mac>".
func deviceFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 2 {
		return parts[len(parts)-2]
	}
	return ""
}

func ackTopic(topic string) string {
	if i := strings.LastIndex(topic, "/"); i >= 0 {
		return topic[:i] + "/ack"
	}
	return topic + "/ack"
}
