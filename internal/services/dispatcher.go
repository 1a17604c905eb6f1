package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/meshmon-dev/meshmon/internal/models"
	"github.com/meshmon-dev/meshmon/internal/types"
)

// Message is one alert notification. Text is the rendered form every channel
// can deliver; the other fields let rich channels format it.
type Message struct {
	Text   string
	Title  string
	Node   string
	Level  types.AlertLevel
	Status types.AlertStatus
}

// Dispatcher delivers a message to one destination.
type Dispatcher interface {
	Channel() string
	Send(ctx context.Context, msg Message, destination string) error
}

// NewMessage renders alert as
//
//	[<Status> <Level>] <title>
//	Generated by node '<name>'
//	<body>
func NewMessage(alert models.Alert, node string) Message {
	return Message{
		Text:   FormatMessage(alert, node),
		Title:  alert.Title,
		Node:   node,
		Level:  alert.Level,
		Status: alert.Status,
	}
}

func FormatMessage(alert models.Alert, node string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s %s] %s\n", alert.Status.Label(), alert.Level, alert.Title)
	fmt.Fprintf(&b, "Generated by node '%s'\n", node)
	b.WriteString(alert.RenderBody())
	return b.String()
}
