package monitors

import (
	"context"
	"fmt"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"github.com/meshmon-dev/meshmon/internal/types"
)

// PingResult summarises one ping of a device.
type PingResult struct {
	Reachable bool
	Sent      int
	Received  int
	Loss      float64 // percent
	MinRTT    time.Duration
	AvgRTT    time.Duration
	MaxRTT    time.Duration
}

// Pinger pings a host for reachability.
type Pinger interface {
	Ping(ctx context.Context, addr string) (PingResult, error)
}

type ICMPPinger struct {
	config types.PingConfig
}

func NewICMPPinger(config types.PingConfig) *ICMPPinger {
	if config.Count <= 0 {
		config.Count = 3
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	return &ICMPPinger{config: config}
}

// Ping sends Count echo requests to addr. An unreachable host is not an
// error; err is only set when the ping itself could not run.
func (p *ICMPPinger) Ping(ctx context.Context, addr string) (PingResult, error) {
	pinger, err := probing.NewPinger(addr)
	if err != nil {
		return PingResult{}, fmt.Errorf("failed to resolve %s: %w", addr, err)
	}

	pinger.Count = p.config.Count
	pinger.Timeout = p.config.Timeout
	pinger.SetPrivileged(p.config.Privileged)

	if err := pinger.RunWithContext(ctx); err != nil {
		return PingResult{}, fmt.Errorf("failed to ping %s: %w", addr, err)
	}

	stats := pinger.Statistics()
	return PingResult{
		Reachable: stats.PacketsRecv > 0,
		Sent:      stats.PacketsSent,
		Received:  stats.PacketsRecv,
		Loss:      stats.PacketLoss,
		MinRTT:    stats.MinRtt,
		AvgRTT:    stats.AvgRtt,
		MaxRTT:    stats.MaxRtt,
	}, nil
}
