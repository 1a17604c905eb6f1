package monitors

import (
	"testing"
	"time"

	"github.com/meshmon-dev/meshmon/internal/types"
)

func TestNewICMPPinger_Defaults(t *testing.T) {
	t.Parallel()

	p := NewICMPPinger(types.PingConfig{})
	if p.config.Count != 3 || p.config.Timeout != 5*time.Second || p.config.Privileged {
		t.Fatalf("config=%+v", p.config)
	}

	p = NewICMPPinger(types.PingConfig{Count: 1, Timeout: time.Second, Privileged: true})
	if p.config.Count != 1 || p.config.Timeout != time.Second || !p.config.Privileged {
		t.Fatalf("config=%+v", p.config)
	}
}
