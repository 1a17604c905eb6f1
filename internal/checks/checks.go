package checks

import (
	"fmt"
	"strings"
	"time"

	"github.com/meshmon-dev/meshmon/internal/metrics"
	"github.com/meshmon-dev/meshmon/internal/models"
)

// Outcome is the tri-state result of a single check.
type Outcome int

const (
	Indeterminate Outcome = iota
	Pass
	Fail
)

func (o Outcome) String() string {
	switch o {
	case Pass:
		return "pass"
	case Fail:
		return "fail"
	default:
		return "indeterminate"
	}
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Ran reports whether the check actually compared a value to a threshold.
func (o Outcome) Ran() bool {
	return o == Pass || o == Fail
}

type Feedback struct {
	NoData    string
	NoSetting string
	Fail      string
	Pass      string
}

// Inputs is everything a battery is evaluated against. It is built once per
// evaluation and passed down so every check sees the same snapshot.
type Inputs struct {
	Device   models.Device
	Settings *models.MeshSettings
	// CPU and Memory are the newest Resources rows carrying each field, which
	// may be different rows when a source reports only one of them.
	CPU    *metrics.Row
	Memory *metrics.Row
	RTT    *metrics.Row
	Rate   *metrics.Row
	Now    time.Time
}

// Kind is one entry of the check battery.
type Kind struct {
	Title    string
	Key      string
	Setting  string
	Feedback Feedback

	value     func(Inputs) (float64, bool)
	threshold func(*models.MeshSettings) (float64, bool)
	healthy   func(value, threshold float64) bool
}

type Result struct {
	Title    string  `json:"title"`
	Key      string  `json:"key"`
	Outcome  Outcome `json:"outcome"`
	Feedback string  `json:"feedback"`
}

type Results []Result

// Run is the number of checks that passed or failed.
func (r Results) Run() int {
	n := 0
	for _, res := range r {
		if res.Outcome.Ran() {
			n++
		}
	}
	return n
}

func (r Results) Failed() int {
	return r.count(Fail)
}

func (r Results) Passed() int {
	return r.count(Pass)
}

func (r Results) count(o Outcome) int {
	n := 0
	for _, res := range r {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// FailingKeys lists the keys of failed checks in battery order.
func (r Results) FailingKeys() []string {
	keys := make([]string, 0)
	for _, res := range r {
		if res.Outcome == Fail {
			keys = append(keys, res.Key)
		}
	}
	return keys
}

// Summary is one "title: feedback" line per check that did not pass.
func (r Results) Summary() string {
	lines := make([]string, 0, len(r))
	for _, res := range r {
		if res.Outcome != Pass {
			lines = append(lines, fmt.Sprintf("%s: %s", res.Title, res.Feedback))
		}
	}
	return strings.Join(lines, "\n")
}

// Evaluate runs every check of the battery against in, in declaration order.
func Evaluate(in Inputs) Results {
	results := make(Results, 0, len(Battery))
	for _, kind := range Battery {
		results = append(results, kind.Evaluate(in))
	}
	return results
}

// Evaluate runs a single check. Missing data is reported before a missing
// threshold.
func (k Kind) Evaluate(in Inputs) Result {
	res := Result{Title: k.Title, Key: k.Key, Outcome: Indeterminate}

	value, ok := k.value(in)
	if !ok {
		res.Feedback = k.Feedback.NoData
		return res
	}
	threshold, ok := k.threshold(in.Settings)
	if !ok {
		res.Feedback = k.Feedback.NoSetting
		return res
	}

	if k.healthy(value, threshold) {
		res.Outcome = Pass
		res.Feedback = k.Feedback.Pass
	} else {
		res.Outcome = Fail
		res.Feedback = k.Feedback.Fail
	}
	return res
}
