package alerts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/meshmon-dev/meshmon/internal/models"
	"github.com/meshmon-dev/meshmon/internal/types"
)

// memStore is an in-memory Store. Atomically runs against a copy that is
// only swapped in when fn succeeds.
type memStore struct {
	mu          sync.Mutex
	alerts      map[uint]models.Alert
	nextID      uint
	failUpdates int
}

func newMemStore() *memStore {
	return &memStore{alerts: make(map[uint]models.Alert)}
}

type memTx struct {
	parent *memStore
	alerts map[uint]models.Alert
}

func (m *memStore) ActiveAlerts(ctx context.Context, subject Subject, alertType *types.AlertType) ([]models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{parent: m, alerts: m.alerts}).ActiveAlerts(ctx, subject, alertType)
}

func (m *memStore) CreateAlert(ctx context.Context, alert *models.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{parent: m, alerts: m.alerts}).CreateAlert(ctx, alert)
}

func (m *memStore) UpdateAlert(ctx context.Context, alert *models.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{parent: m, alerts: m.alerts}).UpdateAlert(ctx, alert)
}

func (m *memStore) Atomically(ctx context.Context, fn func(Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := make(map[uint]models.Alert, len(m.alerts))
	for id, a := range m.alerts {
		clone[id] = a
	}
	if err := fn(&memTx{parent: m, alerts: clone}); err != nil {
		return err
	}
	m.alerts = clone
	return nil
}

func (m *memStore) all() []models.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Alert, 0, len(m.alerts))
	for id := uint(1); id <= m.nextID; id++ {
		if a, ok := m.alerts[id]; ok {
			out = append(out, a)
		}
	}
	return out
}

func matches(a models.Alert, subject Subject) bool {
	if subject.DeviceMAC != nil {
		return a.DeviceMAC != nil && *a.DeviceMAC == *subject.DeviceMAC
	}
	return a.DeviceMAC == nil && a.MeshName != nil && subject.MeshName != nil && *a.MeshName == *subject.MeshName
}

func (t *memTx) ActiveAlerts(_ context.Context, subject Subject, alertType *types.AlertType) ([]models.Alert, error) {
	var out []models.Alert
	for id := t.parent.nextID; id > 0; id-- {
		a, ok := t.alerts[id]
		if !ok || !a.Active() || !matches(a, subject) {
			continue
		}
		if alertType != nil && a.Type != *alertType {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (t *memTx) CreateAlert(_ context.Context, alert *models.Alert) error {
	subject := Subject{DeviceMAC: alert.DeviceMAC, MeshName: alert.MeshName}
	for _, a := range t.alerts {
		if a.Active() && a.Type == alert.Type && matches(a, subject) {
			return ErrConflict
		}
	}
	t.parent.nextID++
	alert.ID = t.parent.nextID
	alert.Version = 1
	t.alerts[alert.ID] = *alert
	return nil
}

func (t *memTx) UpdateAlert(_ context.Context, alert *models.Alert) error {
	if t.parent.failUpdates > 0 {
		t.parent.failUpdates--
		return ErrConflict
	}
	stored, ok := t.alerts[alert.ID]
	if !ok || stored.Version != alert.Version {
		return ErrConflict
	}
	alert.Version++
	t.alerts[alert.ID] = *alert
	return nil
}

func (t *memTx) Atomically(_ context.Context, fn func(Store) error) error {
	return fn(t)
}

func strptr(s string) *string { return &s }

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(store Store) *Engine {
	e := NewEngine(store)
	e.now = func() time.Time { return fixedNow }
	return e
}

func device(mac string, status types.DeviceStatus, health types.HealthStatus) models.Device {
	return models.Device{MAC: mac, MeshName: strptr("site"), Status: status, HealthStatus: health}
}

func seed(t *testing.T, store Store, mac string, level types.AlertLevel, title, text string) models.Alert {
	t.Helper()
	alert := models.Alert{
		Level:     level,
		Type:      types.AlertTypeNodeStatus,
		Status:    types.AlertStatusNew,
		Title:     title,
		DeviceMAC: strptr(mac),
		MeshName:  strptr("site"),
	}
	if err := alert.Log(fixedNow.Add(-time.Hour), text); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if err := store.CreateAlert(context.Background(), &alert); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	return alert
}

func TestDerive(t *testing.T) {
	t.Parallel()

	healths := []types.HealthStatus{types.HealthUnknown, types.HealthOK, types.HealthDecent, types.HealthWarning, types.HealthCritical}
	for _, health := range healths {
		c := Derive(device("m", types.DeviceStatusOffline, health), []string{"cpu"})
		if c == nil || c.Level != types.AlertLevelCritical || c.Type != types.AlertTypeNodeStatus || c.Title != "Node is offline" {
			t.Fatalf("offline with %s: %+v", health, c)
		}
	}

	tests := []struct {
		health types.HealthStatus
		level  types.AlertLevel
		title  string
	}{
		{types.HealthCritical, types.AlertLevelCritical, "health critical"},
		{types.HealthWarning, types.AlertLevelError, "health bad"},
		{types.HealthDecent, types.AlertLevelError, "health bad"},
	}
	for _, tc := range tests {
		c := Derive(device("m", types.DeviceStatusOnline, tc.health), []string{"cpu", "rtt"})
		if c == nil || c.Level != tc.level || c.Title != tc.title || c.Text != "failed checks: cpu, rtt" {
			t.Fatalf("%s: %+v", tc.health, c)
		}
	}

	for _, health := range []types.HealthStatus{types.HealthOK, types.HealthUnknown} {
		if c := Derive(device("m", types.DeviceStatusOnline, health), nil); c != nil {
			t.Fatalf("%s: expected no candidate, got %+v", health, c)
		}
	}
}

func TestGenerate_CreatesThenIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newMemStore()
	engine := newTestEngine(store)
	d := device("aa", types.DeviceStatusOffline, types.HealthUnknown)

	first, err := engine.Generate(ctx, d, Derive(d, nil))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !first.Changed || first.Alert == nil || first.Alert.Status != types.AlertStatusNew {
		t.Fatalf("first=%+v", first)
	}
	if first.Alert.MeshName == nil || *first.Alert.MeshName != "site" {
		t.Fatalf("mesh=%v", first.Alert.MeshName)
	}

	before := store.all()
	second, err := engine.Generate(ctx, d, Derive(d, nil))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if second.Changed {
		t.Fatalf("second pass changed: %+v", second)
	}
	after := store.all()
	if len(after) != 1 || after[0].Status != before[0].Status || string(after[0].Body) != string(before[0].Body) {
		t.Fatalf("before=%+v after=%+v", before, after)
	}
}

func TestGenerate_UpgradesInPlace(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newMemStore()
	engine := newTestEngine(store)
	existing := seed(t, store, "aa", types.AlertLevelWarning, "health bad", "failed checks: cpu")

	d := device("aa", types.DeviceStatusOnline, types.HealthCritical)
	result, err := engine.Generate(ctx, d, Derive(d, []string{"cpu", "mem"}))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !result.Changed {
		t.Fatal("expected change")
	}

	all := store.all()
	if len(all) != 1 || all[0].ID != existing.ID {
		t.Fatalf("alerts=%+v", all)
	}
	got := all[0]
	if got.Level != types.AlertLevelCritical || got.Status != types.AlertStatusUpgraded || got.Title != "health critical" {
		t.Fatalf("alert=%+v", got)
	}
	events, err := got.Events()
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 2 || events[0].Text != "failed checks: cpu, mem" || events[1].Text != "failed checks: cpu" {
		t.Fatalf("events=%+v", events)
	}
}

func TestGenerate_RenamesOnSameLevel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newMemStore()
	engine := newTestEngine(store)
	seed(t, store, "aa", types.AlertLevelCritical, "health critical", "failed checks: cpu")

	d := device("aa", types.DeviceStatusOffline, types.HealthCritical)
	result, err := engine.Generate(ctx, d, Derive(d, nil))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !result.Changed || result.Alert.Status != types.AlertStatusRenamed || result.Alert.Title != "Node is offline" {
		t.Fatalf("result=%+v", result.Alert)
	}
	if body := result.Alert.RenderBody(); !strings.Contains(body, "renamed health critical → Node is offline") {
		t.Fatalf("body=%q", body)
	}
	if n := len(store.all()); n != 1 {
		t.Fatalf("alerts=%d", n)
	}
}

func TestGenerate_ResolvesWhenHealthy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newMemStore()
	engine := newTestEngine(store)
	seed(t, store, "aa", types.AlertLevelCritical, "health critical", "failed checks: cpu")

	d := device("aa", types.DeviceStatusOnline, types.HealthOK)
	result, err := engine.Generate(ctx, d, Derive(d, nil))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if result.Changed || len(result.Resolved) != 1 {
		t.Fatalf("result=%+v", result)
	}

	all := store.all()
	if len(all) != 1 || all[0].Active() || all[0].ResolvedAt == nil {
		t.Fatalf("alerts=%+v", all)
	}
	if events, _ := all[0].Events(); events[0].Text != "resolved" {
		t.Fatalf("events=%+v", events)
	}
}

func TestGenerate_DowngradeReplacesWorseAlert(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newMemStore()
	engine := newTestEngine(store)
	old := seed(t, store, "aa", types.AlertLevelCritical, "health critical", "failed checks: cpu, mem, rtt")

	d := device("aa", types.DeviceStatusOnline, types.HealthDecent)
	result, err := engine.Generate(ctx, d, Derive(d, []string{"cpu"}))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !result.Changed || len(result.Resolved) != 1 || result.Resolved[0].ID != old.ID {
		t.Fatalf("result=%+v", result)
	}
	if result.Alert.Level != types.AlertLevelError || result.Alert.Status != types.AlertStatusNew {
		t.Fatalf("alert=%+v", result.Alert)
	}

	active := 0
	for _, a := range store.all() {
		if a.Active() {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("active=%d", active)
	}
}

func TestGenerate_MeshScope(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newMemStore()
	engine := newTestEngine(store)
	subject := Subject{MeshName: strptr("site")}
	candidate := &Candidate{Level: types.AlertLevelWarning, Type: types.AlertTypeDataUsageHigh, Title: "usage high", Text: "over quota"}

	for i := 0; i < 2; i++ {
		if _, err := engine.Raise(ctx, subject, candidate); err != nil {
			t.Fatalf("Raise: %v", err)
		}
	}
	all := store.all()
	if len(all) != 1 || all[0].DeviceMAC != nil {
		t.Fatalf("alerts=%+v", all)
	}

	// A device alert of the same type is tracked separately.
	d := device("aa", types.DeviceStatusOnline, types.HealthOK)
	if _, err := engine.Generate(ctx, d, candidate); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if n := len(store.all()); n != 2 {
		t.Fatalf("alerts=%d", n)
	}
}

func TestGenerate_RetriesConflicts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newMemStore()
	engine := newTestEngine(store)
	seed(t, store, "aa", types.AlertLevelWarning, "health bad", "failed checks: cpu")
	d := device("aa", types.DeviceStatusOffline, types.HealthUnknown)

	store.failUpdates = 2
	result, err := engine.Generate(ctx, d, Derive(d, nil))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !result.Changed || result.Alert.Status != types.AlertStatusUpgraded {
		t.Fatalf("result=%+v", result)
	}

	seed(t, store, "bb", types.AlertLevelWarning, "health bad", "failed checks: cpu")
	store.failUpdates = 10
	_, err = engine.Generate(ctx, device("bb", types.DeviceStatusOffline, types.HealthUnknown), Derive(d, nil))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err=%v", err)
	}
	for _, a := range store.all() {
		if a.DeviceMAC != nil && *a.DeviceMAC == "bb" && a.Status != types.AlertStatusNew {
			t.Fatalf("conflicting pass committed: %+v", a)
		}
	}
}

func TestGenerate_AtMostOneActiveUnderConcurrency(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newMemStore()
	engine := newTestEngine(store)

	states := []struct {
		status types.DeviceStatus
		health types.HealthStatus
	}{
		{types.DeviceStatusOffline, types.HealthUnknown},
		{types.DeviceStatusOnline, types.HealthCritical},
		{types.DeviceStatusOnline, types.HealthDecent},
		{types.DeviceStatusOnline, types.HealthOK},
		{types.DeviceStatusOnline, types.HealthWarning},
	}

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			state := states[i%len(states)]
			d := device(fmt.Sprintf("dev-%d", i%3), state.status, state.health)
			if _, err := engine.Generate(ctx, d, Derive(d, []string{"cpu"})); err != nil {
				t.Errorf("Generate: %v", err)
			}
		}(i)
	}
	wg.Wait()

	active := map[string]int{}
	for _, a := range store.all() {
		if a.Active() {
			active[*a.DeviceMAC+"/"+string(a.Type)]++
		}
	}
	for key, n := range active {
		if n > 1 {
			t.Fatalf("%s has %d active alerts", key, n)
		}
	}
}

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	t.Parallel()

	k := newKeyedMutex()
	unlock := k.Lock("a")
	done := make(chan struct{})
	go func() {
		defer close(done)
		k.Lock("a")()
	}()

	select {
	case <-done:
		t.Fatal("second lock acquired while first held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-done

	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.locks) != 0 {
		t.Fatalf("locks=%v", k.locks)
	}
}
