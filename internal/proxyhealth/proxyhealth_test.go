package proxyhealth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinchtab/postbridge/internal/duoplus"
)

// fakeClient answers the probe from a per-device health table. Binding a
// proxy heals devices listed in fixOnBind.
type fakeClient struct {
	mu        sync.Mutex
	healthy   map[string]bool
	fixOnBind map[string]bool
	bindErr   error
	commands  map[string]int
	binds     []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{healthy: map[string]bool{}, fixOnBind: map[string]bool{}, commands: map[string]int{}}
}

func (f *fakeClient) Command(ctx context.Context, deviceID, command string) (duoplus.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands[deviceID]++
	if f.healthy[deviceID] {
		return duoplus.Result{Success: true, Content: "204"}, nil
	}
	return duoplus.Result{Success: true, Content: "000"}, nil
}

func (f *fakeClient) BindProxy(ctx context.Context, deviceID, proxyID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.binds = append(f.binds, deviceID+"="+proxyID)
	if f.bindErr != nil {
		return f.bindErr
	}
	if f.fixOnBind[deviceID] {
		f.healthy[deviceID] = true
	}
	return nil
}

func (f *fakeClient) probes(deviceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commands[deviceID]
}

func TestCheckConnection(t *testing.T) {
	fc := newFakeClient()
	fc.healthy["d1"] = true
	c := New(fc, nil, Options{})

	assert.True(t, c.CheckConnection(context.Background(), "d1"))
	assert.False(t, c.CheckConnection(context.Background(), "d2"))

	st, ok := c.State("d2")
	require.True(t, ok)
	assert.False(t, st.Healthy)
	assert.Contains(t, st.Error, "000")
}

type errClient struct{ fakeClient }

func (e *errClient) Command(ctx context.Context, deviceID, command string) (duoplus.Result, error) {
	return duoplus.Result{}, &duoplus.APIError{Code: 500, Message: "device offline"}
}

func TestCheckConnectionAPIError(t *testing.T) {
	c := New(&errClient{}, nil, Options{})
	assert.False(t, c.CheckConnection(context.Background(), "d1"))
	st, _ := c.State("d1")
	assert.Contains(t, st.Error, "device offline")
}

func TestReconnect(t *testing.T) {
	fc := newFakeClient()
	fc.fixOnBind["d1"] = true
	c := New(fc, []Device{{ID: "d1", ProxyProviderID: "p1"}}, Options{})

	assert.True(t, c.Reconnect(context.Background(), "d1", ""))
	assert.Equal(t, []string{"d1=p1"}, fc.binds)
	st, _ := c.State("d1")
	assert.True(t, st.Healthy)
	assert.Equal(t, 1, st.Reconnects)

	assert.False(t, c.Reconnect(context.Background(), "unknown", ""), "no provider to bind")

	fc.bindErr = errors.New("quota exceeded")
	assert.False(t, c.Reconnect(context.Background(), "d1", "p2"))
}

func TestCheckAllAggregates(t *testing.T) {
	fc := newFakeClient()
	for _, id := range []string{"d1", "d2", "d3"} {
		fc.healthy[id] = true
	}
	fc.fixOnBind["d4"] = true
	devices := []Device{
		{ID: "d1", ProxyProviderID: "p1"},
		{ID: "d2", ProxyProviderID: "p2"},
		{ID: "d3", ProxyProviderID: "p3"},
		{ID: "d4", ProxyProviderID: "p4"},
		{ID: "d5", ProxyProviderID: "p5"},
	}
	c := New(fc, devices, Options{Concurrency: 2})

	sum := c.CheckAll(context.Background())
	assert.Equal(t, Summary{Checked: 5, Healthy: 3, Reconnected: 1, Failed: 1}, sum)
	assert.ElementsMatch(t, []string{"d4=p4", "d5=p5"}, fc.binds, "only unhealthy devices are rebound")
	assert.Len(t, c.States(), 5)
}

func TestEnsureHealthyUsesCache(t *testing.T) {
	fc := newFakeClient()
	fc.healthy["d1"] = true
	c := New(fc, nil, Options{CacheTTL: time.Hour})
	ctx := context.Background()

	require.NoError(t, c.EnsureHealthy(ctx, "d1", "p1"))
	require.NoError(t, c.EnsureHealthy(ctx, "d1", "p1"))
	assert.Equal(t, 1, fc.probes("d1"))
}

func TestEnsureHealthyReconnectsOnce(t *testing.T) {
	fc := newFakeClient()
	fc.fixOnBind["d1"] = true
	c := New(fc, nil, Options{})
	require.NoError(t, c.EnsureHealthy(context.Background(), "d1", "p1"))
	assert.Equal(t, []string{"d1=p1"}, fc.binds)

	err := c.EnsureHealthy(context.Background(), "d2", "p2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "d2")
}

func TestDeviceLookup(t *testing.T) {
	c := New(newFakeClient(), []Device{{ID: "b"}, {ID: "a"}}, Options{})
	_, err := c.Device("zzz")
	assert.ErrorIs(t, err, ErrUnknownDevice)
	d, err := c.Device("a")
	require.NoError(t, err)
	assert.Equal(t, "a", d.ID)
	assert.Equal(t, "a", c.Devices()[0].ID)
}

func TestRunStopsWithContext(t *testing.T) {
	fc := newFakeClient()
	fc.healthy["d1"] = true
	c := New(fc, []Device{{ID: "d1"}}, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, 5*time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool { return fc.probes("d1") >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestLoadDevices(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "devices.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`
devices:
  - id: dev-1
    proxyProviderId: prov-1
    label: phone one
  - id: dev-2
    proxyProviderId: prov-2
`), 0o644))
	devices, err := LoadDevices(good)
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, Device{ID: "dev-1", ProxyProviderID: "prov-1", Label: "phone one"}, devices[0])

	dup := filepath.Join(dir, "dup.yaml")
	require.NoError(t, os.WriteFile(dup, []byte("devices:\n  - id: a\n  - id: a\n"), 0o644))
	_, err = LoadDevices(dup)
	assert.ErrorContains(t, err, "duplicate")

	_, err = LoadDevices(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
