// Package proxyhealth checks that each cloud device can reach the internet
// through its proxy and rebinds the proxy when it cannot.
package proxyhealth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/pinchtab/postbridge/internal/duoplus"
)

var ErrUnknownDevice = errors.New("unknown device")

// DeviceClient runs commands on a device and binds its proxy.
type DeviceClient interface {
	Command(ctx context.Context, deviceID, command string) (duoplus.Result, error)
	BindProxy(ctx context.Context, deviceID, proxyID string) error
}

type Device struct {
	ID              string `yaml:"id" json:"id"`
	ProxyProviderID string `yaml:"proxyProviderId" json:"proxyProviderId"`
	Label           string `yaml:"label,omitempty" json:"label,omitempty"`
}

type devicesFile struct {
	Devices []Device `yaml:"devices"`
}

// LoadDevices reads a YAML file with a top-level devices list.
func LoadDevices(path string) ([]Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f devicesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	seen := make(map[string]bool, len(f.Devices))
	for i, d := range f.Devices {
		if d.ID == "" {
			return nil, fmt.Errorf("%s: device %d has no id", path, i)
		}
		if seen[d.ID] {
			return nil, fmt.Errorf("%s: duplicate device %s", path, d.ID)
		}
		seen[d.ID] = true
	}
	return f.Devices, nil
}

type Options struct {
	// ProbeCommand runs on the device; its output must contain ProbeExpect.
	ProbeCommand string
	ProbeExpect  string
	Concurrency  int
	// SettleDelay is the wait between binding a proxy and re-checking.
	SettleDelay time.Duration
	// CacheTTL lets EnsureHealthy trust a recent healthy check.
	CacheTTL time.Duration
}

func (o Options) withDefaults() Options {
	if o.ProbeCommand == "" {
		o.ProbeCommand = `curl -s -o /dev/null -m 10 -w "%{http_code}" https://www.gstatic.com/generate_204`
	}
	if o.ProbeExpect == "" {
		o.ProbeExpect = "204"
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.SettleDelay < 0 {
		o.SettleDelay = 0
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 2 * time.Minute
	}
	return o
}

type DeviceState struct {
	DeviceID   string    `json:"deviceId"`
	Healthy    bool      `json:"healthy"`
	CheckedAt  time.Time `json:"checkedAt"`
	Error      string    `json:"error,omitempty"`
	Reconnects int       `json:"reconnects"`
}

type Summary struct {
	Checked     int `json:"checked"`
	Healthy     int `json:"healthy"`
	Reconnected int `json:"reconnected"`
	Failed      int `json:"failed"`
}

type Checker struct {
	client DeviceClient
	opts   Options

	mu      sync.Mutex
	devices map[string]Device
	states  map[string]*DeviceState
}

func New(client DeviceClient, devices []Device, opts Options) *Checker {
	c := &Checker{
		client: client,
		opts:   opts.withDefaults(),
		states: make(map[string]*DeviceState),
	}
	c.SetDevices(devices)
	return c
}

func (c *Checker) SetDevices(devices []Device) {
	m := make(map[string]Device, len(devices))
	for _, d := range devices {
		m[d.ID] = d
	}
	c.mu.Lock()
	c.devices = m
	c.mu.Unlock()
}

func (c *Checker) Device(id string) (Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.devices[id]
	if !ok {
		return Device{}, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	return d, nil
}

// Devices returns the configured devices sorted by id.
func (c *Checker) Devices() []Device {
	c.mu.Lock()
	out := make([]Device, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, d)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CheckConnection runs the probe command on the device.
func (c *Checker) CheckConnection(ctx context.Context, deviceID string) bool {
	res, err := c.client.Command(ctx, deviceID, c.opts.ProbeCommand)
	switch {
	case err != nil:
	case !res.Success:
		err = errors.New("probe command failed on device")
	case !strings.Contains(res.Content, c.opts.ProbeExpect):
		err = fmt.Errorf("probe answered %q", strings.TrimSpace(res.Content))
	}
	c.record(deviceID, err == nil, err, false)
	if err != nil {
		slog.Warn("proxy check failed", "device", deviceID, "err", err)
		return false
	}
	slog.Debug("proxy healthy", "device", deviceID)
	return true
}

// Reconnect rebinds the device's proxy and reports whether the device is
// reachable afterwards. An empty providerID falls back to the configured
// device entry.
func (c *Checker) Reconnect(ctx context.Context, deviceID, providerID string) bool {
	if providerID == "" {
		d, err := c.Device(deviceID)
		if err != nil || d.ProxyProviderID == "" {
			slog.Warn("reconnect without proxy provider", "device", deviceID)
			return false
		}
		providerID = d.ProxyProviderID
	}
	if err := c.client.BindProxy(ctx, deviceID, providerID); err != nil {
		c.record(deviceID, false, err, true)
		slog.Warn("proxy rebind failed", "device", deviceID, "provider", providerID, "err", err)
		return false
	}
	c.record(deviceID, false, nil, true)
	if c.opts.SettleDelay > 0 {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(c.opts.SettleDelay):
		}
	}
	ok := c.CheckConnection(ctx, deviceID)
	slog.Info("proxy reconnect", "device", deviceID, "provider", providerID, "healthy", ok)
	return ok
}

// CheckAll checks every configured device, reconnecting the unhealthy ones.
func (c *Checker) CheckAll(ctx context.Context) Summary {
	devices := c.Devices()

	var (
		mu  sync.Mutex
		sum Summary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for _, d := range devices {
		g.Go(func() error {
			healthy := c.CheckConnection(gctx, d.ID)
			reconnected := !healthy && c.Reconnect(gctx, d.ID, d.ProxyProviderID)

			mu.Lock()
			defer mu.Unlock()
			sum.Checked++
			switch {
			case healthy:
				sum.Healthy++
			case reconnected:
				sum.Reconnected++
			default:
				sum.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	slog.Info("proxy health sweep", "checked", sum.Checked, "healthy", sum.Healthy, "reconnected", sum.Reconnected, "failed", sum.Failed)
	return sum
}

// EnsureHealthy returns nil when the device is reachable, reconnecting once
// if needed. A healthy result younger than CacheTTL is trusted.
func (c *Checker) EnsureHealthy(ctx context.Context, deviceID, providerID string) error {
	if st, ok := c.State(deviceID); ok && st.Healthy && time.Since(st.CheckedAt) < c.opts.CacheTTL {
		return nil
	}
	if c.CheckConnection(ctx, deviceID) {
		return nil
	}
	if c.Reconnect(ctx, deviceID, providerID) {
		return nil
	}
	return fmt.Errorf("device %s: proxy unreachable after reconnect", deviceID)
}

// Run sweeps every interval until ctx ends.
func (c *Checker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.CheckAll(ctx)
		}
	}
}

func (c *Checker) record(deviceID string, healthy bool, err error, reconnect bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[deviceID]
	if !ok {
		st = &DeviceState{DeviceID: deviceID}
		c.states[deviceID] = st
	}
	if reconnect {
		st.Reconnects++
		if err != nil {
			st.Error = err.Error()
		}
		return
	}
	st.Healthy = healthy
	st.CheckedAt = time.Now()
	st.Error = ""
	if err != nil {
		st.Error = err.Error()
	}
}

func (c *Checker) State(deviceID string) (DeviceState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[deviceID]
	if !ok {
		return DeviceState{}, false
	}
	return *st, true
}

// States returns the last observed state of every checked device.
func (c *Checker) States() []DeviceState {
	c.mu.Lock()
	out := make([]DeviceState, 0, len(c.states))
	for _, st := range c.states {
		out = append(out, *st)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}
