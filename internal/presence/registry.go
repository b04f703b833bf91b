// Package presence tracks capture devices on the bus: which devices are
// announced, which are still heartbeating, and what audio format they
// produce.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ayahlabs/tilawa-core/internal/bus"
	"github.com/ayahlabs/tilawa-core/internal/config"
	"github.com/ayahlabs/tilawa-core/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// DeviceInfo is the registry's view of one device.
type DeviceInfo struct {
	ID         string    `json:"id"`
	Role       string    `json:"role"`
	SampleRate int       `json:"sample_rate"`
	Channels   int       `json:"channels"`
	LastSeen   time.Time `json:"last_seen"`
	Healthy    bool      `json:"healthy"`
}

type announceMessage struct {
	DeviceID   string    `json:"device_id"`
	Role       string    `json:"role"`
	SampleRate int       `json:"sample_rate"`
	Channels   int       `json:"channels"`
	Timestamp  time.Time `json:"timestamp"`
}

type heartbeatMessage struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Registry announces this process, heartbeats on an interval, and marks
// devices unhealthy once their heartbeats stop arriving.
type Registry struct {
	cfg        config.DeviceConfig
	sampleRate int
	channels   int
	log        *slog.Logger
	bus        *bus.Client
	mu         sync.RWMutex
	devices    map[string]*DeviceInfo
	heartbeat  *time.Ticker
	cancel     context.CancelFunc
	subs       []*nats.Subscription
}

func NewRegistry(ctx context.Context, cfg config.DeviceConfig, capture config.CaptureConfig, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:        cfg,
		sampleRate: capture.SampleRate,
		channels:   capture.Channels,
		log:        log.With(slog.String("component", "presence-registry")),
		bus:        busClient,
		devices:    make(map[string]*DeviceInfo),
		cancel:     cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	r.heartbeat = time.NewTicker(time.Duration(cfg.HeartbeatInterval) * time.Millisecond)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce device", slog.String("error", err.Error()))
	}

	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.heartbeat != nil {
		r.heartbeat.Stop()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	announceSub, err := bus.SubscribeJSON(r.bus, protocol.SubjectDeviceAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := bus.SubscribeJSON(r.bus, protocol.SubjectDeviceHeartbeatPre+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)

	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		DeviceID:   r.cfg.ID,
		Role:       r.cfg.Role,
		SampleRate: r.sampleRate,
		Channels:   r.channels,
		Timestamp:  time.Now().UTC(),
	}
	if err := r.bus.PublishJSON(protocol.SubjectDeviceAnnounce, msg); err != nil {
		return err
	}
	r.updateDevice(msg.DeviceID, msg.Role, msg.SampleRate, msg.Channels, msg.Timestamp)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{
		DeviceID:  r.cfg.ID,
		Timestamp: time.Now().UTC(),
	}
	subject := fmt.Sprintf("%s.%s", protocol.SubjectDeviceHeartbeatPre, r.cfg.ID)
	return r.bus.PublishJSON(subject, msg)
}

func (r *Registry) handleAnnounce(msg announceMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	r.updateDevice(msg.DeviceID, msg.Role, msg.SampleRate, msg.Channels, msg.Timestamp)
}

func (r *Registry) handleHeartbeat(msg heartbeatMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	r.updateDevice(msg.DeviceID, "", 0, 0, msg.Timestamp)
}

func (r *Registry) updateDevice(deviceID, role string, sampleRate, channels int, timestamp time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, ok := r.devices[deviceID]
	if !ok {
		device = &DeviceInfo{ID: deviceID}
		r.devices[deviceID] = device
	}
	if role != "" {
		device.Role = role
	}
	if sampleRate > 0 {
		device.SampleRate = sampleRate
	}
	if channels > 0 {
		device.Channels = channels
	}
	device.LastSeen = timestamp
	device.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := time.Now()
	for _, device := range r.devices {
		if now.Sub(device.LastSeen) > timeout {
			device.Healthy = false
		}
	}
}

// Healthy reports whether this process's own announce round-tripped and its
// heartbeats are still current.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	device, ok := r.devices[r.cfg.ID]
	if !ok {
		return false
	}
	return device.Healthy
}

// Query returns every device matching filter; a nil filter matches all.
func (r *Registry) Query(filter func(DeviceInfo) bool) []DeviceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []DeviceInfo
	for _, device := range r.devices {
		copied := *device
		if filter == nil || filter(copied) {
			results = append(results, copied)
		}
	}
	return results
}

// WithRoleFilter matches devices by role, e.g. "capture".
func WithRoleFilter(role string) func(DeviceInfo) bool {
	return func(device DeviceInfo) bool {
		return device.Role == role
	}
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/ayahlabs/tilawa-core/presence")
	deviceGauge, err := meter.Int64ObservableGauge("tilawa.devices.known",
		metric.WithDescription("Number of known capture devices"))
	if err != nil {
		return err
	}
	healthyGauge, err := meter.Int64ObservableGauge("tilawa.devices.healthy",
		metric.WithDescription("Devices with current heartbeats"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		known, healthy := r.snapshotCounts()
		obs.ObserveInt64(deviceGauge, known)
		obs.ObserveInt64(healthyGauge, healthy)
		return nil
	}, deviceGauge, healthyGauge)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var known, healthy int64
	for _, device := range r.devices {
		known++
		if device.Healthy {
			healthy++
		}
	}
	return known, healthy
}
