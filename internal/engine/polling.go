package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/remotesync/remotesync-server/internal/metrics"
	"github.com/remotesync/remotesync-server/internal/storage"
)

// Pollable metrics. Polling supplements push for consumers that need fixed
// cadence; it never replaces the push channel.
const (
	MetricBattery     = "battery_stats"
	MetricIlluminance = "illuminance"
	MetricResources   = "resources"
)

func validMetric(name string) bool {
	switch name {
	case MetricBattery, MetricIlluminance, MetricResources:
		return true
	}
	return false
}

// poller runs at most one fetch loop per metric, alive only while at least
// one consumer holds it enabled. Consumers are counted by id, so a crashed
// caller re-enabling is idempotent.
type poller struct {
	deviceID uuid.UUID
	api      DeviceAPI
	store    storage.Store
	bus      Publisher
	clock    Clock
	interval time.Duration

	mu        sync.Mutex
	consumers map[string]map[string]struct{}
	cancels   map[string]context.CancelFunc
	lastPush  time.Time
}

func newPoller(deviceID uuid.UUID, api DeviceAPI, store storage.Store, bus Publisher, clock Clock, interval time.Duration) *poller {
	return &poller{
		deviceID:  deviceID,
		api:       api,
		store:     store,
		bus:       bus,
		clock:     clock,
		interval:  interval,
		consumers: make(map[string]map[string]struct{}),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// enable registers a consumer; the first consumer of a metric starts its loop.
func (p *poller) enable(metric, consumer string) error {
	if !validMetric(metric) {
		return &ValidationError{Field: "metric", Reason: fmt.Sprintf("unknown metric %q", metric)}
	}
	if consumer == "" {
		return &ValidationError{Field: "consumer", Reason: "consumer id is required"}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	set, ok := p.consumers[metric]
	if !ok {
		set = make(map[string]struct{})
		p.consumers[metric] = set
	}
	set[consumer] = struct{}{}

	if _, running := p.cancels[metric]; !running {
		ctx, cancel := context.WithCancel(context.Background())
		p.cancels[metric] = cancel
		metrics.SetPollingLoop(metric, 1)
		go p.loop(ctx, metric)
		log.Debug().
			Str("device", p.deviceID.String()).
			Str("metric", metric).
			Msg("polling loop started")
	}
	return nil
}

// disable removes a consumer; the last one out stops the loop.
func (p *poller) disable(metric, consumer string) error {
	if !validMetric(metric) {
		return &ValidationError{Field: "metric", Reason: fmt.Sprintf("unknown metric %q", metric)}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	set := p.consumers[metric]
	delete(set, consumer)
	if len(set) == 0 {
		delete(p.consumers, metric)
		if cancel, ok := p.cancels[metric]; ok {
			cancel()
			delete(p.cancels, metric)
			metrics.SetPollingLoop(metric, -1)
			log.Debug().
				Str("device", p.deviceID.String()).
				Str("metric", metric).
				Msg("polling loop stopped")
		}
	}
	return nil
}

// active lists metrics with a running loop.
func (p *poller) active() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.cancels))
	for metric := range p.cancels {
		out = append(out, metric)
	}
	return out
}

// stopAll tears down every loop, used on session teardown.
func (p *poller) stopAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for metric, cancel := range p.cancels {
		cancel()
		delete(p.cancels, metric)
		metrics.SetPollingLoop(metric, -1)
	}
	p.consumers = make(map[string]map[string]struct{})
}

// notePush stamps a push-delivered battery report so the next battery poll
// can be skipped.
func (p *poller) notePush() {
	p.mu.Lock()
	p.lastPush = p.clock.Now()
	p.mu.Unlock()
}

func (p *poller) loop(ctx context.Context, metric string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.clock.After(p.interval):
			p.poll(ctx, metric)
		}
	}
}

func (p *poller) poll(ctx context.Context, metric string) {
	switch metric {
	case MetricBattery:
		p.mu.Lock()
		fresh := p.clock.Now().Sub(p.lastPush) < p.interval
		p.mu.Unlock()
		if fresh {
			return
		}
		stats, err := p.api.GetBatteryStats(ctx)
		if err != nil {
			log.Debug().Err(err).Str("device", p.deviceID.String()).Msg("battery poll failed")
			return
		}
		p.recordBattery(ctx, stats.Capacity, stats.Status, stats.PowerSupply)
		p.publish(metric, stats)

	case MetricIlluminance:
		light, err := p.api.GetAmbientLight(ctx)
		if err != nil {
			log.Debug().Err(err).Str("device", p.deviceID.String()).Msg("illuminance poll failed")
			return
		}
		p.recordAmbient(ctx, light.Intensity)
		p.publish(metric, light)

	case MetricResources:
		usage, err := p.api.GetResourceUsage(ctx)
		if err != nil {
			log.Debug().Err(err).Str("device", p.deviceID.String()).Msg("resource poll failed")
			return
		}
		p.publish(metric, usage)
	}
}

func (p *poller) recordBattery(ctx context.Context, capacity int, status string, charging bool) {
	dev, err := p.store.GetDevice(ctx, p.deviceID)
	if err != nil {
		log.Warn().Err(err).Str("device", p.deviceID.String()).Msg("could not load device for battery record")
		return
	}
	now := p.clock.Now()
	dev.BatteryLevel = &capacity
	dev.BatteryStatus = status
	dev.Charging = charging
	dev.BatteryUpdate = &now
	if err := p.store.UpdateDevice(ctx, dev); err != nil {
		log.Warn().Err(err).Str("device", p.deviceID.String()).Msg("could not record battery poll")
	}
}

func (p *poller) recordAmbient(ctx context.Context, intensity int) {
	dev, err := p.store.GetDevice(ctx, p.deviceID)
	if err != nil {
		log.Warn().Err(err).Str("device", p.deviceID.String()).Msg("could not load device for ambient record")
		return
	}
	dev.AmbientLight = &intensity
	if err := p.store.UpdateDevice(ctx, dev); err != nil {
		log.Warn().Err(err).Str("device", p.deviceID.String()).Msg("could not record ambient poll")
	}
}

func (p *poller) publish(metric string, payload interface{}) {
	if p.bus == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	subject := fmt.Sprintf("device.%s.poll.%s", p.deviceID, metric)
	if err := p.bus.Publish(subject, data); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("poll publish failed")
	}
}
