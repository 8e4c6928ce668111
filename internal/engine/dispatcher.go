package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/remotesync/remotesync-server/internal/metrics"
	"github.com/remotesync/remotesync-server/pkg/protocol"
)

// handlerFunc consumes one routed frame. Handlers run synchronously on the
// consumption goroutine, so per-device receipt order is preserved.
type handlerFunc func(ctx context.Context, frame *protocol.Frame)

// dispatcher routes one device's push frames to registered listeners and
// republishes them on the host bus.
type dispatcher struct {
	deviceID uuid.UUID
	bus      Publisher

	mu       sync.RWMutex
	handlers map[protocol.EventKind][]handlerFunc
}

func newDispatcher(deviceID uuid.UUID, bus Publisher) *dispatcher {
	return &dispatcher{
		deviceID: deviceID,
		bus:      bus,
		handlers: make(map[protocol.EventKind][]handlerFunc),
	}
}

// on registers a listener for a kind. Listeners fire in registration order.
func (d *dispatcher) on(kind protocol.EventKind, fn handlerFunc) {
	d.mu.Lock()
	d.handlers[kind] = append(d.handlers[kind], fn)
	d.mu.Unlock()
}

// run consumes frames until the source reports done or ctx is cancelled.
// Frames already buffered when the source dies are still delivered.
func (d *dispatcher) run(ctx context.Context, frames <-chan protocol.Frame, done <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			d.route(ctx, &frame)
		case <-done:
			for {
				select {
				case frame, ok := <-frames:
					if !ok {
						return
					}
					d.route(ctx, &frame)
				default:
					return
				}
			}
		}
	}
}

func (d *dispatcher) route(ctx context.Context, frame *protocol.Frame) {
	kind := frame.EventKind()
	if !kind.Known() {
		if frame.Kind == protocol.KindResponse {
			// Responses to our own channel requests need no routing.
			return
		}
		log.Warn().
			Str("device", d.deviceID.String()).
			Str("kind", frame.Kind).
			Str("msg", frame.Msg).
			Msg("dropping unroutable frame")
		metrics.IncDroppedFrame()
		return
	}

	metrics.IncDeviceEvent(string(kind))

	if d.bus != nil {
		data, err := json.Marshal(frame)
		if err == nil {
			subject := fmt.Sprintf("device.%s.event.%s", d.deviceID, kind)
			if err := d.bus.Publish(subject, data); err != nil {
				log.Warn().Err(err).Str("subject", subject).Msg("event republish failed")
			}
		}
	}

	d.mu.RLock()
	listeners := d.handlers[kind]
	d.mu.RUnlock()

	for _, fn := range listeners {
		fn(ctx, frame)
	}
}
