package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// DriverObserver receives driver-subscription observations. The sync engine
// implements it; handshakes parked in AWAITING_DRIVER_REGISTRATION move
// forward on the call.
type DriverObserver interface {
	HandleDriverSubscribed(deviceID uuid.UUID)
}

// NATSSubscriber feeds host bus traffic into the engine. The API layer
// announces driver websocket subscriptions on the bus instead of calling the
// engine directly, so a multi-process deployment keeps working.
type NATSSubscriber struct {
	nc       *nats.Conn
	observer DriverObserver
	subs     []*nats.Subscription
}

// NewNATSSubscriber creates the host bus subscriber
func NewNATSSubscriber(nc *nats.Conn, observer DriverObserver) *NATSSubscriber {
	return &NATSSubscriber{
		nc:       nc,
		observer: observer,
		subs:     make([]*nats.Subscription, 0),
	}
}

// Start starts subscriptions and blocks until ctx ends
func (s *NATSSubscriber) Start(ctx context.Context) error {
	sub, err := s.nc.Subscribe("host.driver.*.subscribed", s.handleDriverSubscribed)
	if err != nil {
		return fmt.Errorf("subscribe driver announcements: %w", err)
	}
	s.subs = append(s.subs, sub)

	log.Info().
		Int("subscriptions", len(s.subs)).
		Msg("NATS subscriber started")

	<-ctx.Done()

	for _, sub := range s.subs {
		sub.Unsubscribe()
	}

	return ctx.Err()
}

// handleDriverSubscribed routes a host.driver.<id>.subscribed announcement
// to the engine.
func (s *NATSSubscriber) handleDriverSubscribed(msg *nats.Msg) {
	parts := strings.Split(msg.Subject, ".")
	if len(parts) != 4 {
		log.Warn().Str("subject", msg.Subject).Msg("Malformed driver announcement subject")
		return
	}

	deviceID, err := uuid.Parse(parts[2])
	if err != nil {
		log.Warn().Str("subject", msg.Subject).Msg("Driver announcement with invalid device ID")
		return
	}

	log.Debug().
		Str("device_id", deviceID.String()).
		Msg("Driver subscription observed on bus")

	s.observer.HandleDriverSubscribed(deviceID)
}
