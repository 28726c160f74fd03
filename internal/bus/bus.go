// Package bus provides the typed internal publish/subscribe fabric shared by
// the shadow state, broker gateway, reconciler and kill-switches. It runs an
// embedded NATS server with in-process connections, so ordering per topic is
// guaranteed and no network listener is opened.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Topic identifies a typed event stream. One payload type per topic.
type Topic string

const (
	TopicIntentProcessed   Topic = "intent.processed"
	TopicSignalRejected    Topic = "signal.rejected"
	TopicPositionOpened    Topic = "position.opened"
	TopicPositionUpdated   Topic = "position.updated"
	TopicPositionClosed    Topic = "position.closed"
	TopicPositionPartial   Topic = "position.partial_close"
	TopicTradeRecorded     Topic = "trade.recorded"
	TopicOrderFilled       Topic = "order.filled"
	TopicConfigChanged     Topic = "config.changed"
	TopicPhaseTransition   Topic = "phase.transition"
	TopicSyncOK            Topic = "reconcile.sync_ok"
	TopicMismatch          Topic = "reconcile.mismatch"
	TopicEmergencyFlatten  Topic = "reconcile.emergency_flatten"
	TopicTriggerFired      Topic = "trigger.fired"
	TopicSystemEvent       Topic = "system.event"
	TopicStatusBroadcast   Topic = "status.broadcast"
	TopicHeartbeatReceived Topic = "heartbeat.received"
)

// Bus is the in-process message bus. All Publish calls for a topic are
// delivered to each subscriber in publish order.
type Bus struct {
	srv *natsserver.Server
	nc  *nats.Conn
}

// New starts an embedded NATS server and connects to it in-process.
func New() (*Bus, error) {
	srv, err := natsserver.NewServer(&natsserver.Options{
		ServerName: "titan-bus",
		DontListen: true, // in-process only
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded nats server: %w", err)
	}

	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("embedded nats server not ready")
	}

	nc, err := nats.Connect("", nats.InProcessServer(srv))
	if err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("failed to connect to embedded nats server: %w", err)
	}

	log.Info().Msg("Event bus started (embedded NATS, in-process)")

	return &Bus{srv: srv, nc: nc}, nil
}

// Publish marshals the payload and publishes it on the topic. Publish never
// blocks on subscribers; a marshal failure is logged and dropped because the
// trading path must not stall on observers.
func (b *Bus) Publish(topic Topic, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("topic", string(topic)).Msg("Failed to marshal event payload")
		return
	}
	if err := b.nc.Publish(string(topic), data); err != nil {
		log.Error().Err(err).Str("topic", string(topic)).Msg("Failed to publish event")
	}
}

// Subscribe registers a raw handler for a topic. The returned unsubscribe
// function is safe to call more than once.
func (b *Bus) Subscribe(topic Topic, handler func(data []byte)) (func(), error) {
	sub, err := b.nc.Subscribe(string(topic), func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Flush waits until all published events have been processed by the server.
// Used by tests and shutdown.
func (b *Bus) Flush() error {
	return b.nc.Flush()
}

// Close drains the connection and stops the embedded server.
func (b *Bus) Close() {
	if b.nc != nil {
		_ = b.nc.Drain()
	}
	if b.srv != nil {
		b.srv.Shutdown()
		b.srv.WaitForShutdown()
	}
	log.Info().Msg("Event bus stopped")
}

// On subscribes with a typed handler. The payload type must match what the
// publisher sends on the topic; decode failures are logged and skipped.
func On[T any](b *Bus, topic Topic, handler func(T)) (func(), error) {
	return b.Subscribe(topic, func(data []byte) {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			log.Error().Err(err).Str("topic", string(topic)).Msg("Failed to decode event payload")
			return
		}
		handler(v)
	})
}
