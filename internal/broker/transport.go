// Package broker implements the publish/subscribe transport for room
// conversations over MQTT. Topics follow chat/room/{conversationId}; both
// publish and subscribe use QoS 1, so duplicate delivery is possible and
// dedup is left to the coordinator.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/mcastro/chatd/internal/bus"
	"github.com/mcastro/chatd/internal/config"
	"github.com/mcastro/chatd/internal/status"
	"github.com/mcastro/chatd/internal/store"
	"go.uber.org/zap"
)

const qosAtLeastOnce byte = 1

// Topic returns the MQTT topic for a room conversation.
func Topic(conversationID string) string {
	return "chat/room/" + conversationID
}

// client is the subset of mqtt.Client the transport uses, extracted so
// tests can substitute a fake.
type client interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
	IsConnected() bool
}

// Transport manages the broker connection for room conversations. The
// underlying client retries with a fixed period up to a bounded attempt
// count; once exceeded the transport gives up and a new Transport must be
// constructed to resume.
type Transport struct {
	cfg     config.BrokerConfig
	client  client
	opts    *mqtt.ClientOptions
	db      *store.DB
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger

	mu       sync.Mutex
	topics   map[string]struct{}
	attempts int
}

// New creates a broker transport. It does not connect; call Connect.
func New(cfg config.BrokerConfig, db *store.DB, b *bus.Bus, logger *zap.Logger) *Transport {
	t := &Transport{
		cfg:     cfg,
		db:      db,
		bus:     b,
		machine: status.NewMachine("broker", b),
		logger:  logger,
		topics:  make(map[string]struct{}),
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "chatd-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID(clientID).
		SetCleanSession(true).
		SetConnectTimeout(cfg.ConnectTimeout.Std()).
		SetKeepAlive(cfg.KeepAlive.Std()).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(cfg.ReconnectPeriod.Std()).
		SetConnectRetry(true).
		SetConnectRetryInterval(cfg.ReconnectPeriod.Std()).
		SetOnConnectHandler(t.onConnect).
		SetConnectionLostHandler(t.onConnectionLost).
		SetReconnectingHandler(t.onReconnecting)

	t.opts = opts
	t.client = mqtt.NewClient(opts)
	return t
}

// Connect establishes the broker connection. The client keeps retrying the
// initial connection on the reconnect period; the retry loop has no
// per-attempt hook, so the attempt bound is applied as a time budget of
// one connect timeout plus max attempts times the period. Past the budget
// the client is stopped, which aborts its retry loop.
func (t *Transport) Connect(ctx context.Context) error {
	_ = t.machine.Transition(status.Connecting)

	budget := t.cfg.ConnectTimeout.Std() +
		time.Duration(t.cfg.MaxReconnectAttempts)*t.cfg.ReconnectPeriod.Std()
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	if err := t.wait(ctx, t.client.Connect()); err != nil {
		t.client.Disconnect(0)
		_ = t.machine.Transition(status.Disconnected)
		return fmt.Errorf("broker connect: %w", err)
	}
	return nil
}

// Disconnect tears down the broker connection. Idempotent.
func (t *Transport) Disconnect() {
	t.client.Disconnect(250)
	_ = t.machine.Transition(status.Disconnected)
}

// Status returns the transport's state machine.
func (t *Transport) Status() *status.Machine {
	return t.machine
}

// SubscribeRoom requests a subscription to a room's topic. While
// disconnected the topic is queued and picked up on the next connect;
// subscribing twice to the same topic is harmless.
func (t *Transport) SubscribeRoom(conversationID string) {
	t.mu.Lock()
	t.topics[conversationID] = struct{}{}
	t.mu.Unlock()

	if !t.client.IsConnected() {
		t.logger.Warn("broker not connected, queuing subscription", zap.String("conversation_id", conversationID))
		return
	}
	t.subscribe(conversationID)
}

// UnsubscribeRoom drops the subscription for a room's topic.
func (t *Transport) UnsubscribeRoom(conversationID string) {
	t.mu.Lock()
	delete(t.topics, conversationID)
	t.mu.Unlock()

	if !t.client.IsConnected() {
		return
	}
	topic := Topic(conversationID)
	token := t.client.Unsubscribe(topic)
	go func() {
		if err := t.waitTimeout(token); err != nil {
			t.logger.Error("unsubscribe failed", zap.String("topic", topic), zap.Error(err))
		}
	}()
}

// Publish sends a room message to its conversation topic. While
// disconnected the message is persisted with synced=false for replay on a
// later connect; this is durable fire-and-forget, not an error.
func (t *Transport) Publish(m *store.Message) {
	if !t.client.IsConnected() {
		t.logger.Warn("broker not connected, keeping message for later sync", zap.String("msg_id", m.ID))
		t.persistUnsynced(m)
		return
	}

	payload, err := json.Marshal(m)
	if err != nil {
		t.logger.Error("encode message", zap.String("msg_id", m.ID), zap.Error(err))
		return
	}

	token := t.client.Publish(Topic(m.ConversationID), qosAtLeastOnce, false, payload)
	go func() {
		if err := t.waitTimeout(token); err != nil {
			t.logger.Error("publish failed", zap.String("msg_id", m.ID), zap.Error(err))
			t.persistUnsynced(m)
			return
		}
		if err := t.db.MarkSynced(m.ID); err != nil {
			t.logger.Error("mark synced", zap.String("msg_id", m.ID), zap.Error(err))
		}
	}()
}

// onConnect fires on every successful (re)connect: restore subscriptions,
// then replay unsynced messages.
func (t *Transport) onConnect(mqtt.Client) {
	t.logger.Info("connected to broker", zap.String("url", t.cfg.URL))
	t.mu.Lock()
	t.attempts = 0
	ids := make([]string, 0, len(t.topics))
	for id := range t.topics {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	_ = t.machine.Transition(status.Connecting)
	_ = t.machine.Transition(status.Connected)

	for _, id := range ids {
		t.subscribe(id)
	}
	t.replayUnsynced()
}

func (t *Transport) onConnectionLost(_ mqtt.Client, err error) {
	t.logger.Warn("broker connection lost", zap.Error(err))
	_ = t.machine.Transition(status.Disconnected)
}

// onReconnecting counts retry attempts; past the configured bound it
// disconnects the client, which aborts the retry loop, and clears
// auto-reconnect so a loss that slips through does not restart it. The
// transport stays down until a new one is constructed.
func (t *Transport) onReconnecting(_ mqtt.Client, opts *mqtt.ClientOptions) {
	t.mu.Lock()
	t.attempts++
	attempt := t.attempts
	t.mu.Unlock()

	t.logger.Info("reconnecting to broker", zap.Int("attempt", attempt))
	if attempt > t.cfg.MaxReconnectAttempts {
		t.logger.Error("max broker reconnect attempts reached, giving up")
		opts.AutoReconnect = false
		t.client.Disconnect(0)
		_ = t.machine.Transition(status.Disconnected)
	}
}

func (t *Transport) subscribe(conversationID string) {
	topic := Topic(conversationID)
	token := t.client.Subscribe(topic, qosAtLeastOnce, t.handleInbound)
	go func() {
		if err := t.waitTimeout(token); err != nil {
			t.logger.Error("subscribe failed", zap.String("topic", topic), zap.Error(err))
			return
		}
		t.logger.Info("subscribed", zap.String("topic", topic))
	}()
}

// handleInbound decodes a broker payload, persists it as synced, and fans
// it out on the bus. Malformed payloads are logged and dropped.
func (t *Transport) handleInbound(_ mqtt.Client, raw mqtt.Message) {
	var m store.Message
	if err := json.Unmarshal(raw.Payload(), &m); err != nil {
		t.logger.Error("drop malformed broker payload", zap.String("topic", raw.Topic()), zap.Error(err))
		return
	}
	m.Synced = true
	if err := t.db.UpsertMessage(&m); err != nil {
		t.logger.Error("persist inbound message", zap.String("msg_id", m.ID), zap.Error(err))
	}
	t.bus.Publish(bus.Event{Kind: bus.KindTransportMessage, Timestamp: time.Now(), Payload: &m})
}

// replayUnsynced re-publishes every message still flagged unsynced. Each
// publish marks its message synced on acknowledgement; failures stay
// unsynced for the next reconnect cycle.
func (t *Transport) replayUnsynced() {
	msgs, err := t.db.UnsyncedMessages()
	if err != nil {
		t.logger.Error("load unsynced messages", zap.Error(err))
		return
	}
	if len(msgs) == 0 {
		return
	}
	t.logger.Info("replaying unsynced messages", zap.Int("count", len(msgs)))
	for _, m := range msgs {
		t.Publish(m)
	}
}

func (t *Transport) persistUnsynced(m *store.Message) {
	unsynced := *m
	unsynced.Synced = false
	if err := t.db.UpsertMessage(&unsynced); err != nil {
		t.logger.Error("persist unsynced message", zap.String("msg_id", m.ID), zap.Error(err))
	}
}

func (t *Transport) wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) waitTimeout(token mqtt.Token) error {
	if !token.WaitTimeout(t.cfg.ConnectTimeout.Std()) {
		return fmt.Errorf("timed out after %s", t.cfg.ConnectTimeout.Std())
	}
	return token.Error()
}
