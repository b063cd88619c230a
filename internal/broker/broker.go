// Package broker wraps the MQTT client: dialing, connect with last-will and
// clean-session semantics, subscriptions, publishing, and the reconnect loop
// with exponential backoff. Incoming publishes are handed to the owner
// through a channel so all state mutation stays on one executor.
package broker

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/paho"
)

const (
	dialTimeout    = 10 * time.Second
	publishTimeout = 10 * time.Second

	// Reconnect backoff bounds: start at one second, double, cap at a
	// minute.
	minReconnectDelay = time.Second
	maxReconnectDelay = 60 * time.Second

	// inboundDepth bounds queued incoming messages. When the owner falls
	// behind, the client's reader blocks, which backpressures the broker.
	inboundDepth = 64
)

// ErrNotConnected is returned by Publish while the connection is down.
var ErrNotConnected = errors.New("not connected to broker")

// Message is one incoming or will publication.
type Message struct {
	Topic   string
	Payload []byte
}

// Config describes a broker session.
type Config struct {
	Host      string
	Port      int
	UseTLS    bool
	Username  string
	Password  string
	ClientID  string
	Keepalive uint16

	// Will, if set, is registered as the last-will publication (QoS 1, not
	// retained).
	Will *Message

	// Subscriptions are topic filters subscribed at QoS 2 after every
	// successful connect, including reconnects.
	Subscriptions []string

	// OnConnect runs after connect and subscribe succeed. The client is
	// usable from inside the callback.
	OnConnect func()
}

// Broker is a thin adapter over a paho client.
type Broker struct {
	cfg     Config
	client  *paho.Client
	inbound chan Message
	down    atomic.Bool
}

// New creates an unconnected Broker.
func New(cfg Config) *Broker {
	if cfg.Keepalive == 0 {
		cfg.Keepalive = 60
	}
	return &Broker{
		cfg:     cfg,
		inbound: make(chan Message, inboundDepth),
	}
}

// Messages returns the stream of incoming publications.
func (b *Broker) Messages() <-chan Message {
	return b.inbound
}

// Connected reports whether the session is believed healthy. It turns false
// when the client or server reports an error; Reconnect restores it.
func (b *Broker) Connected() bool {
	return b.client != nil && !b.down.Load()
}

func (b *Broker) dial() (net.Conn, error) {
	addr := net.JoinHostPort(b.cfg.Host, fmt.Sprintf("%d", b.cfg.Port))
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial broker %s: %w", addr, err)
	}
	if b.cfg.UseTLS {
		conn = tls.Client(conn, &tls.Config{
			ServerName: b.cfg.Host,
			MinVersion: tls.VersionTLS12,
		})
	}
	return conn, nil
}

// Connect makes a single connection attempt: dial, MQTT connect, subscribe.
// Clean-start is always requested so a node outage drops stale submissions
// instead of replaying them.
func (b *Broker) Connect(ctx context.Context) error {
	conn, err := b.dial()
	if err != nil {
		return err
	}

	client := paho.NewClient(paho.ClientConfig{
		ClientID: b.cfg.ClientID,
		Conn:     conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			b.received,
		},
		OnClientError: func(err error) {
			slog.Warn("broker client error", "err", err)
			b.down.Store(true)
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			slog.Warn("broker disconnected us", "reason", d.ReasonCode)
			b.down.Store(true)
		},
	})

	cp := &paho.Connect{
		ClientID:   b.cfg.ClientID,
		KeepAlive:  b.cfg.Keepalive,
		CleanStart: true,
	}
	if b.cfg.Username != "" {
		cp.UsernameFlag = true
		cp.Username = b.cfg.Username
	}
	if b.cfg.Password != "" {
		cp.PasswordFlag = true
		cp.Password = []byte(b.cfg.Password)
	}
	if w := b.cfg.Will; w != nil {
		cp.WillMessage = &paho.WillMessage{
			QoS:     1,
			Topic:   w.Topic,
			Payload: w.Payload,
		}
	}

	ca, err := client.Connect(ctx, cp)
	if err != nil {
		conn.Close()
		return fmt.Errorf("broker connect: %w", err)
	}
	if ca.ReasonCode != 0 {
		conn.Close()
		return fmt.Errorf("broker refused connection: reason code %d", ca.ReasonCode)
	}

	b.client = client
	b.down.Store(false)

	if err := b.subscribe(ctx); err != nil {
		b.down.Store(true)
		conn.Close()
		return err
	}
	if b.cfg.OnConnect != nil {
		b.cfg.OnConnect()
	}
	return nil
}

func (b *Broker) subscribe(ctx context.Context) error {
	if len(b.cfg.Subscriptions) == 0 {
		return nil
	}
	subs := make([]paho.SubscribeOptions, 0, len(b.cfg.Subscriptions))
	for _, topic := range b.cfg.Subscriptions {
		subs = append(subs, paho.SubscribeOptions{Topic: topic, QoS: 2})
	}
	if _, err := b.client.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs}); err != nil {
		return fmt.Errorf("broker subscribe: %w", err)
	}
	return nil
}

// Reconnect retries Connect with exponential backoff until it succeeds or
// ctx is done. Subscriptions are re-established by Connect itself.
func (b *Broker) Reconnect(ctx context.Context) error {
	delay := minReconnectDelay
	for {
		err := b.Connect(ctx)
		if err == nil {
			slog.Info("reconnected to broker")
			return nil
		}
		slog.Warn("could not reconnect to broker", "err", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = nextDelay(delay)
	}
}

// nextDelay doubles the backoff up to the cap.
func nextDelay(d time.Duration) time.Duration {
	d *= 2
	if d > maxReconnectDelay {
		d = maxReconnectDelay
	}
	return d
}

func (b *Broker) received(pr paho.PublishReceived) (bool, error) {
	b.inbound <- Message{
		Topic:   pr.Packet.Topic,
		Payload: bytes.Clone(pr.Packet.Payload),
	}
	return true, nil
}

// Publish sends payload on topic at the given QoS.
func (b *Broker) Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error {
	if !b.Connected() {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	_, err := b.client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     qos,
		Retain:  retain,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// PublishJSON serializes v compactly and publishes it.
func (b *Broker) PublishJSON(ctx context.Context, topic string, qos byte, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("serialize for %s: %w", topic, err)
	}
	return b.Publish(ctx, topic, qos, false, payload)
}

// Disconnect sends a clean MQTT disconnect. The will is not published for a
// clean disconnect; callers say their goodbyes first.
func (b *Broker) Disconnect() error {
	if b.client == nil {
		return nil
	}
	err := b.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
	b.down.Store(true)
	return err
}
