// Package publish forwards meter snapshots to an MQTT broker.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/soypat/meterbridge/sunspec"
	"golang.org/x/exp/slog"
)

const (
	defaultQueue   = 4
	publishTimeout = 5 * time.Second
)

var errNoClient = errors.New("publish: nil client or empty topic")

// Client is the part of mqtt.Client the publisher uses.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type Config struct {
	Client Client
	Topic  string
	QoS    byte
	// Retain sets the retained flag so new subscribers see the last snapshot.
	Retain bool
	// Queue is the number of snapshots buffered while the broker is slow.
	// Extra snapshots are dropped. Defaults to 4.
	Queue  int
	Logger *slog.Logger
}

// Publisher queues snapshots from Offer and publishes them from Run.
type Publisher struct {
	client  Client
	topic   string
	qos     byte
	retain  bool
	queue   chan sunspec.Snapshot
	log     *slog.Logger
	sent    atomic.Uint64
	dropped atomic.Uint64
}

func New(cfg Config) (*Publisher, error) {
	if cfg.Client == nil || cfg.Topic == "" {
		return nil, errNoClient
	}
	if cfg.Queue <= 0 {
		cfg.Queue = defaultQueue
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Publisher{
		client: cfg.Client,
		topic:  cfg.Topic,
		qos:    cfg.QoS,
		retain: cfg.Retain,
		queue:  make(chan sunspec.Snapshot, cfg.Queue),
		log:    cfg.Logger,
	}, nil
}

// Offer queues s without blocking. It is safe to register as a scraper listener.
func (p *Publisher) Offer(s sunspec.Snapshot) {
	select {
	case p.queue <- s:
	default:
		p.dropped.Add(1)
	}
}

// Sent returns the number of snapshots the broker acknowledged.
func (p *Publisher) Sent() uint64 { return p.sent.Load() }

// Dropped returns the number of snapshots discarded because the queue was full.
func (p *Publisher) Dropped() uint64 { return p.dropped.Load() }

// Run publishes queued snapshots until ctx is done.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-p.queue:
			p.publish(s)
		}
	}
}

func (p *Publisher) publish(s sunspec.Snapshot) {
	payload, err := json.Marshal(s)
	if err != nil {
		p.log.Error("publish:marshal", slog.String("err", err.Error()))
		return
	}
	tok := p.client.Publish(p.topic, p.qos, p.retain, payload)
	if !tok.WaitTimeout(publishTimeout) {
		p.log.Warn("publish:timeout", slog.String("topic", p.topic))
		return
	}
	if err := tok.Error(); err != nil {
		p.log.Warn("publish:failed", slog.String("topic", p.topic), slog.String("err", err.Error()))
		return
	}
	p.sent.Add(1)
	p.log.Debug("publish:sent", slog.String("topic", p.topic), slog.Int("len", len(payload)))
}

// DialConfig configures a paho client for Dial.
type DialConfig struct {
	Broker   string // i.e. tcp://localhost:1883
	ClientID string
	Logger   *slog.Logger
}

// Dial returns a paho client connecting to the broker in the background.
// It keeps retrying the connection until cancelled with Disconnect.
func Dial(cfg DialConfig) mqtt.Client {
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(mqtt.Client) {
			log.Info("mqtt:connected", slog.String("broker", cfg.Broker))
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn("mqtt:connection-lost", slog.String("err", err.Error()))
		})
	client := mqtt.NewClient(opts)
	// With ConnectRetry the token only completes once connected; do not wait on it.
	client.Connect()
	return client
}
