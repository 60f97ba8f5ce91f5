package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/mPyKen/Caman/internal/config"
)

// Connect establishes the broker connection with auto-reconnect.
func Connect(ctx context.Context, cfg config.MQTTConfig, clientID string) (mqtt.Client, error) {
	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		slog.Info("mqtt connection established",
			"broker", broker,
			"client_id", clientID,
		)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", broker,
		)
	}

	client := mqtt.NewClient(opts)
	slog.Info("connecting to mqtt broker", "broker", broker)

	token := client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return nil, fmt.Errorf("control: connect %s: timeout", broker)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("control: connect %s: %w", broker, err)
	}
	return client, nil
}

// Reporter publishes status snapshots as JSON on the status topic.
type Reporter struct {
	client Transport
	topic  string
	qos    byte

	mu        sync.Mutex
	published uint64
	errors    uint64
}

// ReporterStats counts publish outcomes.
type ReporterStats struct {
	Published uint64 `json:"published"`
	Errors    uint64 `json:"errors"`
}

// NewReporter publishes to cfg.Topics.Status.
func NewReporter(cfg config.MQTTConfig, client Transport) *Reporter {
	return &Reporter{client: client, topic: cfg.Topics.Status, qos: cfg.QoS}
}

// Publish sends one snapshot.
func (r *Reporter) Publish(v interface{}) error {
	err := r.publish(v)
	r.mu.Lock()
	if err != nil {
		r.errors++
	} else {
		r.published++
	}
	r.mu.Unlock()
	return err
}

func (r *Reporter) publish(v interface{}) error {
	if !r.client.IsConnected() {
		return fmt.Errorf("control: mqtt not connected")
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("control: marshal status: %w", err)
	}
	token := r.client.Publish(r.topic, r.qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("control: publish status: timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control: publish status: %w", err)
	}
	return nil
}

// Run publishes snapshot() every interval until ctx is done.
func (r *Reporter) Run(ctx context.Context, interval time.Duration, snapshot func() interface{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Publish(snapshot()); err != nil {
				slog.Debug("control: status not published", "error", err)
			}
		}
	}
}

// Stats returns publish counters.
func (r *Reporter) Stats() ReporterStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ReporterStats{Published: r.published, Errors: r.errors}
}
