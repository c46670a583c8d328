package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/mailbridge/internal/account"
	"github.com/nugget/mailbridge/internal/buildinfo"
	"github.com/nugget/mailbridge/internal/config"
	"github.com/nugget/mailbridge/internal/events"
)

// publishClient is the slice of autopaho the publisher needs.
type publishClient interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// message is one retained topic update.
type message struct {
	topic   string
	payload []byte
}

// Publisher manages the MQTT connection and mirrors account status and
// delivery events onto retained topics.
type Publisher struct {
	cfg      config.MQTTConfig
	clientID string
	registry *account.Registry
	bus      *events.Bus
	daily    *DailyDeliveries
	logger   *slog.Logger
	cm       atomic.Pointer[autopaho.ConnectionManager] // set by Start
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and event loop.
func New(cfg config.MQTTConfig, instanceID string, reg *account.Registry, bus *events.Bus, loc *time.Location, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:      cfg,
		clientID: ClientID(cfg.ClientID, instanceID),
		registry: reg,
		bus:      bus,
		daily:    NewDailyDeliveries(loc),
		logger:   logger,
	}
}

// Start connects to the MQTT broker and publishes status until ctx is
// cancelled. On every (re-)connect it publishes the birth message and a
// full snapshot.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	// Subscribe before connecting so no transition is missed between
	// the snapshot and the first event.
	ch := p.bus.Subscribe(64)
	defer p.bus.Unsubscribe(ch)

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker, "client_id", p.clientID)
			p.publishAvailability(ctx, cm, "online")
			p.publishAll(ctx, cm, p.snapshot())
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm.Store(cm)

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.consume(ctx, ch, cm)
	return nil
}

// Stop publishes "offline" and disconnects. The context bounds both.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.cm.Load()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	cm := p.cm.Load()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

// --- Topic helpers ---

func (p *Publisher) topic(leaf string) string {
	return p.cfg.TopicPrefix + "/" + leaf
}

func (p *Publisher) availabilityTopic() string {
	return p.topic("availability")
}

func (p *Publisher) accountTopic(index int, leaf string) string {
	return p.topic("account/" + strconv.Itoa(index) + "/" + leaf)
}

// --- Payloads ---

// snapshot renders every retained topic from current state.
func (p *Publisher) snapshot() []message {
	msgs := []message{
		{topic: p.topic("version"), payload: []byte(buildinfo.Version)},
		p.dailyMessage(),
	}
	for _, s := range p.registry.Snapshots() {
		msgs = append(msgs,
			message{topic: p.accountTopic(s.Index, "state"), payload: []byte(s.State.String())},
			message{topic: p.accountTopic(s.Index, "watermark"), payload: []byte(strconv.FormatUint(uint64(s.Watermark), 10))},
		)
	}
	return msgs
}

func (p *Publisher) dailyMessage() message {
	delivered, failed := p.daily.Snapshot()
	payload, _ := json.Marshal(map[string]int64{"delivered": delivered, "failed": failed})
	return message{topic: p.topic("deliveries_today"), payload: payload}
}

// messagesFor maps a bus event to the topics it changes.
func (p *Publisher) messagesFor(e events.Event) []message {
	index, ok := e.Int("account")
	if !ok {
		return nil
	}
	n := int(index)

	switch e.Kind {
	case events.KindStateChanged:
		return []message{{topic: p.accountTopic(n, "state"), payload: []byte(e.String("to"))}}

	case events.KindWatermark:
		wm, _ := e.Int("watermark")
		return []message{{topic: p.accountTopic(n, "watermark"), payload: []byte(strconv.FormatInt(wm, 10))}}

	case events.KindDelivered:
		p.daily.Delivered()
		seq, _ := e.Int("seq")
		payload, _ := json.Marshal(struct {
			Seq    int64  `json:"seq"`
			ChatID string `json:"chat_id"`
			TS     string `json:"ts"`
		}{seq, e.String("chat_id"), e.Timestamp.UTC().Format(time.RFC3339)})
		return []message{
			{topic: p.accountTopic(n, "last_delivery"), payload: payload},
			p.dailyMessage(),
		}

	case events.KindDeliveryFailed:
		p.daily.Failed()
		return []message{p.dailyMessage()}
	}
	return nil
}

// --- Publishing ---

func (p *Publisher) consume(ctx context.Context, ch <-chan events.Event, pub publishClient) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			p.publishAll(ctx, pub, p.messagesFor(e))
		}
	}
}

func (p *Publisher) publishAll(ctx context.Context, pub publishClient, msgs []message) {
	for _, m := range msgs {
		if _, err := pub.Publish(ctx, &paho.Publish{
			Topic:   m.topic,
			Payload: m.payload,
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed", "topic", m.topic, "error", err)
		}
	}
	if len(msgs) > 0 {
		p.logger.Log(ctx, config.LevelTrace, "mqtt states published", "count", len(msgs))
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, pub publishClient, status string) {
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}
