package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/agent"
	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/config"
)

// TurnEvent is published to <prefix>/turns after every turn. It never
// carries message text.
type TurnEvent struct {
	Conversation string        `json:"conversation"`
	Model        string        `json:"model"`
	Steps        int           `json:"steps"`
	Tools        []string      `json:"tools"`
	AnswerChars  int           `json:"answer_chars"`
	Outcome      agent.Outcome `json:"outcome"`
	DurationMs   int64         `json:"duration_ms"`
	Timestamp    time.Time     `json:"timestamp"`
}

// publishFunc sends one message. Tests swap it for a recorder.
type publishFunc func(ctx context.Context, p *paho.Publish) error

// Publisher manages the broker connection, publishes turn events, and
// answers ask requests when a [TurnHandler] is attached.
type Publisher struct {
	cfg      config.MQTTConfig
	clientID string
	counter  *DailyTurns
	logger   *slog.Logger

	cm      *autopaho.ConnectionManager
	publish publishFunc
	ask     *askHandler
	now     func() time.Time
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to open the connection.
func New(cfg config.MQTTConfig, instanceID string, counter *DailyTurns, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if counter == nil {
		counter = NewDailyTurns(nil)
	}
	clientID := cfg.ClientID
	if instanceID != "" {
		clientID += "-" + instanceID
	}
	return &Publisher{
		cfg:      cfg,
		clientID: clientID,
		counter:  counter,
		logger:   logger.With("component", "mqtt"),
		now:      time.Now,
	}
}

// HandleAsk routes messages on <prefix>/ask to h. Call before Start.
func (p *Publisher) HandleAsk(h TurnHandler) {
	p.ask = newAskHandler(h, p.cfg.AskRateLimit, time.Minute, p.logger)
}

// Start connects to the broker. It returns once the connection manager
// is running; autopaho keeps reconnecting in the background until ctx
// is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

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
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, "online")
			if p.ask != nil {
				p.subscribeAsk(ctx, cm)
			}
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					p.received(ctx, pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm
	p.publish = func(ctx context.Context, msg *paho.Publish) error {
		_, err := cm.Publish(ctx, msg)
		return err
	}

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	if p.ask != nil {
		go p.ask.limiter.start(ctx)
	}
	return nil
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, "offline")
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return errors.New("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

// TurnCompleted publishes a [TurnEvent] and the updated daily stats.
func (p *Publisher) TurnCompleted(ctx context.Context, res *agent.TurnResult) {
	p.counter.Record(res.Outcome == agent.OutcomeAnswered, res.Steps)
	if p.publish == nil {
		return
	}

	tools := res.Tools
	if tools == nil {
		tools = []string{}
	}
	ev := TurnEvent{
		Conversation: res.ConversationID,
		Model:        res.Model,
		Steps:        res.Steps,
		Tools:        tools,
		AnswerChars:  len([]rune(res.Answer)),
		Outcome:      res.Outcome,
		DurationMs:   res.Duration.Milliseconds(),
		Timestamp:    p.now().UTC(),
	}
	p.publishJSON(ctx, p.topic("turns"), ev, 0, false)
	p.publishJSON(ctx, p.topic("stats"), p.counter.Snapshot(), 0, true)
}

// --- Topic helpers ---

func (p *Publisher) topic(suffix string) string {
	return p.cfg.TopicPrefix + "/" + suffix
}

func (p *Publisher) availabilityTopic() string { return p.topic("availability") }

func (p *Publisher) replyTopic(conversationID string) string {
	return p.topic("reply/" + conversationID)
}

// --- Publishing ---

func (p *Publisher) publishJSON(ctx context.Context, topic string, v any, qos byte, retain bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("mqtt marshal payload", "topic", topic, "error", err)
		return
	}
	if err := p.publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	}); err != nil {
		p.logger.Debug("mqtt publish failed", "topic", topic, "error", err)
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, status string) {
	if p.publish == nil {
		return
	}
	if err := p.publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}
