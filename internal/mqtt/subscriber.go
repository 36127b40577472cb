package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// TurnHandler runs one agent turn. Implemented by agent.Loop.
type TurnHandler interface {
	HandleTurn(ctx context.Context, conversationID, text string) (string, error)
}

// AskRequest is the payload accepted on <prefix>/ask.
type AskRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

// AskReply is published to <prefix>/reply/<conversation>.
type AskReply struct {
	ConversationID string `json:"conversation_id"`
	Response       string `json:"response,omitempty"`
	Error          string `json:"error,omitempty"`
}

type askHandler struct {
	turns   TurnHandler
	limiter *messageRateLimiter
	logger  *slog.Logger
}

func newAskHandler(turns TurnHandler, perInterval int, interval time.Duration, logger *slog.Logger) *askHandler {
	if perInterval <= 0 {
		perInterval = 30
	}
	return &askHandler{
		turns:   turns,
		limiter: newMessageRateLimiter(int64(perInterval), interval, logger),
		logger:  logger,
	}
}

func (p *Publisher) subscribeAsk(ctx context.Context, cm *autopaho.ConnectionManager) {
	topic := p.topic("ask")
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
	}); err != nil {
		p.logger.Warn("mqtt subscribe failed", "topic", topic, "error", err)
		return
	}
	p.logger.Info("mqtt subscribed", "topic", topic)
}

// received dispatches an inbound message. Turns run on their own
// goroutine so the paho receive loop is never blocked by the model.
func (p *Publisher) received(ctx context.Context, topic string, payload []byte) {
	if p.ask == nil || topic != p.topic("ask") {
		p.logger.Debug("mqtt message ignored", "topic", topic, "payload_size", len(payload))
		return
	}
	req, ok := p.ask.decode(payload)
	if !ok {
		return
	}
	if !p.ask.limiter.allow() {
		return
	}
	go func() {
		reply := p.ask.run(ctx, req)
		p.publishJSON(ctx, p.replyTopic(req.ConversationID), reply, 1, false)
	}()
}

func (a *askHandler) decode(payload []byte) (AskRequest, bool) {
	var req AskRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		a.logger.Warn("mqtt ask payload is not JSON", "payload_size", len(payload), "error", err)
		return req, false
	}
	req.ConversationID = strings.TrimSpace(req.ConversationID)
	if req.ConversationID == "" || strings.ContainsAny(req.ConversationID, "/+#") {
		a.logger.Warn("mqtt ask without a usable conversation_id", "conversation", req.ConversationID)
		return req, false
	}
	if strings.TrimSpace(req.Message) == "" {
		a.logger.Debug("mqtt ask with empty message", "conversation", req.ConversationID)
		return req, false
	}
	return req, true
}

func (a *askHandler) run(ctx context.Context, req AskRequest) AskReply {
	reply := AskReply{ConversationID: req.ConversationID}
	answer, err := a.turns.HandleTurn(ctx, req.ConversationID, req.Message)
	if err != nil {
		a.logger.Error("mqtt ask failed", "conversation", req.ConversationID, "error", err)
		reply.Error = err.Error()
		return reply
	}
	reply.Response = answer
	return reply
}

// messageRateLimiter drops inbound messages past limit per interval.
// Counters are atomic so the hot path takes no lock.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the counter every interval until ctx is cancelled,
// warning when messages were dropped.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reset()
		}
	}
}

func (r *messageRateLimiter) reset() {
	count := r.count.Swap(0)
	if dropped := r.dropped.Swap(0); dropped > 0 {
		r.logger.Warn("mqtt messages dropped due to rate limit",
			"received", count,
			"dropped", dropped,
			"interval", r.interval.String(),
			"limit", r.limit,
		)
	}
}

func (r *messageRateLimiter) allow() bool {
	if r.count.Add(1) > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
