package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"leadflow/engine"
	"leadflow/models"
	"leadflow/utils"
)

// MessageStore persists the outbound message ledger keyed by send key.
type MessageStore interface {
	// Claim inserts the message if its send key is unseen. When the key
	// already exists the stored row is returned and claimed is false,
	// except when the stored row failed: a failed attempt does not hold
	// the key, and Claim takes the row over so retries dispatch again.
	Claim(ctx context.Context, msg *models.OutboundMessage) (existing *models.OutboundMessage, claimed bool, err error)
	Update(ctx context.Context, msg *models.OutboundMessage) error
}

// Adapter dispatches one message on a single channel.
type Adapter interface {
	Dispatch(ctx context.Context, req engine.SendRequest, body string) (providerMessageID string, err error)
}

// Gateway is the execution router: the single choke point for all outbound
// sends. Every dispatch writes an OutboundMessage row first; the unique
// send key gives at-most-once delivery per (lead, template, day, attempt)
// regardless of how many upstream paths request the same send.
type Gateway struct {
	messages  MessageStore
	templates TemplateSource
	adapters  map[models.Channel]Adapter
	log       *logrus.Logger
	now       func() time.Time
}

// TemplateSource resolves a template ID to its body text. Rebuttal sends
// carry a pre-rendered body and skip resolution.
type TemplateSource interface {
	Body(ctx context.Context, templateID string) (string, error)
}

func NewGateway(messages MessageStore, templates TemplateSource, log *logrus.Logger) *Gateway {
	if log == nil {
		log = logrus.New()
	}
	return &Gateway{
		messages:  messages,
		templates: templates,
		adapters:  make(map[models.Channel]Adapter),
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Register wires the adapter for a channel. Channels without an adapter
// fail permanently at send time.
func (g *Gateway) Register(channel models.Channel, adapter Adapter) {
	g.adapters[channel] = adapter
}

// SendKey builds the dedup key: lead, template and UTC day, plus the
// caller's idempotency discriminator when present.
func SendKey(leadID uint, templateID string, day time.Time, idempotencyKey string) string {
	key := fmt.Sprintf("%d:%s:%s", leadID, templateID, day.UTC().Format("2006-01-02"))
	if idempotencyKey != "" {
		key += ":" + idempotencyKey
	}
	return key
}

func (g *Gateway) Send(ctx context.Context, req engine.SendRequest) (engine.SendReceipt, error) {
	now := g.now()

	body := req.Body
	if body == "" && g.templates != nil {
		resolved, err := g.templates.Body(ctx, req.TemplateID)
		if err != nil {
			return engine.SendReceipt{}, &engine.SendError{Reason: fmt.Sprintf("template %s: %v", req.TemplateID, err)}
		}
		body = utils.RenderTemplate(resolved, req.Variables)
	}

	msg := &models.OutboundMessage{
		TeamID:     req.TeamID,
		LeadID:     req.LeadID,
		SendKey:    SendKey(req.LeadID, req.TemplateID, now, req.IdempotencyKey),
		Channel:    req.Channel,
		TemplateID: req.TemplateID,
		Body:       body,
		Status:     "pending",
	}
	existing, claimed, err := g.messages.Claim(ctx, msg)
	if err != nil {
		return engine.SendReceipt{}, fmt.Errorf("claim send key: %w", err)
	}
	if !claimed {
		// Seen before: swallow the duplicate without touching the provider.
		g.log.WithFields(logrus.Fields{
			"lead_id":  req.LeadID,
			"send_key": msg.SendKey,
		}).Info("duplicate send suppressed")
		receipt := engine.SendReceipt{Duplicate: true}
		if existing != nil {
			receipt.MessageID = existing.ProviderMessageID
		}
		return receipt, nil
	}

	adapter, ok := g.adapters[req.Channel]
	if !ok {
		sendErr := &engine.SendError{Permanent: true, Reason: string(req.Channel) + " channel not configured"}
		g.markFailed(ctx, msg, sendErr)
		return engine.SendReceipt{}, sendErr
	}

	providerID, err := adapter.Dispatch(ctx, req, body)
	if err != nil {
		g.markFailed(ctx, msg, err)
		return engine.SendReceipt{}, err
	}

	msg.Status = "sent"
	msg.ProviderMessageID = providerID
	sentAt := now
	msg.SentAt = &sentAt
	if err := g.messages.Update(ctx, msg); err != nil {
		// The provider accepted the message; a bookkeeping failure must not
		// trigger a retry and a double send.
		g.log.WithError(err).WithField("send_key", msg.SendKey).Error("outbound message update failed after dispatch")
	}
	return engine.SendReceipt{MessageID: providerID}, nil
}

func (g *Gateway) markFailed(ctx context.Context, msg *models.OutboundMessage, sendErr error) {
	msg.Status = "failed"
	msg.FailureReason = sendErr.Error()
	if err := g.messages.Update(ctx, msg); err != nil {
		g.log.WithError(err).WithField("send_key", msg.SendKey).Error("outbound message failure update failed")
	}
}
