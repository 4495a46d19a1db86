// Package notify consumes email-to-send messages and dispatches the
// post-redemption notification for a code. The queue delivers at least once;
// the store's dispatch log makes each code notify at most once.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"checkpoint/internal/domain"
	"checkpoint/internal/platform/metrics"
	"checkpoint/internal/queue"
	"checkpoint/internal/store"
	"checkpoint/pkg/email"
	"checkpoint/pkg/sentinel"
)

// Recipient is one addressee of a notification.
type Recipient struct {
	Email string
	Name  string
}

// Message is a rendered notification handed to the dispatcher.
type Message struct {
	To         []Recipient
	Kind       string
	CodeID     string
	Params     map[string]string
	Attachment string
}

// Dispatcher delivers one notification to an external channel (the email
// provider in production, a recorder in tests).
type Dispatcher interface {
	Send(ctx context.Context, msg Message) error
}

type Notifier struct {
	store      store.Store
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

func New(st store.Store, dispatcher Dispatcher, m *metrics.Metrics, logger *slog.Logger) *Notifier {
	return &Notifier{store: st, dispatcher: dispatcher, metrics: m, logger: logger}
}

// HandleNotification is the email-to-send topic consumer. The dispatch log is
// claimed before sending: a redelivered message finds the claim and becomes a
// no-op, so a code is never notified twice.
func (n *Notifier) HandleNotification(ctx context.Context, msg *queue.Message) error {
	var req queue.NotificationRequest
	if err := msg.Decode(&req); err != nil {
		n.logger.Error("dropping undecodable notification request", "error", err)
		return nil
	}

	code, err := n.store.Codes().Get(ctx, req.CodeID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			n.logger.Warn("notification for unknown code, dropping", "code", req.CodeID)
			return nil
		}
		return err
	}
	if code.Redeemed == nil {
		n.logger.Warn("notification for unredeemed code, dropping", "code", req.CodeID)
		return nil
	}

	first, err := n.store.Notifications().MarkDispatched(ctx, code.ID)
	if err != nil {
		return fmt.Errorf("claim dispatch %s: %w", code.ID, err)
	}
	if !first {
		n.metrics.Notifications.WithLabelValues("duplicate").Inc()
		n.logger.Info("notification already dispatched, skipping", "code", code.ID)
		return nil
	}

	if err := n.dispatcher.Send(ctx, render(code)); err != nil {
		// The claim stands; a failed send needs manual remediation rather
		// than an automatic duplicate.
		n.metrics.Notifications.WithLabelValues("failed").Inc()
		n.logger.Error("notification dispatch failed", "code", code.ID, "error", err)
		return nil
	}

	n.metrics.Notifications.WithLabelValues("sent").Inc()
	n.logger.Info("notification dispatched", "code", code.ID)
	return nil
}

func render(code domain.Code) Message {
	msg := Message{
		Kind:   "checkin",
		CodeID: code.ID,
		Params: map[string]string{
			"competitionId":   code.Competition.ID,
			"competitionName": code.Competition.Name,
			"redeemedBy":      code.Redeemed.By,
			"channel":         string(code.Redeemed.How),
		},
	}

	names := make(map[string]string)
	if code.Registration != nil {
		msg.Params["heatId"] = code.Registration.Heat.ID
		msg.Params["dorsal"] = code.Registration.Dorsal
		for _, p := range code.Registration.Participants {
			names[p.Email] = p.Name
		}
	}
	if code.Addon != nil {
		names[code.Addon.Email] = code.Addon.Name
	}

	for _, addr := range code.RedeemableBy {
		name := names[addr]
		if name == "" {
			first, last := email.DeriveNameFromEmail(addr)
			name = first + " " + last
		}
		msg.To = append(msg.To, Recipient{Email: addr, Name: name})
	}

	if !code.Files.Ticket.IsZero() {
		msg.Attachment = code.Files.Ticket.Path
	}
	return msg
}

// Recorded is a Dispatcher that captures messages for assertions.
type Recorded struct {
	Sent []Message
	Err  error
}

func (r *Recorded) Send(_ context.Context, msg Message) error {
	if r.Err != nil {
		return r.Err
	}
	r.Sent = append(r.Sent, msg)
	return nil
}
