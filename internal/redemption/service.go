// Package redemption consumes codes: the one-shot state transition at the
// heart of check-in. All mutation happens inside one store transaction, so
// concurrent attempts on the same code yield exactly one success.
package redemption

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"checkpoint/internal/domain"
	"checkpoint/internal/platform/metrics"
	"checkpoint/internal/queue"
	"checkpoint/internal/store"
	"checkpoint/pkg/sentinel"
)

// RoleStaff authorizes lobby redemptions.
const RoleStaff = "staff"

// Result is the redemption outcome returned to the caller. Success false with
// a message is a settled answer, not an error.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type Service struct {
	store   store.Store
	pub     queue.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

func NewService(st store.Store, pub queue.Publisher, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{
		store:   st,
		pub:     pub,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("checkpoint/redemption"),
		now:     time.Now,
	}
}

// Redeem consumes the code on behalf of actor through the given channel.
//
// Outcomes: an unknown code returns ErrNotFound; an actor the channel rules
// reject returns ErrUnavailable wrapped in a permission error; a code already
// redeemed returns Success=false with no error; the single winning attempt
// returns Success=true and enqueues the post-redemption notification.
func (s *Service) Redeem(ctx context.Context, codeID string, actor domain.Actor, channel domain.Channel) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "redemption.Redeem",
		trace.WithAttributes(
			attribute.String("code.id", codeID),
			attribute.String("channel", string(channel)),
		))
	defer span.End()

	if codeID == "" {
		s.metrics.Redemptions.WithLabelValues("invalid").Inc()
		return Result{}, fmt.Errorf("missing code id: %w", sentinel.ErrInvalidInput)
	}

	var result Result
	err := s.store.RunInTx(ctx, func(tx store.Tx) error {
		code, err := tx.Codes().Get(ctx, codeID)
		if err != nil {
			return err
		}

		if err := authorize(code, actor, channel); err != nil {
			return err
		}

		if code.Redeemed != nil {
			result = Result{Success: false, Message: "already redeemed"}
			return nil
		}

		redemption := domain.Redemption{At: s.now(), By: actor.Identity, How: channel}
		code.Redeemed = &redemption
		if err := tx.Codes().Save(ctx, code); err != nil {
			return err
		}

		if code.Type == domain.CodeTypeRegistration && code.Registration != nil {
			err := tx.Registrations().SetCheckin(ctx,
				code.Competition.ID, code.Registration.Heat.ID, code.Registration.Dorsal, redemption)
			if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
				return err
			}
		}

		result = Result{Success: true, Message: "checked in"}
		return nil
	})
	if err != nil {
		s.metrics.Redemptions.WithLabelValues(outcomeLabel(err)).Inc()
		return Result{}, err
	}

	if !result.Success {
		s.metrics.Redemptions.WithLabelValues("already_redeemed").Inc()
		s.logger.Info("code already redeemed", "code", codeID, "by", actor.Identity)
		return result, nil
	}

	s.metrics.Redemptions.WithLabelValues("success").Inc()
	s.logger.Info("code redeemed", "code", codeID, "by", actor.Identity, "channel", channel)

	// Delivery is at-least-once; the notifier dedups by code id.
	if err := s.pub.Publish(ctx, queue.TopicEmailToSend, codeID, queue.NotificationRequest{CodeID: codeID}); err != nil {
		s.logger.Error("enqueue notification failed", "code", codeID, "error", err)
	}
	return result, nil
}

// authorize applies the per-channel rules: the lobby desk needs a staff
// actor, self check-in needs the actor listed on the code itself.
func authorize(code domain.Code, actor domain.Actor, channel domain.Channel) error {
	switch channel {
	case domain.ChannelLobby:
		if !actor.HasRole(RoleStaff) {
			return fmt.Errorf("actor %s lacks the %s role: %w", actor.Identity, RoleStaff, sentinel.ErrUnavailable)
		}
	case domain.ChannelSelf:
		for _, email := range code.RedeemableBy {
			if email == actor.Identity {
				return nil
			}
		}
		return fmt.Errorf("code not redeemable by %s: %w", actor.Identity, sentinel.ErrUnavailable)
	default:
		return fmt.Errorf("unknown channel %q: %w", channel, sentinel.ErrInvalidInput)
	}
	return nil
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return "not_found"
	case errors.Is(err, sentinel.ErrUnavailable):
		return "unauthorized"
	case errors.Is(err, sentinel.ErrInvalidInput):
		return "invalid"
	default:
		return "error"
	}
}
