// Package admin implements the operator-facing maintenance operations:
// competition and agent onboarding, bulk code resets, and generation retries.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"checkpoint/internal/auth"
	"checkpoint/internal/domain"
	"checkpoint/internal/queue"
	"checkpoint/internal/store"
	"checkpoint/pkg/sentinel"
)

// RoleAdmin authorizes the maintenance operations.
const RoleAdmin = "admin"

// pageSize bounds each paginated pass over a competition's codes.
const pageSize = 200

type Service struct {
	store    store.Store
	pub      queue.Publisher
	logger   *slog.Logger
	genBatch int
}

func NewService(st store.Store, pub queue.Publisher, logger *slog.Logger, genBatch int) *Service {
	if genBatch <= 0 {
		genBatch = 50
	}
	return &Service{store: st, pub: pub, logger: logger, genBatch: genBatch}
}

// ImportCompetitions loads a JSON array of competition definitions. Existing
// competitions are replaced; their heats and registrations are untouched.
func (s *Service) ImportCompetitions(ctx context.Context, r io.Reader) ([]string, error) {
	var competitions []domain.Competition
	if err := json.NewDecoder(r).Decode(&competitions); err != nil {
		return nil, fmt.Errorf("decode competitions: %w: %w", sentinel.ErrInvalidInput, err)
	}

	var ids []string
	for _, competition := range competitions {
		if competition.ID == "" || competition.Name == "" {
			return nil, fmt.Errorf("competition needs id and name: %w", sentinel.ErrInvalidInput)
		}
		for _, category := range competition.Categories {
			if category.ID == "" || category.Name == "" {
				return nil, fmt.Errorf("competition %s: category needs id and name: %w", competition.ID, sentinel.ErrInvalidInput)
			}
		}
		if err := s.store.Competitions().Save(ctx, competition); err != nil {
			return nil, err
		}
		ids = append(ids, competition.ID)
		s.logger.Info("competition saved", "competition", competition.ID, "categories", len(competition.Categories))
	}
	return ids, nil
}

// SaveAgent registers or updates one check-in agent. The pin is bcrypt-hashed
// here; only the hash reaches the store.
func (s *Service) SaveAgent(ctx context.Context, agent domain.Agent, pin string) error {
	if agent.User == "" || pin == "" {
		return fmt.Errorf("agent needs user and pin: %w", sentinel.ErrInvalidInput)
	}
	hash, err := auth.HashPin(pin)
	if err != nil {
		return err
	}
	agent.PinHash = hash
	return s.store.Agents().Save(ctx, agent)
}

// ResetCodes walks every code of the competition and returns it to init with
// its artifacts cleared, so the next generation pass rebuilds them. Redeemed
// and void codes are left alone.
func (s *Service) ResetCodes(ctx context.Context, competitionID string) (int, error) {
	reset := 0
	err := s.forEachPage(ctx, competitionID, func(codes []domain.Code) error {
		for _, code := range codes {
			if code.Redeemed != nil || code.Status == domain.CodeVoid {
				continue
			}
			code.Status = domain.CodeInit
			code.Files = domain.CodeFiles{}
			code.RetryCount = 0
			if err := s.store.Codes().Save(ctx, code); err != nil {
				return err
			}
			reset++
		}
		return nil
	})
	if err != nil {
		return reset, err
	}
	s.logger.Info("codes reset", "competition", competitionID, "count", reset)
	return reset, nil
}

// RetryGeneration re-announces generation for every code of the competition
// that still lacks a complete artifact set.
func (s *Service) RetryGeneration(ctx context.Context, competitionID string) (int, error) {
	var pending []string
	err := s.forEachPage(ctx, competitionID, func(codes []domain.Code) error {
		for _, code := range codes {
			if code.Status == domain.CodeVoid || code.Files.Complete() {
				continue
			}
			pending = append(pending, code.ID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if err := s.announce(ctx, "retry-"+competitionID, pending); err != nil {
		return len(pending), err
	}

	s.logger.Info("generation retry announced", "competition", competitionID, "codes", len(pending))
	return len(pending), nil
}

// RetryGenerationForCodes re-announces generation for an explicit id list.
// Unknown, void, and fully generated codes are skipped rather than rejected.
func (s *Service) RetryGenerationForCodes(ctx context.Context, codeIDs []string) (int, error) {
	var pending []string
	for _, id := range codeIDs {
		code, err := s.store.Codes().Get(ctx, id)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				s.logger.Warn("retry for unknown code, skipping", "code", id)
				continue
			}
			return 0, err
		}
		if code.Status == domain.CodeVoid || code.Files.Complete() {
			continue
		}
		pending = append(pending, code.ID)
	}

	if err := s.announce(ctx, "retry-codes", pending); err != nil {
		return len(pending), err
	}

	s.logger.Info("generation retry announced", "codes", len(pending))
	return len(pending), nil
}

func (s *Service) announce(ctx context.Context, keyPrefix string, ids []string) error {
	for start := 0; start < len(ids); start += s.genBatch {
		end := start + s.genBatch
		if end > len(ids) {
			end = len(ids)
		}
		key := fmt.Sprintf("%s-%d", keyPrefix, start/s.genBatch)
		if err := s.pub.Publish(ctx, queue.TopicCodesToGenerate, key, queue.GenerationRequest{
			CodeIDs: ids[start:end],
		}); err != nil {
			return fmt.Errorf("announce retry batch %s: %w", key, err)
		}
	}
	return nil
}

func (s *Service) forEachPage(ctx context.Context, competitionID string, fn func([]domain.Code) error) error {
	cursor := ""
	for {
		codes, err := s.store.Codes().ListByCompetition(ctx, competitionID, cursor, pageSize)
		if err != nil {
			return err
		}
		if len(codes) == 0 {
			return nil
		}
		if err := fn(codes); err != nil {
			return err
		}
		cursor = codes[len(codes)-1].ID
		if len(codes) < pageSize {
			return nil
		}
	}
}
