// Package chunks consumes chunk-ready messages and materializes one chunk
// into heats, registrations, and code documents. Processing is idempotent:
// deterministic ids make rewrites target the same documents, and a processed
// chunk is a no-op on redelivery.
package chunks

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
	"checkpoint/internal/identity"
	"checkpoint/internal/platform/metrics"
	"checkpoint/internal/progress"
	"checkpoint/internal/queue"
	"checkpoint/internal/retry"
	"checkpoint/internal/store"
	"checkpoint/pkg/sentinel"
)

// Code id prefixes per code type. Registrations and addons derive from
// different natural keys, the prefix keeps the two id spaces visibly apart.
const (
	registrationPrefix = "RG"
	addonPrefix        = "AT"
)

// voidSuperseded is the void reason written to codes whose registration was
// replaced by a newer import.
const voidSuperseded = "registration superseded"

type Processor struct {
	store    store.Store
	pub      queue.Publisher
	hasher   *identity.Hasher
	tracker  progress.Tracker
	sched    *retry.Scheduler
	metrics  *metrics.Metrics
	logger   *slog.Logger
	tracer   trace.Tracer
	txBatch  int
	genBatch int
	now      func() time.Time
}

func NewProcessor(st store.Store, pub queue.Publisher, hasher *identity.Hasher, tracker progress.Tracker, sched *retry.Scheduler, m *metrics.Metrics, logger *slog.Logger, txBatch, genBatch int) *Processor {
	if txBatch <= 0 {
		txBatch = 150
	}
	if genBatch <= 0 {
		genBatch = 50
	}
	return &Processor{
		store:    st,
		pub:      pub,
		hasher:   hasher,
		tracker:  tracker,
		sched:    sched,
		metrics:  m,
		logger:   logger,
		tracer:   otel.Tracer("checkpoint/chunks"),
		txBatch:  txBatch,
		genBatch: genBatch,
		now:      time.Now,
	}
}

// HandleChunkReady is the chunk-ready topic consumer. A processing failure is
// absorbed here: the chunk's retry counter is bumped and a delayed retry is
// scheduled, so the message itself is always acknowledged.
func (p *Processor) HandleChunkReady(ctx context.Context, msg *queue.Message) error {
	var ready queue.ChunkReady
	if err := msg.Decode(&ready); err != nil {
		p.logger.Error("dropping undecodable chunk-ready message", "error", err)
		return nil
	}

	if err := p.Process(ctx, ready.ChunkID); err != nil {
		p.metrics.ChunksFailed.Inc()
		return p.fail(ctx, ready.ChunkID, err)
	}
	return nil
}

func (p *Processor) fail(ctx context.Context, chunkID string, cause error) error {
	p.logger.Error("chunk processing failed", "chunk", chunkID, "error", cause)

	count, err := p.store.Chunks().RecordFailure(ctx, chunkID)
	if err != nil {
		return fmt.Errorf("record chunk failure %s: %w", chunkID, err)
	}

	err = p.sched.Schedule(ctx, queue.TopicChunkReady, chunkID, count-1, func(next int) any {
		return queue.ChunkReady{ChunkID: chunkID, RetryCount: next}
	})
	if errors.Is(err, sentinel.ErrPermanent) {
		// Terminal: the chunk stays failed for manual remediation.
		return nil
	}
	return err
}

// Process runs one chunk to completion. Safe to call again for a chunk that
// already completed.
func (p *Processor) Process(ctx context.Context, chunkID string) error {
	ctx, span := p.tracer.Start(ctx, "chunks.Process",
		trace.WithAttributes(attribute.String("chunk.id", chunkID)))
	defer span.End()

	chunk, err := p.store.Chunks().Get(ctx, chunkID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			p.logger.Warn("chunk-ready for unknown chunk, dropping", "chunk", chunkID)
			return nil
		}
		return err
	}

	if chunk.Processed {
		p.logger.Info("chunk already processed, skipping", "chunk", chunkID)
		return nil
	}
	if len(chunk.Rows) == 0 && len(chunk.AddonRows) == 0 {
		p.logger.Warn("empty chunk, skipping", "chunk", chunkID)
		return p.store.Chunks().SetStatus(ctx, chunkID, domain.ChunkSkipped)
	}

	if err := p.store.Chunks().SetStatus(ctx, chunkID, domain.ChunkProcessing); err != nil {
		return err
	}

	started := p.now()
	competition, err := p.store.Competitions().Get(ctx, chunk.CompetitionID)
	if err != nil {
		return fmt.Errorf("load competition %s: %w", chunk.CompetitionID, err)
	}

	var codeIDs []string
	switch chunk.Kind {
	case domain.ChunkAddons:
		codeIDs, err = p.processAddons(ctx, competition, chunk)
	default:
		codeIDs, err = p.processParticipants(ctx, competition, chunk)
	}
	if err != nil {
		return err
	}

	// Announce before marking processed: a failed publish leaves the chunk
	// unprocessed so the retry path re-announces. The generator skips codes
	// already ready, so a duplicate announcement is harmless.
	if err := p.announceGeneration(ctx, chunkID, codeIDs); err != nil {
		return err
	}

	if err := p.store.Chunks().MarkProcessed(ctx, chunkID); err != nil {
		return err
	}
	p.metrics.ChunksProcessed.Inc()
	p.metrics.ChunkDuration.Observe(p.now().Sub(started).Seconds())

	importID := progress.ImportID(chunk.CompetitionID, string(chunk.Kind))
	if err := p.tracker.RecordChunk(ctx, importID, chunk.TotalRecords); err != nil {
		// Progress is advisory; the chunk itself committed.
		p.logger.Warn("progress update failed", "chunk", chunkID, "error", err)
	}

	p.logger.Info("chunk processed",
		"chunk", chunkID,
		"kind", chunk.Kind,
		"records", chunk.TotalRecords,
		"codes", len(codeIDs),
	)
	return nil
}

func (p *Processor) processParticipants(ctx context.Context, competition domain.Competition, chunk domain.Chunk) ([]string, error) {
	if err := p.supersede(ctx, chunk); err != nil {
		return nil, err
	}

	codeIDs := make([]string, 0, len(chunk.Rows))
	for start := 0; start < len(chunk.Rows); start += p.txBatch {
		end := start + p.txBatch
		if end > len(chunk.Rows) {
			end = len(chunk.Rows)
		}
		batch := chunk.Rows[start:end]

		err := p.store.RunInTx(ctx, func(tx store.Tx) error {
			for _, row := range batch {
				codeID, err := p.writeRegistration(ctx, tx, competition, row)
				if err != nil {
					return err
				}
				codeIDs = append(codeIDs, codeID)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("chunk %s batch %d: %w", chunk.ID, start/p.txBatch, err)
		}
		p.metrics.CodesWritten.Add(float64(len(batch)))
	}
	return codeIDs, nil
}

func (p *Processor) writeRegistration(ctx context.Context, tx store.Tx, competition domain.Competition, row domain.Row) (string, error) {
	if err := tx.Heats().Ensure(ctx, competition.ID, domain.Heat{
		ID:   row.HeatID,
		Name: row.HeatName,
		Day:  row.HeatDay,
		Time: row.HeatTime,
	}); err != nil {
		return "", err
	}

	codeID, err := p.hasher.DeriveID(registrationPrefix, competition.ID, row.HeatID, row.Dorsal)
	if err != nil {
		return "", err
	}

	category, ok := competition.Category(row.CategoryName)
	if !ok {
		category = domain.Category{Name: row.CategoryName}
	}

	now := p.now()
	if err := tx.Registrations().Upsert(ctx, domain.Registration{
		CompetitionID: competition.ID,
		HeatID:        row.HeatID,
		Dorsal:        row.Dorsal,
		CategoryID:    category.ID,
		CategoryName:  category.Name,
		Participants:  row.Participants,
		Provider:      row.Provider,
		ProviderID:    row.ProviderID,
		CodeID:        codeID,
		Status:        domain.RegistrationProcessed,
		CreatedAt:     now,
	}); err != nil {
		return "", err
	}

	redeemableBy := make([]string, 0, len(row.Participants))
	for _, participant := range row.Participants {
		redeemableBy = append(redeemableBy, participant.Email)
	}

	if err := tx.Codes().Upsert(ctx, domain.Code{
		ID:           codeID,
		Type:         domain.CodeTypeRegistration,
		Status:       domain.CodeInit,
		Competition:  domain.CompetitionRef{ID: competition.ID, Name: competition.Name},
		Provider:     row.Provider,
		RedeemableBy: redeemableBy,
		Registration: &domain.RegistrationPayload{
			Heat: domain.HeatRef{
				ID:   row.HeatID,
				Name: row.HeatName,
				Day:  row.HeatDay,
				Time: row.HeatTime,
			},
			Dorsal:       row.Dorsal,
			Category:     category,
			Participants: row.Participants,
		},
		CreatedAt: now,
	}); err != nil {
		return "", err
	}
	return codeID, nil
}

// supersede removes the registrations of the chunk's claimed heats and voids
// their codes. A redeemed code is never voided; a code about to be rewritten
// by this very chunk comes back as init through the deterministic id.
func (p *Processor) supersede(ctx context.Context, chunk domain.Chunk) error {
	for _, heatID := range chunk.ChunkHeats {
		existing, err := p.store.Registrations().ListByHeat(ctx, chunk.CompetitionID, heatID)
		if err != nil {
			return fmt.Errorf("list heat %s registrations: %w", heatID, err)
		}
		if len(existing) == 0 {
			continue
		}

		err = p.store.RunInTx(ctx, func(tx store.Tx) error {
			var codeIDs []string
			for _, reg := range existing {
				if err := tx.Registrations().Delete(ctx, reg.CompetitionID, reg.HeatID, reg.Dorsal); err != nil {
					return err
				}
				if reg.CodeID != "" {
					codeIDs = append(codeIDs, reg.CodeID)
				}
			}
			return tx.Codes().Void(ctx, codeIDs, voidSuperseded)
		})
		if err != nil {
			return fmt.Errorf("supersede heat %s: %w", heatID, err)
		}
		p.logger.Info("superseded heat registrations",
			"competition", chunk.CompetitionID,
			"heat", heatID,
			"removed", len(existing),
		)
	}
	return nil
}

func (p *Processor) processAddons(ctx context.Context, competition domain.Competition, chunk domain.Chunk) ([]string, error) {
	codeIDs := make([]string, 0, len(chunk.AddonRows))
	for start := 0; start < len(chunk.AddonRows); start += p.txBatch {
		end := start + p.txBatch
		if end > len(chunk.AddonRows) {
			end = len(chunk.AddonRows)
		}
		batch := chunk.AddonRows[start:end]

		err := p.store.RunInTx(ctx, func(tx store.Tx) error {
			for _, row := range batch {
				codeID, err := p.hasher.DeriveID(addonPrefix, competition.ID, row.Provider, row.ReferenceID)
				if err != nil {
					return err
				}
				if err := tx.Codes().Upsert(ctx, domain.Code{
					ID:           codeID,
					Type:         domain.CodeTypeAddon,
					Status:       domain.CodeInit,
					Competition:  domain.CompetitionRef{ID: competition.ID, Name: competition.Name},
					Provider:     row.Provider,
					RedeemableBy: []string{row.Email},
					Addon: &domain.AddonPayload{
						AddonType:   "tshirts",
						ReferenceID: row.ReferenceID,
						Name:        row.Name,
						Email:       row.Email,
						Sizes:       row.Sizes,
					},
					CreatedAt: p.now(),
				}); err != nil {
					return err
				}
				codeIDs = append(codeIDs, codeID)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("chunk %s addon batch %d: %w", chunk.ID, start/p.txBatch, err)
		}
		p.metrics.CodesWritten.Add(float64(len(batch)))
	}
	return codeIDs, nil
}

// announceGeneration enqueues the freshly written codes for artifact
// generation in bounded batches.
func (p *Processor) announceGeneration(ctx context.Context, chunkID string, codeIDs []string) error {
	for start := 0; start < len(codeIDs); start += p.genBatch {
		end := start + p.genBatch
		if end > len(codeIDs) {
			end = len(codeIDs)
		}
		key := fmt.Sprintf("%s-%d", chunkID, start/p.genBatch)
		if err := p.pub.Publish(ctx, queue.TopicCodesToGenerate, key, queue.GenerationRequest{
			CodeIDs: codeIDs[start:end],
		}); err != nil {
			return fmt.Errorf("announce generation batch %s: %w", key, err)
		}
	}
	return nil
}
