// Package importer turns uploaded CSV files into persisted, bounded chunks
// and announces each chunk on the queue. It validates and types every row up
// front; nothing downstream ever sees raw CSV.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"checkpoint/internal/domain"
	"checkpoint/internal/identity"
	"checkpoint/internal/platform/metrics"
	"checkpoint/internal/progress"
	"checkpoint/internal/queue"
	"checkpoint/internal/store"
	"checkpoint/pkg/sentinel"
)

// DefaultChunkSize bounds the records per chunk so a chunk is always
// processable within one consumer invocation.
const DefaultChunkSize = 500

// defaultAddonProvider is assumed when an addon row names no provider.
const defaultAddonProvider = "GF"

// Summary reports the outcome of one import upload.
type Summary struct {
	ImportID     string `json:"importId"`
	TotalRows    int    `json:"totalRows"`
	AcceptedRows int    `json:"acceptedRows"`
	SkippedRows  int    `json:"skippedRows"`
	Chunks       int    `json:"chunks"`
}

type Importer struct {
	store     store.Store
	pub       queue.Publisher
	tracker   progress.Tracker
	metrics   *metrics.Metrics
	logger    *slog.Logger
	chunkSize int
	now       func() time.Time
}

func New(st store.Store, pub queue.Publisher, tracker progress.Tracker, m *metrics.Metrics, logger *slog.Logger, chunkSize int) *Importer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Importer{
		store:     st,
		pub:       pub,
		tracker:   tracker,
		metrics:   m,
		logger:    logger,
		chunkSize: chunkSize,
		now:       time.Now,
	}
}

// ImportParticipants parses a participants CSV, groups valid rows into
// chunks, persists them, and publishes one chunk-ready message per chunk.
// Invalid rows are counted and skipped, never fatal.
func (i *Importer) ImportParticipants(ctx context.Context, competitionID string, r io.Reader) (Summary, error) {
	competition, err := i.store.Competitions().Get(ctx, competitionID)
	if err != nil {
		return Summary{}, fmt.Errorf("load competition %s: %w", competitionID, err)
	}

	rows, summary, err := i.parseParticipants(competition, r)
	if err != nil {
		return Summary{}, err
	}

	chunks := buildParticipantChunks(competitionID, summary.ImportID, rows, i.chunkSize, i.now())
	if err := i.dispatch(ctx, competitionID, domain.ChunkParticipants, summary.AcceptedRows, chunks); err != nil {
		return Summary{}, err
	}
	summary.Chunks = len(chunks)

	i.logger.Info("participants import dispatched",
		"competition", competitionID,
		"importId", summary.ImportID,
		"rows", summary.AcceptedRows,
		"skipped", summary.SkippedRows,
		"chunks", summary.Chunks,
	)
	return summary, nil
}

// ImportAddons parses an addons CSV (t-shirt entitlements) into chunks.
func (i *Importer) ImportAddons(ctx context.Context, competitionID string, r io.Reader) (Summary, error) {
	if _, err := i.store.Competitions().Get(ctx, competitionID); err != nil {
		return Summary{}, fmt.Errorf("load competition %s: %w", competitionID, err)
	}

	addonRows, summary, err := i.parseAddons(r)
	if err != nil {
		return Summary{}, err
	}

	chunks := buildAddonChunks(competitionID, summary.ImportID, addonRows, i.chunkSize, i.now())
	if err := i.dispatch(ctx, competitionID, domain.ChunkAddons, summary.AcceptedRows, chunks); err != nil {
		return Summary{}, err
	}
	summary.Chunks = len(chunks)

	i.logger.Info("addons import dispatched",
		"competition", competitionID,
		"importId", summary.ImportID,
		"rows", summary.AcceptedRows,
		"skipped", summary.SkippedRows,
		"chunks", summary.Chunks,
	)
	return summary, nil
}

func (i *Importer) parseParticipants(competition domain.Competition, r io.Reader) ([]domain.Row, Summary, error) {
	reader, err := newRowReader(r)
	if err != nil {
		return nil, Summary{}, err
	}

	summary := Summary{ImportID: uuid.NewString()}
	var rows []domain.Row
	for {
		record, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			summary.TotalRows++
			summary.SkippedRows++
			i.metrics.RowsSkipped.Inc()
			i.logger.Warn("skipping malformed csv record", "error", err)
			continue
		}
		summary.TotalRows++

		row, err := participantRow(competition, record)
		if err != nil {
			summary.SkippedRows++
			i.metrics.RowsSkipped.Inc()
			i.logger.Warn("skipping invalid participant row", "dorsal", record["dorsal"], "error", err)
			continue
		}
		summary.AcceptedRows++
		i.metrics.RowsImported.Inc()
		rows = append(rows, row)
	}
	return rows, summary, nil
}

func participantRow(competition domain.Competition, record map[string]string) (domain.Row, error) {
	required := []string{"heatName", "heatDay", "heatTime", "dorsal", "category", "name", "email", "contact"}
	for _, field := range required {
		if record[field] == "" {
			return domain.Row{}, fmt.Errorf("missing %s: %w", field, sentinel.ErrInvalidInput)
		}
	}
	if _, ok := competition.Category(record["category"]); !ok {
		return domain.Row{}, fmt.Errorf("unknown category %q: %w", record["category"], sentinel.ErrInvalidInput)
	}

	provider := record["provider"]
	if provider == "" {
		provider = "imports"
	}
	return domain.Row{
		HeatID:       identity.HeatID(record["heatDay"], record["heatTime"]),
		HeatName:     record["heatName"],
		HeatDay:      record["heatDay"],
		HeatTime:     record["heatTime"],
		Dorsal:       record["dorsal"],
		CategoryName: record["category"],
		Participants: []domain.Participant{{
			Name:    record["name"],
			Email:   record["email"],
			Contact: record["contact"],
		}},
		Provider:   provider,
		ProviderID: record["providerId"],
	}, nil
}

func (i *Importer) parseAddons(r io.Reader) ([]domain.AddonRow, Summary, error) {
	reader, err := newRowReader(r)
	if err != nil {
		return nil, Summary{}, err
	}

	summary := Summary{ImportID: uuid.NewString()}
	var rows []domain.AddonRow
	for {
		record, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			summary.TotalRows++
			summary.SkippedRows++
			i.metrics.RowsSkipped.Inc()
			i.logger.Warn("skipping malformed csv record", "error", err)
			continue
		}
		summary.TotalRows++

		row, err := addonRow(record)
		if err != nil {
			summary.SkippedRows++
			i.metrics.RowsSkipped.Inc()
			i.logger.Warn("skipping invalid addon row", "email", record["email"], "error", err)
			continue
		}
		summary.AcceptedRows++
		i.metrics.RowsImported.Inc()
		rows = append(rows, row)
	}
	return rows, summary, nil
}

func addonRow(record map[string]string) (domain.AddonRow, error) {
	sizes := domain.Sizes{
		S:   record["sizeS"],
		M:   record["sizeM"],
		L:   record["sizeL"],
		XL:  record["sizeXL"],
		XXL: record["sizeXXL"],
	}
	if sizes.IsZero() {
		return domain.AddonRow{}, fmt.Errorf("no sizes: %w", sentinel.ErrInvalidInput)
	}

	referenceID := record["internalId"]
	if referenceID == "" {
		referenceID = record["externalId"]
		if referenceID != "" && record["provider"] == "" {
			return domain.AddonRow{}, fmt.Errorf("external reference without provider: %w", sentinel.ErrInvalidInput)
		}
	}
	if referenceID == "" || record["name"] == "" || record["email"] == "" {
		return domain.AddonRow{}, fmt.Errorf("missing reference, name or email: %w", sentinel.ErrInvalidInput)
	}

	provider := record["provider"]
	if provider == "" {
		provider = defaultAddonProvider
	}
	return domain.AddonRow{
		Provider:    provider,
		ReferenceID: referenceID,
		Name:        record["name"],
		Email:       record["email"],
		Sizes:       sizes,
	}, nil
}

// buildParticipantChunks packs rows into bounded chunks, keeping each heat in
// one chunk where it fits. ChunkHeats names the heats the chunk supersedes;
// when a single heat overflows the chunk size, only the first slice claims it,
// so stale registrations are swept exactly once per import.
func buildParticipantChunks(competitionID, importID string, rows []domain.Row, size int, now time.Time) []domain.Chunk {
	var heatOrder []string
	grouped := make(map[string][]domain.Row)
	for _, row := range rows {
		if _, ok := grouped[row.HeatID]; !ok {
			heatOrder = append(heatOrder, row.HeatID)
		}
		grouped[row.HeatID] = append(grouped[row.HeatID], row)
	}

	var chunks []domain.Chunk
	var cur []domain.Row
	var curHeats []string

	flush := func() {
		if len(cur) == 0 {
			return
		}
		chunks = append(chunks, domain.Chunk{
			ID:            fmt.Sprintf("%s-%d", importID, len(chunks)),
			CompetitionID: competitionID,
			Index:         len(chunks),
			Kind:          domain.ChunkParticipants,
			TotalRecords:  len(cur),
			Rows:          cur,
			ChunkHeats:    curHeats,
			Status:        domain.ChunkPending,
			CreatedAt:     now,
		})
		cur = nil
		curHeats = nil
	}

	for _, heatID := range heatOrder {
		group := grouped[heatID]
		if len(cur) > 0 && len(cur)+len(group) > size {
			flush()
		}
		claimed := false
		for len(group) > 0 {
			space := size - len(cur)
			take := len(group)
			if take > space {
				take = space
			}
			cur = append(cur, group[:take]...)
			group = group[take:]
			if !claimed {
				curHeats = append(curHeats, heatID)
				claimed = true
			}
			if len(cur) == size {
				flush()
			}
		}
	}
	flush()
	return chunks
}

func buildAddonChunks(competitionID, importID string, rows []domain.AddonRow, size int, now time.Time) []domain.Chunk {
	var chunks []domain.Chunk
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		chunks = append(chunks, domain.Chunk{
			ID:            fmt.Sprintf("%s-%d", importID, len(chunks)),
			CompetitionID: competitionID,
			Index:         len(chunks),
			Kind:          domain.ChunkAddons,
			TotalRecords:  end - start,
			AddonRows:     rows[start:end],
			Status:        domain.ChunkPending,
			CreatedAt:     now,
		})
	}
	return chunks
}

// dispatch persists the chunks, resets the progress counters, and announces
// each chunk on the queue. Persist-then-publish: a crash between the two
// leaves pending chunks that an operator can re-announce, never ghost
// messages for chunks that do not exist.
func (i *Importer) dispatch(ctx context.Context, competitionID string, kind domain.ChunkKind, acceptedRows int, chunks []domain.Chunk) error {
	if err := i.tracker.Start(ctx, progress.ImportID(competitionID, string(kind)), acceptedRows, len(chunks)); err != nil {
		return fmt.Errorf("start progress: %w", err)
	}

	for _, chunk := range chunks {
		if err := i.store.Chunks().Create(ctx, chunk); err != nil {
			return fmt.Errorf("persist chunk %s: %w", chunk.ID, err)
		}
		i.metrics.ChunksCreated.Inc()
	}
	for _, chunk := range chunks {
		if err := i.pub.Publish(ctx, queue.TopicChunkReady, chunk.ID, queue.ChunkReady{ChunkID: chunk.ID}); err != nil {
			return fmt.Errorf("announce chunk %s: %w", chunk.ID, err)
		}
	}
	return nil
}
