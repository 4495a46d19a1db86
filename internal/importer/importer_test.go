package importer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	"checkpoint/internal/domain"
	"checkpoint/internal/platform/metrics"
	"checkpoint/internal/progress"
	"checkpoint/internal/queue"
	"checkpoint/internal/store/memory"
)

const participantsHeader = "heatName,heatDay,heatTime,dorsal,category,name,email,contact\n"

type ImporterSuite struct {
	suite.Suite
	ctx     context.Context
	store   *memory.Store
	rec     *queue.Recorder
	tracker *progress.Memory
	imp     *Importer
}

func TestImporterSuite(t *testing.T) {
	suite.Run(t, new(ImporterSuite))
}

func (s *ImporterSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = memory.New()
	s.rec = queue.NewRecorder()
	s.tracker = progress.NewMemory()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	s.imp = New(s.store, s.rec, s.tracker, metrics.New(prometheus.NewRegistry()), logger, 4)

	s.Require().NoError(s.store.Competitions().Save(s.ctx, domain.Competition{
		ID:   "comp-1",
		Name: "Winter Open",
		Categories: []domain.Category{
			{ID: "cat-open", Name: "Open"},
			{ID: "cat-masters", Name: "Masters"},
		},
	}))
}

func participantLine(dorsal int, category string) string {
	return fmt.Sprintf("Morning,2025-01-10,09:00,%d,%s,Runner %d,runner%d@example.com,+351000%04d\n",
		dorsal, category, dorsal, dorsal, dorsal)
}

func (s *ImporterSuite) TestInvalidRowsAreSkippedNotFatal() {
	var b strings.Builder
	b.WriteString(participantsHeader)
	for i := 1; i <= 8; i++ {
		b.WriteString(participantLine(100+i, "Open"))
	}
	b.WriteString("Morning,2025-01-10,09:00,,Open,No Dorsal,nodorsal@example.com,+351\n")
	b.WriteString(participantLine(200, "Unknown"))

	summary, err := s.imp.ImportParticipants(s.ctx, "comp-1", strings.NewReader(b.String()))
	s.Require().NoError(err)

	s.Equal(10, summary.TotalRows)
	s.Equal(8, summary.AcceptedRows)
	s.Equal(2, summary.SkippedRows)
	s.Equal(2, summary.Chunks, "8 rows at chunk size 4")
	s.Len(s.rec.Messages(queue.TopicChunkReady), 2)
}

func (s *ImporterSuite) TestChunksArePersistedBeforeAnnounced() {
	var b strings.Builder
	b.WriteString(participantsHeader)
	for i := 1; i <= 5; i++ {
		b.WriteString(participantLine(100+i, "Open"))
	}

	summary, err := s.imp.ImportParticipants(s.ctx, "comp-1", strings.NewReader(b.String()))
	s.Require().NoError(err)
	s.Equal(2, summary.Chunks)

	var claims [][]string
	for _, msg := range s.rec.Messages(queue.TopicChunkReady) {
		var ready queue.ChunkReady
		s.Require().NoError(msg.Decode(&ready))
		chunk, err := s.store.Chunks().Get(s.ctx, ready.ChunkID)
		s.Require().NoError(err, "announced chunk must already exist")
		s.Equal(domain.ChunkPending, chunk.Status)
		s.Equal("comp-1", chunk.CompetitionID)
		s.NotEmpty(chunk.Rows)
		claims = append(claims, chunk.ChunkHeats)
	}
	// A heat split across chunks is claimed for supersede exactly once.
	s.Equal([][]string{{"2025-01-10-0900"}, nil}, claims)
}

func (s *ImporterSuite) TestHeatsAreNotSplitWhenTheyFit() {
	var b strings.Builder
	b.WriteString(participantsHeader)
	for i := 1; i <= 3; i++ {
		b.WriteString(participantLine(100+i, "Open"))
	}
	for i := 1; i <= 3; i++ {
		b.WriteString(fmt.Sprintf("Late,2025-01-10,09:30,%d,Open,Runner %d,r%d@example.com,+351\n", 200+i, i, i))
	}

	summary, err := s.imp.ImportParticipants(s.ctx, "comp-1", strings.NewReader(b.String()))
	s.Require().NoError(err)
	s.Equal(2, summary.Chunks, "two heats of three rows each stay whole at chunk size 4")

	msgs := s.rec.Messages(queue.TopicChunkReady)
	s.Require().Len(msgs, 2)
	var ready queue.ChunkReady
	s.Require().NoError(msgs[1].Decode(&ready))
	chunk, err := s.store.Chunks().Get(s.ctx, ready.ChunkID)
	s.Require().NoError(err)
	s.Equal([]string{"2025-01-10-0930"}, chunk.ChunkHeats)
	s.Len(chunk.Rows, 3)
}

func (s *ImporterSuite) TestProgressStartsWithTotals() {
	var b strings.Builder
	b.WriteString(participantsHeader)
	for i := 1; i <= 6; i++ {
		b.WriteString(participantLine(100+i, "Masters"))
	}

	_, err := s.imp.ImportParticipants(s.ctx, "comp-1", strings.NewReader(b.String()))
	s.Require().NoError(err)

	snap, err := s.tracker.Get(s.ctx, progress.ImportID("comp-1", string(domain.ChunkParticipants)))
	s.Require().NoError(err)
	s.Equal(6, snap.TotalRecords)
	s.Equal(2, snap.TotalChunks)
	s.Equal(0, snap.ProcessedChunks)
}

func (s *ImporterSuite) TestUnknownCompetitionFails() {
	_, err := s.imp.ImportParticipants(s.ctx, "nope", strings.NewReader(participantsHeader))
	s.Error(err)
	s.Empty(s.rec.Messages(queue.TopicChunkReady))
}

func (s *ImporterSuite) TestEmptyFileProducesNoChunks() {
	summary, err := s.imp.ImportParticipants(s.ctx, "comp-1", strings.NewReader(participantsHeader))
	s.Require().NoError(err)
	s.Zero(summary.Chunks)
	s.Empty(s.rec.Messages(queue.TopicChunkReady))
}

const addonsHeader = "provider,internalId,externalId,name,email,sizeS,sizeM,sizeL,sizeXL,sizeXXL\n"

func (s *ImporterSuite) TestImportAddons() {
	var b strings.Builder
	b.WriteString(addonsHeader)
	b.WriteString(",ref-1,,Ana,ana@example.com,1,,,,\n")
	b.WriteString("acme,,ext-2,Bruno,bruno@example.com,,2,,,\n")
	b.WriteString(",,ext-3,Carla,carla@example.com,,,1,,\n") // external id without provider
	b.WriteString(",ref-4,,Dora,dora@example.com,,,,,\n")    // no sizes

	summary, err := s.imp.ImportAddons(s.ctx, "comp-1", strings.NewReader(b.String()))
	s.Require().NoError(err)
	s.Equal(4, summary.TotalRows)
	s.Equal(2, summary.AcceptedRows)
	s.Equal(2, summary.SkippedRows)
	s.Equal(1, summary.Chunks)

	msgs := s.rec.Messages(queue.TopicChunkReady)
	s.Require().Len(msgs, 1)
	var ready queue.ChunkReady
	s.Require().NoError(msgs[0].Decode(&ready))
	chunk, err := s.store.Chunks().Get(s.ctx, ready.ChunkID)
	s.Require().NoError(err)
	s.Equal(domain.ChunkAddons, chunk.Kind)
	s.Require().Len(chunk.AddonRows, 2)
	s.Equal("GF", chunk.AddonRows[0].Provider, "missing provider falls back to the default")
	s.Equal("acme", chunk.AddonRows[1].Provider)
}
