package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"checkpoint/internal/domain"
	"checkpoint/internal/store"
	"checkpoint/pkg/sentinel"
)

type MemoryStoreSuite struct {
	suite.Suite
	ctx context.Context
	s   *Store
}

func TestMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(MemoryStoreSuite))
}

func (s *MemoryStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.s = New()
}

func (s *MemoryStoreSuite) registration(heatID, dorsal string) domain.Registration {
	return domain.Registration{
		CompetitionID: "comp-1",
		HeatID:        heatID,
		Dorsal:        dorsal,
		CategoryName:  "Open",
		Participants:  []domain.Participant{{Name: "Ana", Email: "ana@example.com"}},
		Provider:      "imports",
		CodeID:        "qr" + dorsal,
		Status:        domain.RegistrationProcessed,
		CreatedAt:     time.Now().UTC(),
	}
}

func (s *MemoryStoreSuite) code(id string) domain.Code {
	return domain.Code{
		ID:          id,
		Type:        domain.CodeTypeRegistration,
		Status:      domain.CodeInit,
		Competition: domain.CompetitionRef{ID: "comp-1", Name: "Winter Open"},
		Provider:    "imports",
		CreatedAt:   time.Now().UTC(),
	}
}

func (s *MemoryStoreSuite) TestHeatEnsureNeverOverwrites() {
	heats := s.s.Heats()
	s.Require().NoError(heats.Ensure(s.ctx, "comp-1", domain.Heat{ID: "h1", Name: "Morning"}))
	s.Require().NoError(heats.Ensure(s.ctx, "comp-1", domain.Heat{ID: "h1", Name: "Renamed"}))

	heat, err := heats.Get(s.ctx, "comp-1", "h1")
	s.Require().NoError(err)
	s.Equal("Morning", heat.Name)
}

func (s *MemoryStoreSuite) TestRegistrationUpsertReplaces() {
	regs := s.s.Registrations()
	first := s.registration("h1", "101")
	s.Require().NoError(regs.Upsert(s.ctx, first))

	second := first
	second.CategoryName = "Masters"
	s.Require().NoError(regs.Upsert(s.ctx, second))

	got, err := regs.Get(s.ctx, "comp-1", "h1", "101")
	s.Require().NoError(err)
	s.Equal("Masters", got.CategoryName)

	listed, err := regs.ListByHeat(s.ctx, "comp-1", "h1")
	s.Require().NoError(err)
	s.Len(listed, 1, "upsert must never duplicate a dorsal")
}

func (s *MemoryStoreSuite) TestCodeUpsertLeavesRedeemedUntouched() {
	codes := s.s.Codes()
	code := s.code("qr101")
	code.Redeemed = &domain.Redemption{At: time.Now().UTC(), By: "desk@example.com", How: domain.ChannelLobby}
	code.Status = domain.CodeReady
	s.Require().NoError(codes.Upsert(s.ctx, code))

	fresh := s.code("qr101")
	s.Require().NoError(codes.Upsert(s.ctx, fresh))

	got, err := codes.Get(s.ctx, "qr101")
	s.Require().NoError(err)
	s.Require().NotNil(got.Redeemed, "redemption is final")
	s.Equal(domain.CodeReady, got.Status)
}

func (s *MemoryStoreSuite) TestCodeVoidSkipsRedeemed() {
	codes := s.s.Codes()
	s.Require().NoError(codes.Upsert(s.ctx, s.code("qr1")))
	redeemed := s.code("qr2")
	redeemed.Redeemed = &domain.Redemption{At: time.Now().UTC(), By: "x", How: domain.ChannelSelf}
	s.Require().NoError(codes.Upsert(s.ctx, redeemed))

	s.Require().NoError(codes.Void(s.ctx, []string{"qr1", "qr2", "missing"}, "registration superseded"))

	got1, err := codes.Get(s.ctx, "qr1")
	s.Require().NoError(err)
	s.Equal(domain.CodeVoid, got1.Status)
	s.Equal("registration superseded", got1.VoidReason)

	got2, err := codes.Get(s.ctx, "qr2")
	s.Require().NoError(err)
	s.NotEqual(domain.CodeVoid, got2.Status)
}

func (s *MemoryStoreSuite) TestCodeListByCompetitionPages() {
	codes := s.s.Codes()
	for _, id := range []string{"qrC", "qrA", "qrB"} {
		s.Require().NoError(codes.Upsert(s.ctx, s.code(id)))
	}
	other := s.code("qrZ")
	other.Competition.ID = "comp-2"
	s.Require().NoError(codes.Upsert(s.ctx, other))

	page1, err := codes.ListByCompetition(s.ctx, "comp-1", "", 2)
	s.Require().NoError(err)
	s.Require().Len(page1, 2)
	s.Equal("qrA", page1[0].ID)
	s.Equal("qrB", page1[1].ID)

	page2, err := codes.ListByCompetition(s.ctx, "comp-1", page1[1].ID, 2)
	s.Require().NoError(err)
	s.Require().Len(page2, 1)
	s.Equal("qrC", page2[0].ID)
}

func (s *MemoryStoreSuite) TestChunkLifecycle() {
	chunks := s.s.Chunks()
	chunk := domain.Chunk{ID: "comp-1-0", CompetitionID: "comp-1", Kind: domain.ChunkParticipants, Status: domain.ChunkPending}
	s.Require().NoError(chunks.Create(s.ctx, chunk))
	s.Require().ErrorIs(chunks.Create(s.ctx, chunk), sentinel.ErrConflict)

	count, err := chunks.RecordFailure(s.ctx, "comp-1-0")
	s.Require().NoError(err)
	s.Equal(1, count)

	s.Require().NoError(chunks.MarkProcessed(s.ctx, "comp-1-0"))
	got, err := chunks.Get(s.ctx, "comp-1-0")
	s.Require().NoError(err)
	s.True(got.Processed)
	s.Equal(domain.ChunkCompleted, got.Status)
}

func (s *MemoryStoreSuite) TestNotificationDedup() {
	first, err := s.s.Notifications().MarkDispatched(s.ctx, "qr101")
	s.Require().NoError(err)
	s.True(first)

	second, err := s.s.Notifications().MarkDispatched(s.ctx, "qr101")
	s.Require().NoError(err)
	s.False(second, "a code is notified at most once")
}

func (s *MemoryStoreSuite) TestTxRollsBackOnError() {
	boom := errors.New("boom")
	err := s.s.RunInTx(s.ctx, func(tx store.Tx) error {
		s.Require().NoError(tx.Heats().Ensure(s.ctx, "comp-1", domain.Heat{ID: "h1"}))
		s.Require().NoError(tx.Registrations().Upsert(s.ctx, s.registration("h1", "101")))
		s.Require().NoError(tx.Codes().Upsert(s.ctx, s.code("qr101")))
		return boom
	})
	s.Require().ErrorIs(err, boom)

	_, err = s.s.Heats().Get(s.ctx, "comp-1", "h1")
	s.ErrorIs(err, sentinel.ErrNotFound)
	_, err = s.s.Registrations().Get(s.ctx, "comp-1", "h1", "101")
	s.ErrorIs(err, sentinel.ErrNotFound)
	_, err = s.s.Codes().Get(s.ctx, "qr101")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *MemoryStoreSuite) TestTxReadsItsOwnWrites() {
	err := s.s.RunInTx(s.ctx, func(tx store.Tx) error {
		if err := tx.Registrations().Upsert(s.ctx, s.registration("h1", "101")); err != nil {
			return err
		}
		got, err := tx.Registrations().Get(s.ctx, "comp-1", "h1", "101")
		if err != nil {
			return err
		}
		s.Equal("101", got.Dorsal)
		return nil
	})
	s.Require().NoError(err)

	got, err := s.s.Registrations().Get(s.ctx, "comp-1", "h1", "101")
	s.Require().NoError(err)
	s.Equal("qr101", got.CodeID)
}

func (s *MemoryStoreSuite) TestTxDeleteThenCommit() {
	s.Require().NoError(s.s.Registrations().Upsert(s.ctx, s.registration("h1", "101")))
	s.Require().NoError(s.s.Registrations().Upsert(s.ctx, s.registration("h1", "102")))

	err := s.s.RunInTx(s.ctx, func(tx store.Tx) error {
		return tx.Registrations().Delete(s.ctx, "comp-1", "h1", "101")
	})
	s.Require().NoError(err)

	_, err = s.s.Registrations().Get(s.ctx, "comp-1", "h1", "101")
	s.ErrorIs(err, sentinel.ErrNotFound)
	listed, err := s.s.Registrations().ListByHeat(s.ctx, "comp-1", "h1")
	s.Require().NoError(err)
	s.Len(listed, 1)
}

func (s *MemoryStoreSuite) TestConcurrentTxSerialize() {
	s.Require().NoError(s.s.Codes().Upsert(s.ctx, s.code("qr101")))

	const n = 8
	wins := make(chan bool, n)
	for i := 0; i < n; i++ {
		go func() {
			won := false
			err := s.s.RunInTx(s.ctx, func(tx store.Tx) error {
				code, err := tx.Codes().Get(s.ctx, "qr101")
				if err != nil {
					return err
				}
				if code.Redeemed != nil {
					return nil
				}
				code.Redeemed = &domain.Redemption{At: time.Now().UTC(), By: "desk", How: domain.ChannelLobby}
				won = true
				return tx.Codes().Save(s.ctx, code)
			})
			s.NoError(err)
			wins <- won
		}()
	}

	total := 0
	for i := 0; i < n; i++ {
		if <-wins {
			total++
		}
	}
	s.Equal(1, total, "exactly one transaction may observe the code unredeemed")
}
