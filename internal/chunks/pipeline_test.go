package chunks

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	"checkpoint/internal/artifacts"
	"checkpoint/internal/domain"
	"checkpoint/internal/identity"
	"checkpoint/internal/importer"
	"checkpoint/internal/notify"
	"checkpoint/internal/objstore"
	"checkpoint/internal/platform/metrics"
	"checkpoint/internal/progress"
	"checkpoint/internal/queue"
	"checkpoint/internal/redemption"
	"checkpoint/internal/retry"
	"checkpoint/internal/store/memory"
)

// syncDispatcher records notifications behind a mutex; the queue consumer
// runs on its own goroutine.
type syncDispatcher struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (d *syncDispatcher) Send(_ context.Context, msg notify.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, msg)
	return nil
}

func (d *syncDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

// PipelineSuite drives the full chain the way the server wires it: the
// importer publishes into the in-process queue, the topic router feeds the
// chunk processor, the artifact generator, and the notifier.
type PipelineSuite struct {
	suite.Suite
	ctx        context.Context
	cancel     context.CancelFunc
	store      *memory.Store
	objects    *objstore.Memory
	bus        *queue.Memory
	dispatcher *syncDispatcher
	importer   *importer.Importer
	redeemer   *redemption.Service
}

func TestPipelineSuite(t *testing.T) {
	suite.Run(t, new(PipelineSuite))
}

func (s *PipelineSuite) SetupTest() {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.store = memory.New()
	s.objects = objstore.NewMemory()
	s.dispatcher = &syncDispatcher{}
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	m := metrics.New(prometheus.NewRegistry())
	tracker := progress.NewMemory()

	hasher, err := identity.NewHasher("test-secret")
	s.Require().NoError(err)

	router := queue.NewRouter(logger, nil)
	s.bus = queue.NewMemory(router, logger)
	sched := retry.NewScheduler(s.bus, logger, retry.WithTimer(func(_ time.Duration, f func()) { f() }))

	proc := NewProcessor(s.store, s.bus, hasher, tracker, sched, m, logger, 150, 50)
	gen := artifacts.NewGenerator(s.store, s.objects, sched, m, logger)
	notifier := notify.New(s.store, s.dispatcher, m, logger)
	router.Register(queue.TopicChunkReady, queue.HandlerFunc(proc.HandleChunkReady))
	router.Register(queue.TopicCodesToGenerate, queue.HandlerFunc(gen.HandleGenerationRequest))
	router.Register(queue.TopicEmailToSend, queue.HandlerFunc(notifier.HandleNotification))

	go func() { _ = s.bus.Run(s.ctx) }()

	s.importer = importer.New(s.store, s.bus, tracker, m, logger, 500)
	s.redeemer = redemption.NewService(s.store, s.bus, m, logger)

	s.Require().NoError(s.store.Competitions().Save(s.ctx, domain.Competition{
		ID:         "comp-1",
		Name:       "Winter Open",
		Categories: []domain.Category{{ID: "cat-open", Name: "Open"}},
	}))
}

func (s *PipelineSuite) TearDownTest() {
	s.cancel()
	s.bus.Close()
}

func (s *PipelineSuite) TestImportToRedemption() {
	csv := "heatName,heatDay,heatTime,dorsal,category,name,email,contact\n" +
		"Morning,2025-01-10,09:00,101,Open,Ana,ana@example.com,+351\n" +
		"Morning,2025-01-10,09:00,102,Open,Bruno,bruno@example.com,+351\n"

	summary, err := s.importer.ImportParticipants(s.ctx, "comp-1", strings.NewReader(csv))
	s.Require().NoError(err)
	s.Equal(2, summary.AcceptedRows)
	s.Equal(1, summary.Chunks)

	// The queue drives processor then generator; wait until both codes have
	// their full artifact set.
	s.Require().Eventually(func() bool {
		for _, dorsal := range []string{"101", "102"} {
			reg, err := s.store.Registrations().Get(s.ctx, "comp-1", "2025-01-10-0900", dorsal)
			if err != nil {
				return false
			}
			code, err := s.store.Codes().Get(s.ctx, reg.CodeID)
			if err != nil || code.Status != domain.CodeReady || !code.Files.Complete() {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond, "codes never reached ready")

	heat, err := s.store.Heats().Get(s.ctx, "comp-1", "2025-01-10-0900")
	s.Require().NoError(err)
	s.Equal("Morning", heat.Name)
	regs, err := s.store.Registrations().ListByHeat(s.ctx, "comp-1", "2025-01-10-0900")
	s.Require().NoError(err)
	s.Len(regs, 2, "one registration per row, no duplicates")
	s.Greater(s.objects.Len(), 0, "artifacts written to object storage")

	reg, err := s.store.Registrations().Get(s.ctx, "comp-1", "2025-01-10-0900", "101")
	s.Require().NoError(err)
	staff := domain.Actor{Identity: "desk@example.com", Roles: []string{"staff"}}

	result, err := s.redeemer.Redeem(s.ctx, reg.CodeID, staff, domain.ChannelLobby)
	s.Require().NoError(err)
	s.True(result.Success)

	result, err = s.redeemer.Redeem(s.ctx, reg.CodeID, staff, domain.ChannelLobby)
	s.Require().NoError(err)
	s.False(result.Success)
	s.Equal("already redeemed", result.Message)

	checked, err := s.store.Registrations().Get(s.ctx, "comp-1", "2025-01-10-0900", "101")
	s.Require().NoError(err)
	s.Require().NotNil(checked.Checkin)

	s.Require().Eventually(func() bool {
		return s.dispatcher.count() == 1
	}, 5*time.Second, 10*time.Millisecond, "exactly one notification for one redemption")
}
