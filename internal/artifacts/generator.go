// Package artifacts consumes codes-to-generate batches and renders the
// scannable assets of each code: a QR image, a code128 barcode, and a ticket
// document. Generation is idempotent; a code that is already ready with a
// complete file set is skipped on redelivery.
package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"log/slog"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/code128"
	"github.com/skip2/go-qrcode"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"checkpoint/internal/domain"
	"checkpoint/internal/objstore"
	"checkpoint/internal/platform/metrics"
	"checkpoint/internal/queue"
	"checkpoint/internal/retry"
	"checkpoint/internal/store"
	"checkpoint/pkg/sentinel"
)

const (
	qrSize             = 500
	barcodeWidth       = 400
	barcodeHeight      = 120
	defaultConcurrency = 8
)

type Generator struct {
	store       store.Store
	objects     objstore.Store
	sched       *retry.Scheduler
	metrics     *metrics.Metrics
	logger      *slog.Logger
	tracer      trace.Tracer
	concurrency int
}

func NewGenerator(st store.Store, objects objstore.Store, sched *retry.Scheduler, m *metrics.Metrics, logger *slog.Logger) *Generator {
	return &Generator{
		store:       st,
		objects:     objects,
		sched:       sched,
		metrics:     m,
		logger:      logger,
		tracer:      otel.Tracer("checkpoint/artifacts"),
		concurrency: defaultConcurrency,
	}
}

// HandleGenerationRequest is the codes-to-generate topic consumer. Failures
// re-enqueue the batch with backoff; past the retry cap the batch's unfinished
// codes are marked failed and the message is acknowledged.
func (g *Generator) HandleGenerationRequest(ctx context.Context, msg *queue.Message) error {
	var req queue.GenerationRequest
	if err := msg.Decode(&req); err != nil {
		g.logger.Error("dropping undecodable generation request", "error", err)
		return nil
	}
	if len(req.CodeIDs) == 0 {
		return nil
	}

	if err := g.Generate(ctx, req.CodeIDs); err != nil {
		g.logger.Error("generation batch failed", "codes", len(req.CodeIDs), "error", err)
		g.metrics.GenerateRetries.Inc()

		schedErr := g.sched.Schedule(ctx, queue.TopicCodesToGenerate, string(msg.Key), req.RetryCount, func(next int) any {
			return queue.GenerationRequest{CodeIDs: req.CodeIDs, RetryCount: next}
		})
		if errors.Is(schedErr, sentinel.ErrPermanent) {
			g.markFailed(ctx, req.CodeIDs)
			return nil
		}
		return schedErr
	}
	return nil
}

func (g *Generator) markFailed(ctx context.Context, codeIDs []string) {
	for _, id := range codeIDs {
		code, err := g.store.Codes().Get(ctx, id)
		if err != nil || (code.Status == domain.CodeReady && code.Files.Complete()) {
			continue
		}
		if err := g.store.Codes().SetStatus(ctx, id, domain.CodeFailed); err != nil {
			g.logger.Error("marking code failed", "code", id, "error", err)
		}
	}
}

// Generate renders and stores the artifacts for every code in the batch,
// bounded-concurrently. The first error aborts the batch; completed codes
// stay ready and are skipped when the batch is retried.
func (g *Generator) Generate(ctx context.Context, codeIDs []string) error {
	ctx, span := g.tracer.Start(ctx, "artifacts.Generate",
		trace.WithAttributes(attribute.Int("batch.size", len(codeIDs))))
	defer span.End()

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(g.concurrency)
	for _, id := range codeIDs {
		group.Go(func() error {
			return g.generateOne(ctx, id)
		})
	}
	return group.Wait()
}

func (g *Generator) generateOne(ctx context.Context, codeID string) error {
	code, err := g.store.Codes().Get(ctx, codeID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			g.logger.Warn("generation requested for unknown code, skipping", "code", codeID)
			return nil
		}
		return err
	}

	switch {
	case code.Status == domain.CodeReady && code.Files.Complete():
		return nil
	case code.Status == domain.CodeVoid:
		g.logger.Info("skipping void code", "code", codeID)
		return nil
	}

	if err := g.store.Codes().SetStatus(ctx, codeID, domain.CodeProcessing); err != nil {
		return err
	}

	qrPNG, err := qrcode.Encode(code.ID, qrcode.High, qrSize)
	if err != nil {
		return fmt.Errorf("render qr %s: %w", codeID, err)
	}
	barcodePNG, err := renderBarcode(code.ID)
	if err != nil {
		return fmt.Errorf("render barcode %s: %w", codeID, err)
	}
	ticketPDF, err := renderTicket(code, qrPNG)
	if err != nil {
		return fmt.Errorf("render ticket %s: %w", codeID, err)
	}

	var files domain.CodeFiles
	if files.QR, err = g.objects.Put(ctx, objstore.CodePath(code, "qr.png"), "image/png", qrPNG); err != nil {
		return err
	}
	if files.Barcode, err = g.objects.Put(ctx, objstore.CodePath(code, "barcode.png"), "image/png", barcodePNG); err != nil {
		return err
	}
	if files.Ticket, err = g.objects.Put(ctx, objstore.CodePath(code, "ticket.pdf"), "application/pdf", ticketPDF); err != nil {
		return err
	}

	// Reread inside the transaction so a redemption that landed while we were
	// rendering is never overwritten.
	err = g.store.RunInTx(ctx, func(tx store.Tx) error {
		current, err := tx.Codes().Get(ctx, codeID)
		if err != nil {
			return err
		}
		current.Files = files
		current.Status = domain.CodeReady
		return tx.Codes().Save(ctx, current)
	})
	if err != nil {
		return fmt.Errorf("store artifacts %s: %w", codeID, err)
	}

	g.metrics.CodesGenerated.Inc()
	g.logger.Info("artifacts generated", "code", codeID)
	return nil
}

func renderBarcode(text string) ([]byte, error) {
	bc, err := code128.Encode(text)
	if err != nil {
		return nil, err
	}
	scaled, err := barcode.Scale(bc, barcodeWidth, barcodeHeight)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, scaled); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
