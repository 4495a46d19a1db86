// Package store defines the persistence boundary of the pipeline. Stores are
// interface-driven so the in-memory implementation backs unit tests and the
// PostgreSQL implementation backs production, without rewiring business code.
//
// The store is also the sole synchronization point: invocations touching the
// same chunk or code serialize through RunInTx rather than external locks.
package store

import (
	"context"

	"checkpoint/internal/domain"
)

// Store aggregates the document collections and the transactional boundary.
type Store interface {
	Competitions() CompetitionStore
	Heats() HeatStore
	Registrations() RegistrationStore
	Codes() CodeStore
	Chunks() ChunkStore
	Agents() AgentStore
	Notifications() NotificationStore

	// RunInTx executes fn atomically: either every write made through tx is
	// visible to other readers, or none is. Transactions are kept short (a
	// bounded number of reads/writes) to limit contention.
	RunInTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx exposes the collections writable inside one atomic unit.
type Tx interface {
	Heats() HeatStore
	Registrations() RegistrationStore
	Codes() CodeStore
}

type CompetitionStore interface {
	Get(ctx context.Context, id string) (domain.Competition, error)
	Save(ctx context.Context, competition domain.Competition) error
}

type HeatStore interface {
	// Ensure creates the heat if absent. An existing heat is never
	// overwritten, so reprocessing cannot clobber it.
	Ensure(ctx context.Context, competitionID string, heat domain.Heat) error
	Get(ctx context.Context, competitionID, heatID string) (domain.Heat, error)
}

type RegistrationStore interface {
	// Upsert replaces the registration at (competition, heat, dorsal);
	// last import wins, duplicates are impossible by construction.
	Upsert(ctx context.Context, registration domain.Registration) error
	Get(ctx context.Context, competitionID, heatID, dorsal string) (domain.Registration, error)
	ListByHeat(ctx context.Context, competitionID, heatID string) ([]domain.Registration, error)
	Delete(ctx context.Context, competitionID, heatID, dorsal string) error
	SetCheckin(ctx context.Context, competitionID, heatID, dorsal string, checkin domain.Redemption) error
}

type CodeStore interface {
	// Upsert writes the code document. A code already redeemed is left
	// untouched: redemption is final.
	Upsert(ctx context.Context, code domain.Code) error
	Get(ctx context.Context, id string) (domain.Code, error)
	// Save persists mutations to an existing code read in the same
	// transaction (redemption record, artifact files, status).
	Save(ctx context.Context, code domain.Code) error
	SetStatus(ctx context.Context, id string, status domain.CodeStatus) error
	// Void marks the given codes void with a reason; redeemed codes are
	// skipped. Missing ids are ignored.
	Void(ctx context.Context, ids []string, reason string) error
	// ListByCompetition pages through a competition's codes ordered by id.
	// Pass the last id of the previous page as cursor, empty to start.
	ListByCompetition(ctx context.Context, competitionID, cursor string, limit int) ([]domain.Code, error)
}

type ChunkStore interface {
	Create(ctx context.Context, chunk domain.Chunk) error
	Get(ctx context.Context, id string) (domain.Chunk, error)
	SetStatus(ctx context.Context, id string, status domain.ChunkStatus) error
	// MarkProcessed flips processed=true with status completed; it is the
	// terminal success write and only happens after all sub-batches commit.
	MarkProcessed(ctx context.Context, id string) error
	// RecordFailure increments retryCount, sets status failed, and returns
	// the new count.
	RecordFailure(ctx context.Context, id string) (int, error)
}

type AgentStore interface {
	Get(ctx context.Context, user string) (domain.Agent, error)
	Save(ctx context.Context, agent domain.Agent) error
}

// NotificationStore is the dedup log that turns at-least-once notification
// delivery into at-most-one dispatch per code.
type NotificationStore interface {
	// MarkDispatched records refID; the second and later calls return false.
	MarkDispatched(ctx context.Context, refID string) (bool, error)
}
