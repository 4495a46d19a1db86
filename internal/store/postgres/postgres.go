// Package postgres implements store.Store on PostgreSQL with pgx. Documents
// are persisted as JSONB with the identifying fields promoted to columns, so
// the document-shaped domain model maps directly and partial updates go
// through jsonb_set.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"checkpoint/internal/domain"
	"checkpoint/internal/store"
	"checkpoint/pkg/sentinel"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the collection
// views run unchanged inside and outside transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS competitions (
		id  TEXT PRIMARY KEY,
		doc JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS heats (
		competition_id TEXT NOT NULL,
		id             TEXT NOT NULL,
		doc            JSONB NOT NULL,
		PRIMARY KEY (competition_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS registrations (
		competition_id TEXT NOT NULL,
		heat_id        TEXT NOT NULL,
		dorsal         TEXT NOT NULL,
		doc            JSONB NOT NULL,
		PRIMARY KEY (competition_id, heat_id, dorsal)
	)`,
	`CREATE TABLE IF NOT EXISTS codes (
		id             TEXT PRIMARY KEY,
		competition_id TEXT NOT NULL,
		doc            JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS codes_competition_idx ON codes (competition_id, id)`,
	`CREATE TABLE IF NOT EXISTS chunks (
		id  TEXT PRIMARY KEY,
		doc JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS agents (
		usr      TEXT PRIMARY KEY,
		pin_hash TEXT NOT NULL,
		doc      JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		ref_id        TEXT PRIMARY KEY,
		dispatched_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

func (s *Store) ensureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

var _ store.Store = (*Store)(nil)

func (s *Store) Competitions() store.CompetitionStore { return &competitions{s.pool} }
func (s *Store) Heats() store.HeatStore               { return &heats{s.pool} }
func (s *Store) Registrations() store.RegistrationStore {
	return &registrations{s.pool}
}
func (s *Store) Codes() store.CodeStore                 { return &codes{q: s.pool} }
func (s *Store) Chunks() store.ChunkStore               { return &chunks{s.pool} }
func (s *Store) Agents() store.AgentStore               { return &agents{s.pool} }
func (s *Store) Notifications() store.NotificationStore { return &notifications{s.pool} }

// RunInTx wraps fn in a database transaction. Code reads inside the
// transaction lock the row (SELECT FOR UPDATE), which serializes concurrent
// redemptions of the same code the same way the in-memory store's coarse
// lock does.
func (s *Store) RunInTx(ctx context.Context, fn func(tx store.Tx) error) error {
	dbTx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = dbTx.Rollback(ctx) }()

	if err := fn(&pgTx{dbTx}); err != nil {
		return err
	}
	if err := dbTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Heats() store.HeatStore                 { return &heats{t.tx} }
func (t *pgTx) Registrations() store.RegistrationStore { return &registrations{t.tx} }
func (t *pgTx) Codes() store.CodeStore                 { return &codes{q: t.tx, forUpdate: true} }

func scanDoc[T any](row pgx.Row) (T, error) {
	var zero T
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return zero, sentinel.ErrNotFound
		}
		return zero, fmt.Errorf("scan document: %w", err)
	}
	var doc T
	if err := json.Unmarshal(raw, &doc); err != nil {
		return zero, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

func encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return raw, nil
}

// --- competitions ---

type competitions struct{ q querier }

func (c *competitions) Get(ctx context.Context, id string) (domain.Competition, error) {
	return scanDoc[domain.Competition](c.q.QueryRow(ctx,
		`SELECT doc FROM competitions WHERE id = $1`, id))
}

func (c *competitions) Save(ctx context.Context, competition domain.Competition) error {
	raw, err := encode(competition)
	if err != nil {
		return err
	}
	_, err = c.q.Exec(ctx, `
		INSERT INTO competitions (id, doc) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`,
		competition.ID, raw)
	if err != nil {
		return fmt.Errorf("save competition %s: %w", competition.ID, err)
	}
	return nil
}

// --- heats ---

type heats struct{ q querier }

func (h *heats) Ensure(ctx context.Context, competitionID string, heat domain.Heat) error {
	raw, err := encode(heat)
	if err != nil {
		return err
	}
	_, err = h.q.Exec(ctx, `
		INSERT INTO heats (competition_id, id, doc) VALUES ($1, $2, $3)
		ON CONFLICT (competition_id, id) DO NOTHING`,
		competitionID, heat.ID, raw)
	if err != nil {
		return fmt.Errorf("ensure heat %s/%s: %w", competitionID, heat.ID, err)
	}
	return nil
}

func (h *heats) Get(ctx context.Context, competitionID, heatID string) (domain.Heat, error) {
	return scanDoc[domain.Heat](h.q.QueryRow(ctx,
		`SELECT doc FROM heats WHERE competition_id = $1 AND id = $2`, competitionID, heatID))
}

// --- registrations ---

type registrations struct{ q querier }

func (r *registrations) Upsert(ctx context.Context, reg domain.Registration) error {
	raw, err := encode(reg)
	if err != nil {
		return err
	}
	_, err = r.q.Exec(ctx, `
		INSERT INTO registrations (competition_id, heat_id, dorsal, doc) VALUES ($1, $2, $3, $4)
		ON CONFLICT (competition_id, heat_id, dorsal) DO UPDATE SET doc = EXCLUDED.doc`,
		reg.CompetitionID, reg.HeatID, reg.Dorsal, raw)
	if err != nil {
		return fmt.Errorf("upsert registration %s/%s/%s: %w", reg.CompetitionID, reg.HeatID, reg.Dorsal, err)
	}
	return nil
}

func (r *registrations) Get(ctx context.Context, competitionID, heatID, dorsal string) (domain.Registration, error) {
	return scanDoc[domain.Registration](r.q.QueryRow(ctx, `
		SELECT doc FROM registrations
		WHERE competition_id = $1 AND heat_id = $2 AND dorsal = $3`,
		competitionID, heatID, dorsal))
}

func (r *registrations) ListByHeat(ctx context.Context, competitionID, heatID string) ([]domain.Registration, error) {
	rows, err := r.q.Query(ctx, `
		SELECT doc FROM registrations
		WHERE competition_id = $1 AND heat_id = $2
		ORDER BY dorsal`,
		competitionID, heatID)
	if err != nil {
		return nil, fmt.Errorf("list registrations %s/%s: %w", competitionID, heatID, err)
	}
	defer rows.Close()

	var regs []domain.Registration
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan registration: %w", err)
		}
		var reg domain.Registration
		if err := json.Unmarshal(raw, &reg); err != nil {
			return nil, fmt.Errorf("decode registration: %w", err)
		}
		regs = append(regs, reg)
	}
	return regs, rows.Err()
}

func (r *registrations) Delete(ctx context.Context, competitionID, heatID, dorsal string) error {
	_, err := r.q.Exec(ctx, `
		DELETE FROM registrations
		WHERE competition_id = $1 AND heat_id = $2 AND dorsal = $3`,
		competitionID, heatID, dorsal)
	if err != nil {
		return fmt.Errorf("delete registration %s/%s/%s: %w", competitionID, heatID, dorsal, err)
	}
	return nil
}

func (r *registrations) SetCheckin(ctx context.Context, competitionID, heatID, dorsal string, checkin domain.Redemption) error {
	raw, err := encode(checkin)
	if err != nil {
		return err
	}
	tag, err := r.q.Exec(ctx, `
		UPDATE registrations SET doc = jsonb_set(doc, '{checkin}', $4::jsonb)
		WHERE competition_id = $1 AND heat_id = $2 AND dorsal = $3`,
		competitionID, heatID, dorsal, raw)
	if err != nil {
		return fmt.Errorf("set checkin %s/%s/%s: %w", competitionID, heatID, dorsal, err)
	}
	if tag.RowsAffected() == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

// --- codes ---

type codes struct {
	q         querier
	forUpdate bool
}

func (c *codes) Upsert(ctx context.Context, code domain.Code) error {
	raw, err := encode(code)
	if err != nil {
		return err
	}
	// A redeemed code keeps its document as-is: redemption is final.
	_, err = c.q.Exec(ctx, `
		INSERT INTO codes (id, competition_id, doc) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET competition_id = EXCLUDED.competition_id, doc = EXCLUDED.doc
		WHERE codes.doc -> 'redeemed' IS NULL`,
		code.ID, code.Competition.ID, raw)
	if err != nil {
		return fmt.Errorf("upsert code %s: %w", code.ID, err)
	}
	return nil
}

func (c *codes) Get(ctx context.Context, id string) (domain.Code, error) {
	query := `SELECT doc FROM codes WHERE id = $1`
	if c.forUpdate {
		query += ` FOR UPDATE`
	}
	return scanDoc[domain.Code](c.q.QueryRow(ctx, query, id))
}

func (c *codes) Save(ctx context.Context, code domain.Code) error {
	raw, err := encode(code)
	if err != nil {
		return err
	}
	tag, err := c.q.Exec(ctx, `
		UPDATE codes SET competition_id = $2, doc = $3 WHERE id = $1`,
		code.ID, code.Competition.ID, raw)
	if err != nil {
		return fmt.Errorf("save code %s: %w", code.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (c *codes) SetStatus(ctx context.Context, id string, status domain.CodeStatus) error {
	tag, err := c.q.Exec(ctx, `
		UPDATE codes SET doc = jsonb_set(doc, '{status}', to_jsonb($2::text))
		WHERE id = $1`,
		id, string(status))
	if err != nil {
		return fmt.Errorf("set code status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (c *codes) Void(ctx context.Context, ids []string, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := c.q.Exec(ctx, `
		UPDATE codes SET doc = jsonb_set(
			jsonb_set(doc, '{status}', '"void"'),
			'{voidReason}', to_jsonb($2::text))
		WHERE id = ANY($1) AND doc -> 'redeemed' IS NULL`,
		ids, reason)
	if err != nil {
		return fmt.Errorf("void codes: %w", err)
	}
	return nil
}

func (c *codes) ListByCompetition(ctx context.Context, competitionID, cursor string, limit int) ([]domain.Code, error) {
	rows, err := c.q.Query(ctx, `
		SELECT doc FROM codes
		WHERE competition_id = $1 AND id > $2
		ORDER BY id
		LIMIT $3`,
		competitionID, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("list codes %s: %w", competitionID, err)
	}
	defer rows.Close()

	var out []domain.Code
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan code: %w", err)
		}
		var code domain.Code
		if err := json.Unmarshal(raw, &code); err != nil {
			return nil, fmt.Errorf("decode code: %w", err)
		}
		out = append(out, code)
	}
	return out, rows.Err()
}

// --- chunks ---

type chunks struct{ q querier }

func (c *chunks) Create(ctx context.Context, chunk domain.Chunk) error {
	raw, err := encode(chunk)
	if err != nil {
		return err
	}
	tag, err := c.q.Exec(ctx, `
		INSERT INTO chunks (id, doc) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING`,
		chunk.ID, raw)
	if err != nil {
		return fmt.Errorf("create chunk %s: %w", chunk.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return sentinel.ErrConflict
	}
	return nil
}

func (c *chunks) Get(ctx context.Context, id string) (domain.Chunk, error) {
	return scanDoc[domain.Chunk](c.q.QueryRow(ctx,
		`SELECT doc FROM chunks WHERE id = $1`, id))
}

func (c *chunks) SetStatus(ctx context.Context, id string, status domain.ChunkStatus) error {
	tag, err := c.q.Exec(ctx, `
		UPDATE chunks SET doc = jsonb_set(doc, '{status}', to_jsonb($2::text))
		WHERE id = $1`,
		id, string(status))
	if err != nil {
		return fmt.Errorf("set chunk status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (c *chunks) MarkProcessed(ctx context.Context, id string) error {
	tag, err := c.q.Exec(ctx, `
		UPDATE chunks SET doc = jsonb_set(
			jsonb_set(doc, '{processed}', 'true'),
			'{status}', '"completed"')
		WHERE id = $1`,
		id)
	if err != nil {
		return fmt.Errorf("mark chunk processed %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (c *chunks) RecordFailure(ctx context.Context, id string) (int, error) {
	var count int
	err := c.q.QueryRow(ctx, `
		UPDATE chunks SET doc = jsonb_set(
			jsonb_set(doc, '{retryCount}', to_jsonb(COALESCE((doc ->> 'retryCount')::int, 0) + 1)),
			'{status}', '"failed"')
		WHERE id = $1
		RETURNING (doc ->> 'retryCount')::int`,
		id).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, sentinel.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("record chunk failure %s: %w", id, err)
	}
	return count, nil
}

// --- agents ---

type agents struct{ q querier }

// The pin hash lives in its own column: the doc is the JSON view of the
// agent and must never contain credentials.
func (a *agents) Get(ctx context.Context, user string) (domain.Agent, error) {
	var raw []byte
	var hash string
	err := a.q.QueryRow(ctx,
		`SELECT doc, pin_hash FROM agents WHERE usr = $1`, user).Scan(&raw, &hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Agent{}, sentinel.ErrNotFound
		}
		return domain.Agent{}, fmt.Errorf("get agent %s: %w", user, err)
	}
	var agent domain.Agent
	if err := json.Unmarshal(raw, &agent); err != nil {
		return domain.Agent{}, fmt.Errorf("decode agent %s: %w", user, err)
	}
	agent.PinHash = hash
	return agent, nil
}

func (a *agents) Save(ctx context.Context, agent domain.Agent) error {
	raw, err := encode(agent)
	if err != nil {
		return err
	}
	_, err = a.q.Exec(ctx, `
		INSERT INTO agents (usr, pin_hash, doc) VALUES ($1, $2, $3)
		ON CONFLICT (usr) DO UPDATE SET pin_hash = EXCLUDED.pin_hash, doc = EXCLUDED.doc`,
		agent.User, agent.PinHash, raw)
	if err != nil {
		return fmt.Errorf("save agent %s: %w", agent.User, err)
	}
	return nil
}

// --- notifications ---

type notifications struct{ q querier }

func (n *notifications) MarkDispatched(ctx context.Context, refID string) (bool, error) {
	tag, err := n.q.Exec(ctx, `
		INSERT INTO notifications (ref_id) VALUES ($1)
		ON CONFLICT (ref_id) DO NOTHING`,
		refID)
	if err != nil {
		return false, fmt.Errorf("mark dispatched %s: %w", refID, err)
	}
	return tag.RowsAffected() == 1, nil
}
