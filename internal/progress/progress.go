// Package progress tracks bulk-import counters so clients can poll how far an
// import has advanced. Counters are advisory; the chunk documents remain the
// source of truth.
package progress

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// ImportID derives the tracker key for one competition's import of a given
// kind. The producer and the chunk consumers derive the same key
// independently.
func ImportID(competitionID, kind string) string {
	return competitionID + ":" + kind
}

// Snapshot is the per-import counter set.
type Snapshot struct {
	TotalRecords     int `json:"totalRecords"`
	TotalChunks      int `json:"totalChunks"`
	ProcessedRecords int `json:"processedRecords"`
	ProcessedChunks  int `json:"processedChunks"`
}

// Done reports whether every chunk of the import has been processed.
func (s Snapshot) Done() bool {
	return s.TotalChunks > 0 && s.ProcessedChunks >= s.TotalChunks
}

// Tracker records and reads import progress.
type Tracker interface {
	// Start resets the counters for one import and records its totals.
	Start(ctx context.Context, importID string, totalRecords, totalChunks int) error
	// RecordChunk adds one processed chunk and its record count.
	RecordChunk(ctx context.Context, importID string, records int) error
	Get(ctx context.Context, importID string) (Snapshot, error)
}

// keyTTL bounds how long finished import counters linger.
const keyTTL = 24 * time.Hour

// Redis implements Tracker on Redis hashes, one hash per import, with atomic
// HIncrBy updates so concurrent chunk consumers never lose a count.
type Redis struct {
	client goredis.Cmdable
}

func NewRedis(client goredis.Cmdable) *Redis {
	return &Redis{client: client}
}

var _ Tracker = (*Redis)(nil)

func key(importID string) string { return "import:progress:" + importID }

func (r *Redis) Start(ctx context.Context, importID string, totalRecords, totalChunks int) error {
	k := key(importID)
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, k)
	pipe.HSet(ctx, k,
		"totalRecords", totalRecords,
		"totalChunks", totalChunks,
		"processedRecords", 0,
		"processedChunks", 0,
	)
	pipe.Expire(ctx, k, keyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("start progress %s: %w", importID, err)
	}
	return nil
}

func (r *Redis) RecordChunk(ctx context.Context, importID string, records int) error {
	k := key(importID)
	pipe := r.client.TxPipeline()
	pipe.HIncrBy(ctx, k, "processedChunks", 1)
	pipe.HIncrBy(ctx, k, "processedRecords", int64(records))
	pipe.Expire(ctx, k, keyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record chunk progress %s: %w", importID, err)
	}
	return nil
}

// redisSnapshot mirrors Snapshot with the go-redis hash scanning tags.
type redisSnapshot struct {
	TotalRecords     int `redis:"totalRecords"`
	TotalChunks      int `redis:"totalChunks"`
	ProcessedRecords int `redis:"processedRecords"`
	ProcessedChunks  int `redis:"processedChunks"`
}

func (r *Redis) Get(ctx context.Context, importID string) (Snapshot, error) {
	var rs redisSnapshot
	if err := r.client.HGetAll(ctx, key(importID)).Scan(&rs); err != nil {
		return Snapshot{}, fmt.Errorf("read progress %s: %w", importID, err)
	}
	return Snapshot(rs), nil
}
