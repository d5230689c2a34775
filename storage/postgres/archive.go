package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"

	"relaybox/core/apperror"
	"relaybox/core/id"
	"relaybox/outbox"
)

// CompressionAlgo specifies the compression algorithm used for archived
// payloads.
type CompressionAlgo string

const (
	CompressionNone CompressionAlgo = "none"
	CompressionZstd CompressionAlgo = "zstd"
)

// Archiver moves terminal outbox rows (sent, dead) into the archive
// table, compressing large payloads. Retention scheduling is the
// operator's: call ArchiveTerminal from a cron or a worker ticker.
type Archiver struct {
	pool              *pgxpool.Pool
	cfg               Config
	encoder           *zstd.Encoder
	compressThreshold int // bytes
	batchSize         int
}

// NewArchiver creates a new archiver.
func NewArchiver(pool *Pool, cfg Config) (*Archiver, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}

	return &Archiver{
		pool:              pool.Pool,
		cfg:               cfg.withDefaults(),
		encoder:           encoder,
		compressThreshold: 10 * 1024, // 10KB
		batchSize:         500,
	}, nil
}

// ArchiveTerminal moves sent/dead rows whose terminal timestamp predates
// the cutoff into the archive table. Returns the number of rows moved.
func (a *Archiver) ArchiveTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	var total int64
	for {
		n, err := a.archiveBatch(ctx, olderThan)
		if err != nil {
			return total, err
		}
		total += n
		if n < int64(a.batchSize) {
			return total, nil
		}
	}
}

func (a *Archiver) archiveBatch(ctx context.Context, olderThan time.Time) (int64, error) {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return 0, apperror.NewDatabase("begin archive transaction", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	rows, err := tx.Query(ctx, fmt.Sprintf(`
		SELECT event_id, aggregate_type, aggregate_id, event_type, payload, headers,
		       status, attempts, created_at, published_at, last_error, dead_at
		FROM %s
		WHERE (status = $1 AND published_at < $3)
		   OR (status = $2 AND dead_at < $3)
		ORDER BY created_at
		LIMIT $4
		FOR UPDATE SKIP LOCKED
	`, a.cfg.OutboxTable),
		outbox.StatusSent, outbox.StatusDead, olderThan, a.batchSize)
	if err != nil {
		return 0, apperror.NewDatabase("select archivable events", err)
	}

	var events []*outbox.Event
	for rows.Next() {
		var ev outbox.Event
		err := rows.Scan(
			&ev.ID, &ev.AggregateType, &ev.AggregateID, &ev.EventType,
			&ev.Payload, &ev.Headers, &ev.Status, &ev.Attempts,
			&ev.CreatedAt, &ev.PublishedAt, &ev.LastError, &ev.DeadAt,
		)
		if err != nil {
			rows.Close()
			return 0, apperror.NewDatabase("scan archivable event", err)
		}
		events = append(events, &ev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, apperror.NewDatabase("iterate archivable events", err)
	}

	if len(events) == 0 {
		return 0, tx.Commit(ctx)
	}

	archivedAt := time.Now().UTC()
	batch := &pgx.Batch{}
	ids := make([]id.ID, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ID)

		payload := ev.Payload
		var compressed []byte
		algo := CompressionNone
		if len(payload) > a.compressThreshold {
			compressed = a.encoder.EncodeAll(payload, nil)
			payload = nil
			algo = CompressionZstd
		}

		batch.Queue(fmt.Sprintf(`
			INSERT INTO %s (event_id, aggregate_type, aggregate_id, event_type,
			                payload, payload_compressed, compression_algo, headers,
			                status, attempts, created_at, published_at, last_error, dead_at, archived_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		`, a.cfg.ArchiveTable),
			ev.ID, ev.AggregateType, ev.AggregateID, ev.EventType,
			payload, compressed, algo, ev.Headers,
			ev.Status, ev.Attempts, ev.CreatedAt, ev.PublishedAt, ev.LastError, ev.DeadAt, archivedAt)
	}

	results := tx.SendBatch(ctx, batch)
	for range events {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return 0, apperror.NewDatabase("insert archive row", err)
		}
	}
	if err := results.Close(); err != nil {
		return 0, apperror.NewDatabase("close archive batch", err)
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE event_id = ANY($1)`, a.cfg.OutboxTable), ids); err != nil {
		return 0, apperror.NewDatabase("delete archived events", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, apperror.NewDatabase("commit archive transaction", err)
	}
	return int64(len(events)), nil
}
