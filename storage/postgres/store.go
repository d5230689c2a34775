package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"relaybox/core/apperror"
	"relaybox/core/id"
	"relaybox/dispatch"
	"relaybox/inbox"
	"relaybox/outbox"
)

// maxErrorLen bounds last_error; anything longer is diagnostic noise.
const maxErrorLen = 500

// Config holds the physical table names.
type Config struct {
	OutboxTable  string
	InboxTable   string
	ArchiveTable string
}

// DefaultConfig returns the default table names.
func DefaultConfig() Config {
	return Config{
		OutboxTable:  "outbox_events",
		InboxTable:   "inbox_records",
		ArchiveTable: "outbox_events_archive",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.OutboxTable == "" {
		c.OutboxTable = def.OutboxTable
	}
	if c.InboxTable == "" {
		c.InboxTable = def.InboxTable
	}
	if c.ArchiveTable == "" {
		c.ArchiveTable = def.ArchiveTable
	}
	return c
}

var outboxColumns = []string{
	"event_id", "aggregate_type", "aggregate_id", "event_type",
	"payload", "headers", "status", "attempts", "next_attempt_at",
	"created_at", "published_at", "last_error", "dead_at",
}

// Store implements outbox.Store, dispatch.Store and inbox.Store over
// PostgreSQL. One value serves all three contracts.
type Store struct {
	pool      *pgxpool.Pool
	txManager *TxManager
	cfg       Config
}

var (
	_ outbox.Store   = (*Store)(nil)
	_ dispatch.Store = (*Store)(nil)
	_ inbox.Store    = (*Store)(nil)
)

// NewStore creates a store over the given pool.
func NewStore(pool *Pool, txManager *TxManager, cfg Config) *Store {
	return NewStoreFromRawPool(pool.Pool, txManager, cfg)
}

// NewStoreFromRawPool creates a store from a raw pgxpool.Pool.
func NewStoreFromRawPool(pool *pgxpool.Pool, txManager *TxManager, cfg Config) *Store {
	return &Store{
		pool:      pool,
		txManager: txManager,
		cfg:       cfg.withDefaults(),
	}
}

// builder returns a squirrel builder with PostgreSQL placeholder format.
func (s *Store) builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

// --- outbox.Store ---

// Insert writes a pending event through the caller's transaction.
// MUST be called inside a transaction context: the row becomes visible
// if and only if that transaction commits.
func (s *Store) Insert(ctx context.Context, event *outbox.Event) error {
	tx := s.txManager.GetTx(ctx)
	if tx == nil {
		return apperror.NewNoTransaction("outbox insert")
	}

	_, err := tx.Exec(ctx, s.insertEventSQL(), s.insertEventArgs(event)...)
	if err != nil {
		return apperror.NewDatabase("insert outbox event", err)
	}
	return nil
}

// InsertBatch writes multiple pending events through the caller's
// transaction in a single round trip.
func (s *Store) InsertBatch(ctx context.Context, events []*outbox.Event) error {
	tx := s.txManager.GetTx(ctx)
	if tx == nil {
		return apperror.NewNoTransaction("outbox insert")
	}

	batch := &pgx.Batch{}
	for _, event := range events {
		batch.Queue(s.insertEventSQL(), s.insertEventArgs(event)...)
	}

	results := tx.SendBatch(ctx, batch)
	defer results.Close()

	for range events {
		if _, err := results.Exec(); err != nil {
			return apperror.NewDatabase("batch insert outbox event", err)
		}
	}
	return nil
}

func (s *Store) insertEventSQL() string {
	return fmt.Sprintf(`
		INSERT INTO %s (event_id, aggregate_type, aggregate_id, event_type, payload, headers, status, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, s.cfg.OutboxTable)
}

func (s *Store) insertEventArgs(event *outbox.Event) []any {
	return []any{
		event.ID, event.AggregateType, event.AggregateID, event.EventType,
		event.Payload, event.Headers, event.Status, event.Attempts, event.CreatedAt,
	}
}

// --- dispatch.Store ---

// ClaimBatch returns up to batchSize claimable events, ascending by
// created_at, skipping rows locked by other workers. The row locks live
// only for the short claim transaction: it is closed before the caller
// publishes, so settlement races are resolved by the conditional updates
// in MarkSent/MarkFailed rather than by held locks.
func (s *Store) ClaimBatch(ctx context.Context, batchSize int, policy dispatch.RetryPolicy) ([]*outbox.Event, error) {
	sql, args, err := s.buildClaimQuery(time.Now().UTC(), batchSize, policy.WithDefaults())
	if err != nil {
		return nil, fmt.Errorf("build claim query: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, apperror.NewDatabase("begin claim transaction", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	var events []*outbox.Event
	if err := pgxscan.Select(ctx, tx, &events, sql, args...); err != nil {
		return nil, apperror.NewDatabase("claim outbox batch", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperror.NewDatabase("commit claim transaction", err)
	}
	return events, nil
}

// buildClaimQuery assembles the claim select: pending rows, plus failed
// rows whose retry is due and whose attempt budget is not exhausted.
func (s *Store) buildClaimQuery(now time.Time, batchSize int, policy dispatch.RetryPolicy) (string, []any, error) {
	return s.builder().
		Select(outboxColumns...).
		From(s.cfg.OutboxTable).
		Where(squirrel.Or{
			squirrel.Eq{"status": outbox.StatusPending},
			squirrel.And{
				squirrel.Eq{"status": outbox.StatusFailed},
				squirrel.LtOrEq{"next_attempt_at": now},
				squirrel.Lt{"attempts": policy.MaxAttempts},
			},
		}).
		OrderBy("created_at ASC").
		Limit(uint64(batchSize)).
		Suffix("FOR UPDATE SKIP LOCKED").
		ToSql()
}

// MarkSent transitions an event to sent. Terminal rows are never
// overwritten.
func (s *Store) MarkSent(ctx context.Context, eventID id.ID) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = $1, published_at = $2, next_attempt_at = NULL
		WHERE event_id = $3 AND status NOT IN ($4, $5)
	`, s.cfg.OutboxTable),
		outbox.StatusSent, time.Now().UTC(), eventID,
		outbox.StatusSent, outbox.StatusDead)
	if err != nil {
		return apperror.NewDatabase("mark outbox sent", err)
	}
	return nil
}

// MarkFailed increments attempts and schedules a retry, or dead-letters
// the event once the attempt budget is exhausted. Terminal rows are never
// overwritten.
func (s *Store) MarkFailed(ctx context.Context, eventID id.ID, errMsg string, priorAttempts int, policy dispatch.RetryPolicy) (outbox.Status, error) {
	policy = policy.WithDefaults()
	now := time.Now().UTC()
	newAttempts := priorAttempts + 1
	errMsg = truncateError(errMsg)

	if newAttempts >= policy.MaxAttempts {
		_, err := s.pool.Exec(ctx, fmt.Sprintf(`
			UPDATE %s
			SET status = $1, attempts = $2, last_error = $3, dead_at = $4, next_attempt_at = NULL
			WHERE event_id = $5 AND status NOT IN ($6, $7)
		`, s.cfg.OutboxTable),
			outbox.StatusDead, newAttempts, errMsg, now, eventID,
			outbox.StatusSent, outbox.StatusDead)
		if err != nil {
			return "", apperror.NewDatabase("mark outbox dead", err)
		}
		return outbox.StatusDead, nil
	}

	nextAttemptAt := now.Add(dispatch.Backoff(newAttempts, policy))
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = $1, attempts = $2, last_error = $3, next_attempt_at = $4
		WHERE event_id = $5 AND status NOT IN ($6, $7)
	`, s.cfg.OutboxTable),
		outbox.StatusFailed, newAttempts, errMsg, nextAttemptAt, eventID,
		outbox.StatusSent, outbox.StatusDead)
	if err != nil {
		return "", apperror.NewDatabase("mark outbox failed", err)
	}
	return outbox.StatusFailed, nil
}

// --- inbox.Store ---

// AcquireLock attempts to insert a processing lease; on conflict it tries
// to take over an expired one. Exactly one row changed means the lock was
// gained; anything else (live lease, processed, failed) means false.
func (s *Store) AcquireLock(ctx context.Context, consumer, messageID string, ttl time.Duration) (bool, error) {
	q := s.txManager.GetQuerier(ctx)
	now := time.Now().UTC()
	lockedUntil := now.Add(ttl)

	tag, err := q.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (consumer, message_id, status, locked_until, created_at, retry_count)
		VALUES ($1, $2, $3, $4, $5, 0)
		ON CONFLICT (consumer, message_id) DO NOTHING
	`, s.cfg.InboxTable),
		consumer, messageID, inbox.StatusProcessing, lockedUntil, now)
	if err != nil {
		return false, apperror.NewDatabase("insert inbox lease", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	// Row exists: take over only an expired processing lease.
	tag, err = q.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET locked_until = $1, retry_count = retry_count + 1, last_error = $2
		WHERE consumer = $3 AND message_id = $4 AND status = $5 AND locked_until < $6
	`, s.cfg.InboxTable),
		lockedUntil, inbox.TakeoverError, consumer, messageID, inbox.StatusProcessing, now)
	if err != nil {
		return false, apperror.NewDatabase("takeover inbox lease", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkProcessed records terminal success for a message.
func (s *Store) MarkProcessed(ctx context.Context, consumer, messageID string) error {
	q := s.txManager.GetQuerier(ctx)
	_, err := q.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = $1, processed_at = $2, locked_until = NULL
		WHERE consumer = $3 AND message_id = $4
	`, s.cfg.InboxTable),
		inbox.StatusProcessed, time.Now().UTC(), consumer, messageID)
	if err != nil {
		return apperror.NewDatabase("mark inbox processed", err)
	}
	return nil
}

// MarkFailed records terminal failure for a message. The lease row is not
// released; subsequent redeliveries are skipped until an operator
// intervenes.
func (s *Store) MarkFailed(ctx context.Context, consumer, messageID, errMsg string) error {
	q := s.txManager.GetQuerier(ctx)
	_, err := q.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = $1, last_error = $2
		WHERE consumer = $3 AND message_id = $4
	`, s.cfg.InboxTable),
		inbox.StatusFailed, truncateError(errMsg), consumer, messageID)
	if err != nil {
		return apperror.NewDatabase("mark inbox failed", err)
	}
	return nil
}

// --- lookups and operator helpers ---

// GetEvent fetches one outbox event by id.
func (s *Store) GetEvent(ctx context.Context, eventID id.ID) (*outbox.Event, error) {
	q := s.builder().
		Select(outboxColumns...).
		From(s.cfg.OutboxTable).
		Where(squirrel.Eq{"event_id": eventID})

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build event query: %w", err)
	}

	var event outbox.Event
	if err := pgxscan.Get(ctx, s.pool, &event, sql, args...); err != nil {
		return nil, apperror.NewDatabase("get outbox event", err)
	}
	return &event, nil
}

// GetInboxRecord fetches one inbox record.
func (s *Store) GetInboxRecord(ctx context.Context, consumer, messageID string) (*inbox.Record, error) {
	q := s.builder().
		Select("consumer", "message_id", "status", "locked_until",
			"created_at", "processed_at", "last_error", "retry_count").
		From(s.cfg.InboxTable).
		Where(squirrel.Eq{"consumer": consumer, "message_id": messageID})

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build inbox query: %w", err)
	}

	var record inbox.Record
	if err := pgxscan.Get(ctx, s.pool, &record, sql, args...); err != nil {
		return nil, apperror.NewDatabase("get inbox record", err)
	}
	return &record, nil
}

// CountByStatus returns outbox row counts per status, for dashboards and
// alerting on dead-letter growth.
func (s *Store) CountByStatus(ctx context.Context) (map[outbox.Status]int64, error) {
	sql, args, err := s.builder().
		Select("status", "COUNT(*) AS n").
		From(s.cfg.OutboxTable).
		GroupBy("status").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build count query: %w", err)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, apperror.NewDatabase("count outbox by status", err)
	}
	defer rows.Close()

	counts := make(map[outbox.Status]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, apperror.NewDatabase("scan status count", err)
		}
		counts[outbox.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.NewDatabase("iterate status counts", err)
	}
	return counts, nil
}

// ResetDead requeues dead events that died before the cutoff back to
// pending. Operator tool for use after the underlying failure is fixed.
func (s *Store) ResetDead(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = $1, attempts = 0, next_attempt_at = NULL, dead_at = NULL, last_error = NULL
		WHERE status = $2 AND dead_at < $3
	`, s.cfg.OutboxTable),
		outbox.StatusPending, outbox.StatusDead, before)
	if err != nil {
		return 0, apperror.NewDatabase("reset dead events", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteInboxBefore removes processed inbox records older than the cutoff.
// failed rows are kept: they encode a decision an operator still owes.
func (s *Store) DeleteInboxBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		DELETE FROM %s
		WHERE status = $1 AND processed_at < $2
	`, s.cfg.InboxTable),
		inbox.StatusProcessed, before)
	if err != nil {
		return 0, apperror.NewDatabase("delete inbox records", err)
	}
	return tag.RowsAffected(), nil
}

// truncateError bounds an error message for storage.
func truncateError(msg string) string {
	if len(msg) > maxErrorLen {
		return msg[:maxErrorLen]
	}
	return msg
}
