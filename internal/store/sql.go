package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/salbaldovinos/hoofdirect-sub000/internal/config"
	"github.com/salbaldovinos/hoofdirect-sub000/internal/logger"
)

// SQLStore persists the mutation log, local records, sync metadata and audit
// tables. The driver is chosen by config: sqlite for the embedded offline
// store, mysql when several processes share an on-prem state database.
type SQLStore struct {
	db     *sql.DB
	driver string
}

func NewSQLStore(cfg config.StorageConfig) (*SQLStore, error) {
	var driver, dsn string
	switch cfg.Type {
	case "", "sqlite":
		driver = "sqlite3"
		dsn = fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_fk=1", cfg.FilePath)
	case "mysql":
		driver = "mysql"
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
	default:
		return nil, fmt.Errorf("unsupported storage type %q", cfg.Type)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Type, err)
	}

	maxRetries := 30
	for i := 0; i < maxRetries; i++ {
		err = db.Ping()
		if err == nil {
			break
		}
		logger.Log.Info("Waiting for state DB...", zap.Error(err), zap.Int("attempt", i+1))
		time.Sleep(1 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to ping %s store after retries: %w", cfg.Type, err)
	}

	if driver == "sqlite3" {
		// A single writer connection avoids SQLITE_BUSY under concurrent appends.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
	}

	s := &SQLStore{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.recoverInFlight(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// recoverInFlight requeues entries left in_progress by a crash mid-push. The
// remote upsert contract is idempotent, so pushing again is safe.
func (s *SQLStore) recoverInFlight() error {
	res, err := s.db.Exec(`UPDATE mutation_log SET status = ? WHERE status = ?`,
		string(EntryPending), string(EntryInProgress))
	if err != nil {
		return fmt.Errorf("failed to recover in-flight entries: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		logger.Log.Warn("Requeued in-flight entries from previous run", zap.Int64("count", n))
	}
	return nil
}

func (s *SQLStore) migrate() error {
	autoInc := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == "mysql" {
		autoInc = "BIGINT PRIMARY KEY AUTO_INCREMENT"
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS mutation_log (
			id %s,
			entity_type VARCHAR(64) NOT NULL,
			entity_id VARCHAR(64) NOT NULL,
			operation VARCHAR(16) NOT NULL,
			payload TEXT,
			status VARCHAR(16) NOT NULL,
			retry_count INT NOT NULL DEFAULT 0,
			last_error TEXT,
			priority INT NOT NULL DEFAULT 0,
			next_attempt_at TIMESTAMP NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`, autoInc),
		`CREATE TABLE IF NOT EXISTS records (
			entity_type VARCHAR(64) NOT NULL,
			entity_id VARCHAR(64) NOT NULL,
			payload TEXT,
			sync_status VARCHAR(16) NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (entity_type, entity_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_metadata (
			meta_key VARCHAR(64) PRIMARY KEY,
			meta_value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conflicts (
			id VARCHAR(36) PRIMARY KEY,
			entity_type VARCHAR(64) NOT NULL,
			entity_id VARCHAR(64) NOT NULL,
			local_data TEXT,
			remote_data TEXT,
			resolution VARCHAR(16) NOT NULL,
			detected_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sync_cycles (
			id VARCHAR(36) PRIMARY KEY,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP NULL,
			entries_pushed INT NOT NULL DEFAULT 0,
			entries_failed INT NOT NULL DEFAULT 0,
			records_pulled INT NOT NULL DEFAULT 0,
			conflicts_resolved INT NOT NULL DEFAULT 0,
			status VARCHAR(16) NOT NULL,
			error_message TEXT
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	indexes := []string{
		`CREATE INDEX idx_mutation_log_entity ON mutation_log (entity_type, entity_id, status)`,
		`CREATE INDEX idx_mutation_log_drain ON mutation_log (status, priority, created_at)`,
	}
	for _, stmt := range indexes {
		if s.driver != "mysql" {
			stmt = strings.Replace(stmt, "CREATE INDEX", "CREATE INDEX IF NOT EXISTS", 1)
		}
		if _, err := s.db.Exec(stmt); err != nil {
			// MySQL has no CREATE INDEX IF NOT EXISTS; a duplicate index on
			// re-open is not a migration failure.
			if isDuplicateIndexErr(err) {
				continue
			}
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// ExecTx executes fn within a transaction.
func (s *SQLStore) ExecTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx err: %v, rb err: %v", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}

func (s *SQLStore) AppendMutation(ctx context.Context, entry *MutationEntry) (int64, error) {
	now := time.Now().UTC()
	entry.Priority = entry.Operation.Priority()
	entry.CreatedAt = now
	entry.UpdatedAt = now
	if entry.Status == "" {
		entry.Status = EntryPending
	}

	query := `INSERT INTO mutation_log (entity_type, entity_id, operation, payload, status, retry_count, last_error, priority, next_attempt_at, created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := s.db.ExecContext(ctx, query,
		entry.EntityType,
		entry.EntityID,
		string(entry.Operation),
		[]byte(entry.Payload),
		string(entry.Status),
		entry.RetryCount,
		entry.LastError,
		entry.Priority,
		entry.NextAttemptAt,
		entry.CreatedAt,
		entry.UpdatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append mutation: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	entry.ID = id
	return id, nil
}

const mutationColumns = `id, entity_type, entity_id, operation, payload, status, retry_count, last_error, priority, next_attempt_at, created_at, updated_at`

func scanMutation(row interface{ Scan(...interface{}) error }) (*MutationEntry, error) {
	var e MutationEntry
	var op, status string
	// Delete entries carry a NULL payload, which cannot scan directly into
	// json.RawMessage.
	var payload []byte
	err := row.Scan(
		&e.ID,
		&e.EntityType,
		&e.EntityID,
		&op,
		&payload,
		&status,
		&e.RetryCount,
		&e.LastError,
		&e.Priority,
		&e.NextAttemptAt,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Operation = Operation(op)
	e.Status = EntryStatus(status)
	e.Payload = payload
	return &e, nil
}

func (s *SQLStore) PeekBatch(ctx context.Context, limit int, now time.Time) ([]*MutationEntry, error) {
	query := `SELECT ` + mutationColumns + ` FROM mutation_log
			  WHERE status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
			  ORDER BY priority DESC, created_at ASC, id ASC
			  LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, string(EntryPending), now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*MutationEntry
	for rows.Next() {
		e, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLStore) MarkStatus(ctx context.Context, id int64, status EntryStatus, lastError string) error {
	query := `UPDATE mutation_log SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`
	_, err := s.db.ExecContext(ctx, query,
		string(status), nullString(lastError), time.Now().UTC(), id)
	return err
}

// MarkRetry returns the entry to pending with an incremented retry count and a
// not-before time for the next attempt.
func (s *SQLStore) MarkRetry(ctx context.Context, id int64, lastError string, nextAttemptAt time.Time) error {
	query := `UPDATE mutation_log SET status = ?, retry_count = retry_count + 1, last_error = ?, next_attempt_at = ?, updated_at = ? WHERE id = ?`
	_, err := s.db.ExecContext(ctx, query,
		string(EntryPending), nullString(lastError), nextAttemptAt, time.Now().UTC(), id)
	return err
}

// ResetMutation returns a failed entry to the pending queue with a clean
// retry budget, used by the manual-retry affordance.
func (s *SQLStore) ResetMutation(ctx context.Context, id int64) error {
	query := `UPDATE mutation_log SET status = ?, retry_count = 0, last_error = NULL, next_attempt_at = NULL, updated_at = ? WHERE id = ?`
	_, err := s.db.ExecContext(ctx, query, string(EntryPending), time.Now().UTC(), id)
	return err
}

func (s *SQLStore) LatestPendingFor(ctx context.Context, entityType, entityID string) (*MutationEntry, error) {
	query := `SELECT ` + mutationColumns + ` FROM mutation_log
			  WHERE entity_type = ? AND entity_id = ? AND status IN (?, ?)
			  ORDER BY id DESC LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, entityType, entityID,
		string(EntryPending), string(EntryFailed))

	e, err := scanMutation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ReplaceMutation overwrites operation and payload of an existing entry in
// place, used by the coalescer to supersede a pending change.
func (s *SQLStore) ReplaceMutation(ctx context.Context, entry *MutationEntry) error {
	query := `UPDATE mutation_log SET operation = ?, payload = ?, status = ?, retry_count = 0, last_error = NULL, next_attempt_at = NULL, priority = ?, updated_at = ? WHERE id = ?`
	_, err := s.db.ExecContext(ctx, query,
		string(entry.Operation),
		[]byte(entry.Payload),
		string(EntryPending),
		entry.Operation.Priority(),
		time.Now().UTC(),
		entry.ID,
	)
	return err
}

func (s *SQLStore) DeleteMutation(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM mutation_log WHERE id = ?`, id)
	return err
}

func (s *SQLStore) PendingCount(ctx context.Context) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM mutation_log WHERE status IN (?, ?, ?)`
	err := s.db.QueryRowContext(ctx, query,
		string(EntryPending), string(EntryInProgress), string(EntryFailed)).Scan(&count)
	return count, err
}

func (s *SQLStore) ListMutations(ctx context.Context, status EntryStatus, limit, offset int) ([]*MutationEntry, error) {
	query := `SELECT ` + mutationColumns + ` FROM mutation_log WHERE status = ? ORDER BY id ASC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, string(status), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*MutationEntry
	for rows.Next() {
		e, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLStore) PurgeCompletedOlderThan(ctx context.Context, ts time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM mutation_log WHERE status = ? AND updated_at < ?`,
		string(EntryCompleted), ts)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) GetRecord(ctx context.Context, entityType, entityID string) (*Record, error) {
	query := `SELECT entity_type, entity_id, payload, sync_status, updated_at FROM records
			  WHERE entity_type = ? AND entity_id = ?`

	row := s.db.QueryRowContext(ctx, query, entityType, entityID)

	var r Record
	var status string
	var payload []byte
	err := row.Scan(&r.EntityType, &r.EntityID, &payload, &status, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.SyncStatus = SyncStatus(status)
	r.Payload = payload
	return &r, nil
}

func (s *SQLStore) ListRecords(ctx context.Context, entityType string, limit, offset int) ([]*Record, error) {
	query := `SELECT entity_type, entity_id, payload, sync_status, updated_at FROM records
			  WHERE entity_type = ? ORDER BY entity_id ASC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, entityType, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var r Record
		var status string
		var payload []byte
		if err := rows.Scan(&r.EntityType, &r.EntityID, &payload, &status, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.SyncStatus = SyncStatus(status)
		r.Payload = payload
		records = append(records, &r)
	}
	return records, rows.Err()
}

func (s *SQLStore) UpsertRecord(ctx context.Context, record *Record) error {
	var query string
	if s.driver == "mysql" {
		query = `INSERT INTO records (entity_type, entity_id, payload, sync_status, updated_at)
				 VALUES (?, ?, ?, ?, ?)
				 ON DUPLICATE KEY UPDATE
				 payload = VALUES(payload), sync_status = VALUES(sync_status), updated_at = VALUES(updated_at)`
	} else {
		query = `INSERT INTO records (entity_type, entity_id, payload, sync_status, updated_at)
				 VALUES (?, ?, ?, ?, ?)
				 ON CONFLICT (entity_type, entity_id) DO UPDATE SET
				 payload = excluded.payload, sync_status = excluded.sync_status, updated_at = excluded.updated_at`
	}

	_, err := s.db.ExecContext(ctx, query,
		record.EntityType,
		record.EntityID,
		[]byte(record.Payload),
		string(record.SyncStatus),
		record.UpdatedAt,
	)
	return err
}

func (s *SQLStore) DeleteRecord(ctx context.Context, entityType, entityID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE entity_type = ? AND entity_id = ?`, entityType, entityID)
	return err
}

func (s *SQLStore) SetSyncStatus(ctx context.Context, entityType, entityID string, status SyncStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE records SET sync_status = ? WHERE entity_type = ? AND entity_id = ?`,
		string(status), entityType, entityID)
	return err
}

func (s *SQLStore) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT meta_value FROM sync_metadata WHERE meta_key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func (s *SQLStore) SetMetadata(ctx context.Context, key, value string) error {
	var query string
	if s.driver == "mysql" {
		query = `INSERT INTO sync_metadata (meta_key, meta_value) VALUES (?, ?)
				 ON DUPLICATE KEY UPDATE meta_value = VALUES(meta_value)`
	} else {
		query = `INSERT INTO sync_metadata (meta_key, meta_value) VALUES (?, ?)
				 ON CONFLICT (meta_key) DO UPDATE SET meta_value = excluded.meta_value`
	}
	_, err := s.db.ExecContext(ctx, query, key, value)
	return err
}

func (s *SQLStore) CreateConflict(ctx context.Context, conflict *Conflict) error {
	query := `INSERT INTO conflicts (id, entity_type, entity_id, local_data, remote_data, resolution, detected_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		conflict.ID,
		conflict.EntityType,
		conflict.EntityID,
		[]byte(conflict.LocalData),
		[]byte(conflict.RemoteData),
		conflict.Resolution,
		conflict.DetectedAt,
	)
	return err
}

func (s *SQLStore) ListConflicts(ctx context.Context, limit, offset int) ([]*Conflict, error) {
	query := `SELECT id, entity_type, entity_id, local_data, remote_data, resolution, detected_at
			  FROM conflicts ORDER BY detected_at DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []*Conflict
	for rows.Next() {
		var c Conflict
		var local, remote []byte
		err := rows.Scan(&c.ID, &c.EntityType, &c.EntityID, &local, &remote, &c.Resolution, &c.DetectedAt)
		if err != nil {
			return nil, err
		}
		c.LocalData = local
		c.RemoteData = remote
		conflicts = append(conflicts, &c)
	}
	return conflicts, rows.Err()
}

func (s *SQLStore) CreateSyncCycle(ctx context.Context, cycle *SyncCycle) error {
	query := `INSERT INTO sync_cycles (id, started_at, completed_at, entries_pushed, entries_failed, records_pulled, conflicts_resolved, status, error_message)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		cycle.ID,
		cycle.StartedAt,
		cycle.CompletedAt,
		cycle.EntriesPushed,
		cycle.EntriesFailed,
		cycle.RecordsPulled,
		cycle.ConflictsResolved,
		cycle.Status,
		cycle.ErrorMessage,
	)
	return err
}

func (s *SQLStore) UpdateSyncCycle(ctx context.Context, cycle *SyncCycle) error {
	query := `UPDATE sync_cycles SET completed_at = ?, entries_pushed = ?, entries_failed = ?, records_pulled = ?, conflicts_resolved = ?, status = ?, error_message = ? WHERE id = ?`

	_, err := s.db.ExecContext(ctx, query,
		cycle.CompletedAt,
		cycle.EntriesPushed,
		cycle.EntriesFailed,
		cycle.RecordsPulled,
		cycle.ConflictsResolved,
		cycle.Status,
		cycle.ErrorMessage,
		cycle.ID,
	)
	return err
}

func (s *SQLStore) GetSyncCycles(ctx context.Context, limit, offset int) ([]*SyncCycle, error) {
	query := `SELECT id, started_at, completed_at, entries_pushed, entries_failed, records_pulled, conflicts_resolved, status, error_message
			  FROM sync_cycles ORDER BY started_at DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cycles []*SyncCycle
	for rows.Next() {
		var c SyncCycle
		err := rows.Scan(&c.ID, &c.StartedAt, &c.CompletedAt, &c.EntriesPushed, &c.EntriesFailed, &c.RecordsPulled, &c.ConflictsResolved, &c.Status, &c.ErrorMessage)
		if err != nil {
			return nil, err
		}
		cycles = append(cycles, &c)
	}
	return cycles, rows.Err()
}

func isDuplicateIndexErr(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == 1061
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
