/*
Copyright 2025 The UniMQ Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package backends

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	pkgerrors "github.com/pkg/errors"

	// Postgres driver; the mysql import above registers the other flavor.
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/unimq/unimq/pkg/queue"
	"github.com/unimq/unimq/pkg/queue/queueconfig"
)

const (
	sqlFlavorPostgres = "postgres"
	sqlFlavorMySQL    = "mysql"

	defaultSQLMaxRetries = 3
)

// Deadlock and serialization failures worth retrying, duplicate keys worth
// swallowing.
const (
	pgDeadlockDetected     = "40P01"
	pgSerializationFailure = "40001"
	pgUniqueViolation      = "23505"

	mysqlDeadlock     = 1213
	mysqlLockWaitTimo = 1205
	mysqlDupEntry     = 1062
)

type sqlMetadata struct {
	// Connection is the driver DSN. Kept in authParams so credential dumps
	// stay out of plain settings.
	Connection string `queue:"name=connection,order=authParams;settings;resolvedEnv"`

	TableName          string `queue:"name=tableName,order=settings,default=queue"`
	TableNameEphemeral string `queue:"name=tableNameEphemeral,order=settings,default=queue_ephemeral"`

	// MaxRetries bounds how often a deadlocked transaction is replayed.
	MaxRetries int `queue:"name=maxRetries,order=settings,default=3"`

	MaxOpenConns int `queue:"name=maxOpenConns,order=settings,default=8"`
}

func (m *sqlMetadata) Validate() error {
	if m.MaxRetries < 0 {
		m.MaxRetries = defaultSQLMaxRetries
	}
	return nil
}

// sqlStore keeps two identically shaped tables, one for queued messages and
// one for in-flight ones. Every mutating operation runs in its own
// serializable transaction; take moves a row between the tables in one of
// them.
type sqlStore struct {
	meta   *sqlMetadata
	flavor string
	driver string
	log    logr.Logger

	db *sql.DB
}

func newSQLStore(cfg *queueconfig.Config, flavor string, log logr.Logger) (*sqlStore, error) {
	meta := &sqlMetadata{}
	if err := cfg.TypedConfig(meta); err != nil {
		return nil, fmt.Errorf("%w: %s", queue.ErrConfiguration, err.Error())
	}
	driver := "pgx"
	if flavor == sqlFlavorMySQL {
		driver = "mysql"
	}
	return &sqlStore{meta: meta, flavor: flavor, driver: driver, log: log}, nil
}

func (s *sqlStore) Init(ctx context.Context) error {
	db, err := sql.Open(s.driver, s.meta.Connection)
	if err != nil {
		return pkgerrors.Wrap(err, "opening database")
	}
	db.SetMaxOpenConns(s.meta.MaxOpenConns)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return pkgerrors.Wrap(err, "pinging database")
	}
	s.db = db
	return nil
}

func (s *sqlStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// rebind rewrites ? placeholders into the $n form postgres drivers expect.
func (s *sqlStore) rebind(query string) string {
	if s.flavor != sqlFlavorPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// insertIgnoreSQL builds an insert that tolerates an existing row with the
// same id; used where another actor may have completed the same move.
func (s *sqlStore) insertIgnoreSQL(table string) string {
	if s.flavor == sqlFlavorMySQL {
		return fmt.Sprintf(
			"INSERT IGNORE INTO %s (id, original_ts, ts, num_requeues, content) VALUES (?, ?, ?, ?, ?)", table)
	}
	return s.rebind(fmt.Sprintf(
		"INSERT INTO %s (id, original_ts, ts, num_requeues, content) VALUES (?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING", table))
}

// execTx is the transactional executor: serializable isolation, rollback on
// failure, bounded replay on deadlock-class errors, duplicate-key-on-insert
// treated as success. Message counters are never touched in here, so a
// replayed transition cannot inflate them.
func (s *sqlStore) execTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	for attempt := 0; ; attempt++ {
		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if isDuplicateKey(err) {
			// Another actor already completed this state change.
			s.log.Info("duplicate key treated as success", "op", op, "error", err.Error())
			return nil
		}
		if !isDeadlock(err) || attempt >= s.meta.MaxRetries {
			return pkgerrors.Wrap(err, op)
		}
		s.log.V(1).Info("deadlock detected, replaying transaction", "op", op, "attempt", attempt+1)
	}
}

func (s *sqlStore) runTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return pkgerrors.Wrap(err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isDeadlock(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgDeadlockDetected || pgErr.Code == pgSerializationFailure
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDeadlock || myErr.Number == mysqlLockWaitTimo
	}
	return false
}

func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDupEntry
	}
	return false
}

func (s *sqlStore) Push(ctx context.Context, m *queue.Message) (bool, error) {
	insert := s.rebind(fmt.Sprintf(
		"INSERT INTO %s (id, original_ts, ts, num_requeues, content) VALUES (?, ?, ?, ?, ?)", s.meta.TableName))
	err := s.execTx(ctx, "push", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, insert, m.ID, m.OriginalTimestamp, m.Timestamp, m.NumRequeues, m.Payload)
		return err
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqlStore) Pop(ctx context.Context, _ time.Time) (*queue.Message, error) {
	sel := s.rebind(fmt.Sprintf(
		"SELECT id, original_ts, ts, num_requeues, content FROM %s ORDER BY ts LIMIT 1 FOR UPDATE", s.meta.TableName))
	del := s.rebind(fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.meta.TableName))
	stash := s.insertIgnoreSQL(s.meta.TableNameEphemeral)

	var m *queue.Message
	err := s.execTx(ctx, "pop", func(tx *sql.Tx) error {
		m = nil
		row := tx.QueryRowContext(ctx, sel)
		var scanned queue.Message
		if err := row.Scan(&scanned.ID, &scanned.OriginalTimestamp, &scanned.Timestamp, &scanned.NumRequeues, &scanned.Payload); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		if _, err := tx.ExecContext(ctx, del, scanned.ID); err != nil {
			return err
		}
		// The row moves between the tables unchanged; orphan scans key off
		// original_ts, so take time is not recorded.
		res, err := tx.ExecContext(ctx, stash, scanned.ID, scanned.OriginalTimestamp, scanned.Timestamp, scanned.NumRequeues, scanned.Payload)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			s.log.Info("message already in flight, stash skipped", "id", scanned.ID)
		}
		m = &scanned
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *sqlStore) Unstash(ctx context.Context, id string) error {
	del := s.rebind(fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.meta.TableNameEphemeral))
	return s.execTx(ctx, "unstash", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, del, id)
		return err
	})
}

func (s *sqlStore) QueuedCount(ctx context.Context) (int64, error) {
	return s.count(ctx, s.meta.TableName)
}

func (s *sqlStore) EphemeralCount(ctx context.Context) (int64, error) {
	return s.count(ctx, s.meta.TableNameEphemeral)
}

func (s *sqlStore) count(ctx context.Context, table string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *sqlStore) ScanOrphans(ctx context.Context, cutoff time.Time, limit int) ([]*queue.Message, error) {
	sel := s.rebind(fmt.Sprintf(
		"SELECT id, original_ts, ts, num_requeues, content FROM %s WHERE original_ts < ? ORDER BY original_ts LIMIT %d",
		s.meta.TableNameEphemeral, limit))
	rows, err := s.db.QueryContext(ctx, sel, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orphans []*queue.Message
	for rows.Next() {
		var m queue.Message
		if err := rows.Scan(&m.ID, &m.OriginalTimestamp, &m.Timestamp, &m.NumRequeues, &m.Payload); err != nil {
			return nil, err
		}
		orphans = append(orphans, &m)
	}
	return orphans, rows.Err()
}

func (s *sqlStore) Restore(ctx context.Context, id string) (bool, error) {
	sel := s.rebind(fmt.Sprintf(
		"SELECT id, original_ts, ts, num_requeues, content FROM %s WHERE id = ? FOR UPDATE", s.meta.TableNameEphemeral))
	del := s.rebind(fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.meta.TableNameEphemeral))
	insert := s.insertIgnoreSQL(s.meta.TableName)

	moved := false
	err := s.execTx(ctx, "restore", func(tx *sql.Tx) error {
		moved = false
		row := tx.QueryRowContext(ctx, sel, id)
		var m queue.Message
		if err := row.Scan(&m.ID, &m.OriginalTimestamp, &m.Timestamp, &m.NumRequeues, &m.Payload); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		if _, err := tx.ExecContext(ctx, del, m.ID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, insert, m.ID, m.OriginalTimestamp, m.Timestamp, m.NumRequeues, m.Payload); err != nil {
			return err
		}
		moved = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return moved, nil
}
