package warehouse

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/kwryankrattiger/spack-infrastructure/pkg/models"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// rebind rewrites ? placeholders into the $n form PostgreSQL expects
func (d dialect) rebind(query string) string {
	if d != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

var tables = []string{
	"date_dimension",
	"time_dimension",
	"node_dimension",
	"runner_dimension",
	"package_dimension",
	"job_data_dimension",
	"job_fact",
	"timer_data_dimension",
	"timer_phase_dimension",
	"timer_fact",
	"timer_phase_fact",
}

// sqlStore holds the behavior shared by the SQLite and PostgreSQL stores
type sqlStore struct {
	db      *sql.DB
	dialect dialect
}

// Tx is one job transaction
type Tx struct {
	tx       *sql.Tx
	dialect  dialect
	onCommit []func()
}

func (t *Tx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.dialect.rebind(query), args...)
}

func (t *Tx) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.dialect.rebind(query), args...)
}

func (t *Tx) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.dialect.rebind(query), args...)
}

// OnCommit registers fn to run after the transaction commits
func (t *Tx) OnCommit(fn func()) {
	t.onCommit = append(t.onCommit, fn)
}

func (s *sqlStore) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	tx := &Tx{tx: sqlTx, dialect: s.dialect}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	for _, hook := range tx.onCommit {
		hook()
	}
	return nil
}

func (s *sqlStore) Provision(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaFor(s.dialect)); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sentinelRows); err != nil {
		return fmt.Errorf("failed to provision sentinel rows: %w", err)
	}
	return nil
}

func (s *sqlStore) RunnerExists(ctx context.Context, runnerID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		s.dialect.rebind(`SELECT 1 FROM runner_dimension WHERE runner_id = ?`), runnerID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up runner %d: %w", runnerID, err)
	}
	return true, nil
}

func (s *sqlStore) JobFact(ctx context.Context, jobID int64) (*models.JobFact, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(selectFactColumns+` WHERE job_id = ?`), jobID)
	fact, err := scanFact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return fact, err
}

func (s *sqlStore) JobData(ctx context.Context, jobID int64) (*models.JobDataDimension, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(selectJobDataColumns+` WHERE job_id = ?`), jobID)
	jd, err := scanJobData(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return jd, err
}

func (s *sqlStore) Counts(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64, len(tables))
	for _, table := range tables {
		var n int64
		// table names come from the fixed list above
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}

func (s *sqlStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// IsTransient reports whether err is a lock or serialization conflict that
// a fresh attempt of the whole transaction can resolve
func IsTransient(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
		return false
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}
	return false
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("failed to marshal tags: %w", err)
	}
	return string(b), nil
}

func decodeTags(raw []byte) ([]string, error) {
	tags := []string{}
	if len(raw) == 0 {
		return tags, nil
	}
	if err := json.Unmarshal(raw, &tags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
	}
	return tags, nil
}
