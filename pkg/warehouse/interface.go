package warehouse

import (
	"context"
	"time"

	"github.com/kwryankrattiger/spack-infrastructure/pkg/models"
)

// Store is the transactional warehouse backend.
// Both SQLite and PostgreSQL implement this interface.
type Store interface {
	// WithTx runs fn in one transaction. The transaction commits when fn
	// returns nil and rolls back otherwise. Commit hooks registered on the
	// Tx run only after a successful commit.
	WithTx(ctx context.Context, fn func(tx *Tx) error) error

	// Provision creates the schema and the sentinel dimension rows. It is
	// safe to run repeatedly.
	Provision(ctx context.Context) error

	// Lookups used outside a job transaction
	RunnerExists(ctx context.Context, runnerID int64) (bool, error)
	JobFact(ctx context.Context, jobID int64) (*models.JobFact, error)
	JobData(ctx context.Context, jobID int64) (*models.JobDataDimension, error)

	// Counts returns the number of rows per warehouse table
	Counts(ctx context.Context) (map[string]int64, error)

	// Lifecycle
	HealthCheck(ctx context.Context) error
	Close() error
}

// Observer receives reconciliation outcomes, typically for metrics
type Observer interface {
	DimensionResolved(kind string, created bool)
	FactResolved(created bool)
}

type noopObserver struct{}

func (noopObserver) DimensionResolved(string, bool) {}
func (noopObserver) FactResolved(bool)              {}

// Config holds database configuration
type Config struct {
	Type string // "sqlite" or "postgres"
	DSN  string // Connection string

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// SQLite specific
	Path string
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "postgres", "postgresql":
		return NewPostgresStore(config)
	case "sqlite", "":
		path := config.Path
		if path == "" {
			path = config.DSN
		}
		if path == "" {
			path = "warehouse.db"
		}
		return NewSQLiteStore(path)
	default:
		return nil, ErrUnsupportedDatabase
	}
}

var (
	ErrUnsupportedDatabase = NewError("unsupported database type")
	ErrNotFound            = NewError("not found")
	// ErrReconcile means a row vanished between insert and re-select
	ErrReconcile = NewError("dimension reconciliation failed")
	// ErrSentinelMissing means the warehouse was not provisioned
	ErrSentinelMissing = NewError("sentinel dimension row missing")
	// ErrFactConflict means a fact could neither be found nor created
	ErrFactConflict = NewError("job fact conflict")
)

// NewError creates a new error with message
func NewError(message string) error {
	return &storeError{message: message}
}

type storeError struct {
	message string
}

func (e *storeError) Error() string {
	return e.message
}
