// Package store defines the contract interfaces implemented by each
// storage backend (sqlitestore, doltstore, memstore) and the registry used
// to select one at process startup, mirroring the teacher's storage
// provider/factory split.
package store

import (
	"context"
	"time"

	"github.com/beads-health/resourcestore/internal/record"
)

// UpsertOutcome reports whether an upsert created a new resource or
// advanced an existing one.
type UpsertOutcome int

const (
	OutcomeCreated UpsertOutcome = iota
	OutcomeUpdated
)

// UpsertResult is returned by VersionedStore.Upsert.
type UpsertResult struct {
	Outcome      UpsertOutcome
	Version      int64
	LastModified time.Time
}

// DeleteResult is returned by VersionedStore.Delete. Version is nil when the
// delete was a no-op (idempotent delete-of-absent, or hard delete).
type DeleteResult struct {
	Version *int64
}

// VersionedStore is the CRUD contract with optimistic concurrency, history
// retention, and soft/hard delete.
type VersionedStore interface {
	// Upsert creates or replaces the current version of (rec.Type,
	// rec.LogicalID). ifMatch is the caller's version expectation; nil
	// means unconditional.
	Upsert(ctx context.Context, rec *record.Record, ifMatch *int64, allowCreate, keepHistory bool) (UpsertResult, error)

	// Get resolves key.Type/LogicalID, optionally pinned to key.Version
	// (Version == 0 means "current").
	Get(ctx context.Context, key record.Key) (*record.Record, error)

	// Delete soft- or hard-deletes (type, logicalID). There is no version
	// parameter: a request to delete a specific historical version never
	// reaches this contract and must be rejected with
	// rerrors.ErrMethodNotAllowed by the caller (the HTTP layer) before
	// calling Delete.
	Delete(ctx context.Context, typ, logicalID string, hard bool) (DeleteResult, error)
}

// IndexWriter rewrites search-index rows for an existing current record
// in place, without creating a new version or touching RawBytes.
type IndexWriter interface {
	UpdateIndex(ctx context.Context, key record.Key, rows []record.IndexRow, searchParamHash string, ifMatch int64) (*record.Record, error)

	// UpdateIndicesBatch applies UpdateIndex semantics to every entry
	// atomically: if any entry fails precondition or is not found, the
	// whole batch fails and none are applied.
	UpdateIndicesBatch(ctx context.Context, updates []IndexBatchEntry) error
}

// IndexBatchEntry is one record's worth of index rewrite within a batch.
type IndexBatchEntry struct {
	Key             record.Key
	Rows            []record.IndexRow
	SearchParamHash string
	IfMatch         int64
}

// JobStatus is the lifecycle state of a ReindexJob.
type JobStatus string

const (
	JobQueued    JobStatus = "Queued"
	JobRunning   JobStatus = "Running"
	JobPaused    JobStatus = "Paused"
	JobCompleted JobStatus = "Completed"
	JobCanceled  JobStatus = "Canceled"
	JobFailed    JobStatus = "Failed"
)

// Terminal reports whether a status is one of the immutable terminal
// states (J2).
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobCanceled, JobFailed:
		return true
	default:
		return false
	}
}

// TypeCounts is the per-resource-type progress counter set.
type TypeCounts struct {
	Total     int64
	Processed int64
	Failed    int64
}

// ParamScope names one targeted resource type and its expected
// search-parameter hash once all target rules are materialized.
type ParamScope struct {
	ResourceType string
	ParamURLs    []string
	ExpectedHash string
}

// ReindexJob is the durable record of one reindex run.
type ReindexJob struct {
	ID           string
	Status       JobStatus
	ETag         string
	HeartbeatAt  time.Time
	Params       []ParamScope
	Counts       map[string]TypeCounts
	Continuation string
	CreatedAt    time.Time
	LastModified time.Time
	CanceledAt   *time.Time
	FailureNote  string
}

// JobStore is durable persistence for reindex jobs with lease acquisition.
type JobStore interface {
	CreateJob(ctx context.Context, job *ReindexJob) (*ReindexJob, error)
	GetJob(ctx context.Context, id string) (*ReindexJob, error)

	// UpdateJob is a conditional replace keyed on etag. A stale etag
	// surfaces as rerrors.ErrConflict (another writer — a heartbeat from
	// a racing acquire, a concurrent checkpoint — advanced the job first),
	// which ReindexWorker and ReindexTask retry with bounded backoff
	// rather than treating as a caller contract violation.
	UpdateJob(ctx context.Context, job *ReindexJob, etag string) (*ReindexJob, error)

	// AcquireJobs atomically claims up to maxConcurrent jobs that are
	// Queued, or Running with an expired heartbeat, stamping their
	// heartbeat and advancing their etag before returning. Must never be
	// implemented as client-side read-then-write.
	AcquireJobs(ctx context.Context, maxConcurrent int, heartbeatThreshold time.Duration) ([]*ReindexJob, error)

	// CheckActive reports whether a non-terminal job already exists,
	// enforcing J3 ahead of CreateJob.
	CheckActive(ctx context.Context) (found bool, id string, err error)
}

// ResourceLister pages through current, non-deleted resources of one type,
// the read path ReindexTask uses to discover what to re-extract. It is
// deliberately separate from VersionedStore: general search is delegated
// to the (out-of-scope) query layer, but a reindex needs a stable,
// resumable full scan of one type.
type ResourceLister interface {
	ListCurrent(ctx context.Context, typ, continuation string, limit int) (page []*record.Record, nextContinuation string, done bool, err error)
}

// Backend bundles the contracts a storage backend must satisfy.
type Backend interface {
	VersionedStore
	IndexWriter
	JobStore
	ResourceLister
	Close() error
}

// BackendFactory constructs a Backend from a dialect-specific options blob.
type BackendFactory func(ctx context.Context, opts Options) (Backend, error)

// Options configures backend construction. Not every field applies to
// every backend; unused fields are ignored by a given factory.
type Options struct {
	DSN          string
	ReadOnly     bool
	OpenTimeout  time.Duration
	ServerMode   bool
	Host         string
	Port         int
	User         string
	Password     string
	Database     string
}

var backendRegistry = map[string]BackendFactory{}

// RegisterBackend makes a backend factory available to New by name. Called
// from each backend package's init().
func RegisterBackend(name string, factory BackendFactory) {
	backendRegistry[name] = factory
}

// New dispatches to the registered factory for name.
func New(ctx context.Context, name string, opts Options) (Backend, error) {
	factory, ok := backendRegistry[name]
	if !ok {
		return nil, &UnknownBackendError{Name: name}
	}
	return factory(ctx, opts)
}

// UnknownBackendError is returned by New when name has no registered
// factory, e.g. because the backend's package (and its init registration)
// was never imported by the binary.
type UnknownBackendError struct {
	Name string
}

func (e *UnknownBackendError) Error() string {
	return "store: no backend registered under name " + e.Name
}
