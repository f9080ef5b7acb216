package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Job states. A job is terminal when stored or failed.
const (
	StateQueued    = "queued"
	StateResolving = "resolving"
	StateFetching  = "fetching"
	StateVerifying = "verifying"
	StateStored    = "stored"
	StateFailed    = "failed"
)

// Job is one journaled download, keyed by a generated id. The journal
// keeps terminal jobs as history; the live coalescing map belongs to
// the download service, not here.
type Job struct {
	ID          string
	DOI         string
	Destination string
	State       string
	Attempts    int
	ContentHash string
	BytesRead   int64
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Terminal reports whether the job reached a final state.
func (j Job) Terminal() bool {
	return j.State == StateStored || j.State == StateFailed
}

// Access is one tool invocation touching a DOI, kept for the
// recent-papers listing.
type Access struct {
	ID        int64
	DOI       string
	Tool      string
	CreatedAt time.Time
}
