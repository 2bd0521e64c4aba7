package storage

import (
	"time"

	"github.com/apollo-nexus/nexus/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = domain.ErrNotFound

// RunRecord is the persisted audit row of one workflow run. Payload holds
// the full JSON-encoded run as produced by the orchestrator.
type RunRecord struct {
	ID          string
	EquipmentID string
	Status      string // "success" or "error"
	State       string // terminal or failed state
	ErrorKind   string
	Error       string
	StartedAt   time.Time
	FinishedAt  time.Time
	DurationMs  int64
	Payload     []byte
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// Stats is the corpus statistics surface.
type Stats struct {
	Patterns    int `json:"patterns"`
	Solutions   int `json:"solutions"`
	Embeddings  int `json:"embeddings"`
	Inferences  int `json:"inferences"`
	Runs        int `json:"runs"`
	Actions     int `json:"actions"`
	PendingJobs int `json:"pending_jobs"`
}

// tsLayout is a fixed-width RFC 3339 layout so stored timestamps sort
// lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"
