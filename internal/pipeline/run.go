package pipeline

import (
	"time"

	"github.com/apollo-nexus/nexus/internal/domain"
	"github.com/apollo-nexus/nexus/internal/tools"
)

// State is a workflow state machine state.
type State string

const (
	StateIngesting     State = "INGESTING"
	StateSearching     State = "SEARCHING"
	StateAnalyzing     State = "ANALYZING"
	StateExternalTools State = "EXTERNAL_TOOLS"
	StateSolving       State = "SOLVING"
	StateActing        State = "ACTING"
	StateComplete      State = "COMPLETE"
	StateError         State = "ERROR"
)

// Stages lists the working states in execution order.
var Stages = []State{StateIngesting, StateSearching, StateAnalyzing, StateExternalTools, StateSolving, StateActing}

// RunStatus is the terminal status of a run.
type RunStatus string

const (
	StatusRunning RunStatus = "running"
	StatusSuccess RunStatus = "success"
	StatusError   RunStatus = "error"
)

// StageStatus reports how one stage ended.
type StageStatus string

const (
	StageOK    StageStatus = "ok"
	StageError StageStatus = "error"
)

// StageResult is the audit entry of one executed stage. NoMatch marks a
// stage that succeeded with an empty result, which is not a failure.
type StageResult struct {
	State      State            `json:"state"`
	Status     StageStatus      `json:"status"`
	NoMatch    bool             `json:"no_match,omitempty"`
	Summary    string           `json:"summary,omitempty"`
	ErrorKind  domain.ErrorKind `json:"error_kind,omitempty"`
	Error      string           `json:"error,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	DurationMs int64            `json:"duration_ms"`
}

// WorkflowRun is the audit record of one pipeline execution. Results of
// every completed stage stay on the record when a later stage fails.
type WorkflowRun struct {
	ID          string            `json:"id"`
	EquipmentID string            `json:"equipment_id"`
	Equipment   *domain.Equipment `json:"equipment,omitempty"`
	State       State             `json:"state"`
	Status      RunStatus         `json:"status"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at,omitempty"`
	DurationMs  int64             `json:"duration_ms"`
	Stages      []StageResult     `json:"stages"`

	Snapshot     domain.Snapshot     `json:"snapshot"`
	Input        domain.InputQuality `json:"input_quality"`
	Reduced      bool                `json:"reduced_confidence"`
	EmbeddingDim int                 `json:"embedding_dim,omitempty"`

	Matches         []domain.PatternMatch     `json:"matches,omitempty"`
	Selected        []string                  `json:"selected_specialists,omitempty"`
	Inferences      []domain.InferenceResult  `json:"inferences,omitempty"`
	Failures        []domain.EstimatorFailure `json:"estimator_failures,omitempty"`
	Consensus       *domain.ConsensusResult   `json:"consensus,omitempty"`
	Tools           []tools.Report            `json:"tools,omitempty"`
	Recommendations []domain.Recommendation   `json:"recommendations,omitempty"`
	Actions         []domain.Action           `json:"actions,omitempty"`

	FailedState State            `json:"failed_state,omitempty"`
	ErrorKind   domain.ErrorKind `json:"error_kind,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// Stage returns the result recorded for state, if any.
func (r *WorkflowRun) Stage(s State) (StageResult, bool) {
	for _, st := range r.Stages {
		if st.State == s {
			return st, true
		}
	}
	return StageResult{}, false
}
