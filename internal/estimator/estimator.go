// Package estimator runs the specialist fault estimators against one
// snapshot. Estimators are selected by the sensor categories present, run
// concurrently, and joined into a tolerant list of results and failures.
package estimator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/apollo-nexus/nexus/internal/domain"
)

// Input is what every estimator receives.
type Input struct {
	Snapshot domain.Snapshot
	Patterns []domain.PatternMatch
	// Reduced marks snapshots with missing or invalid readings.
	Reduced bool
}

// Estimator is one domain specialist. Implementations must be safe for
// concurrent use.
type Estimator interface {
	Name() string
	Domain() domain.Category
	// Categories lists the sensor categories that activate the estimator.
	Categories() []domain.Category
	Estimate(ctx context.Context, in Input) (domain.InferenceResult, error)
}

// Info describes an estimator for listings.
type Info struct {
	Name       string            `json:"name"`
	Domain     domain.Category   `json:"domain"`
	Categories []domain.Category `json:"categories"`
	Master     bool              `json:"master"`
}

// Outcome is the joined result of one ensemble run. Results keep selection
// order; failed estimators appear only in Failures.
type Outcome struct {
	Selected []string
	Results  []domain.InferenceResult
	Failures []domain.EstimatorFailure
}

// Ensemble holds the registered estimators and the designated master.
type Ensemble struct {
	master      string
	estimators  []Estimator
	concurrency int
	timeout     time.Duration
	logger      *slog.Logger
}

// Option configures an Ensemble.
type Option func(*Ensemble)

// WithConcurrency bounds the number of estimators running at once.
func WithConcurrency(n int) Option {
	return func(e *Ensemble) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithTimeout bounds each estimator call.
func WithTimeout(d time.Duration) Option {
	return func(e *Ensemble) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithLogger sets the logger used for estimator failures.
func WithLogger(l *slog.Logger) Option {
	return func(e *Ensemble) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEnsemble registers estimators. master must name one of them.
func NewEnsemble(master string, estimators []Estimator, opts ...Option) (*Ensemble, error) {
	e := &Ensemble{
		master:      master,
		concurrency: 8,
		timeout:     2 * time.Second,
		logger:      slog.Default(),
	}
	seen := make(map[string]bool, len(estimators))
	for _, est := range estimators {
		if seen[est.Name()] {
			return nil, fmt.Errorf("duplicate estimator %q", est.Name())
		}
		seen[est.Name()] = true
		e.estimators = append(e.estimators, est)
	}
	if !seen[master] {
		return nil, fmt.Errorf("master estimator %q is not registered", master)
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Master returns the name of the always-selected estimator.
func (e *Ensemble) Master() string { return e.master }

// List describes the registered estimators in registration order.
func (e *Ensemble) List() []Info {
	out := make([]Info, len(e.estimators))
	for i, est := range e.estimators {
		cats := append([]domain.Category(nil), est.Categories()...)
		out[i] = Info{Name: est.Name(), Domain: est.Domain(), Categories: cats, Master: est.Name() == e.master}
	}
	return out
}

// Select returns the estimators whose categories overlap present, plus the
// master. Registration order is kept.
func (e *Ensemble) Select(present map[domain.Category]bool) []Estimator {
	var out []Estimator
	for _, est := range e.estimators {
		if est.Name() == e.master {
			out = append(out, est)
			continue
		}
		for _, c := range est.Categories() {
			if present[c] {
				out = append(out, est)
				break
			}
		}
	}
	return out
}

// Run selects estimators for in and executes them concurrently. A failing
// estimator is recorded and excluded; the run fails only if the master
// fails or ctx is done.
func (e *Ensemble) Run(ctx context.Context, in Input) (Outcome, error) {
	selected := e.Select(in.Snapshot.Categories())

	type slot struct {
		result domain.InferenceResult
		err    error
	}
	slots := make([]slot, len(selected))

	// Tasks never return an error so one failure does not cancel the others.
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, est := range selected {
		g.Go(func() error {
			r, err := e.call(ctx, est, in)
			slots[i] = slot{result: r, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var out Outcome
	var masterErr error
	for i, est := range selected {
		out.Selected = append(out.Selected, est.Name())
		if err := slots[i].err; err != nil {
			out.Failures = append(out.Failures, domain.EstimatorFailure{Specialist: est.Name(), Error: err.Error()})
			e.logger.Warn("estimator failed", "specialist", est.Name(), "equipment_id", in.Snapshot.EquipmentID, "error", err)
			if est.Name() == e.master {
				masterErr = err
			}
			continue
		}
		out.Results = append(out.Results, slots[i].result)
	}

	if err := ctx.Err(); err != nil {
		return out, err
	}
	if masterErr != nil {
		return out, fmt.Errorf("%w: %s: %w", domain.ErrMasterFailed, e.master, masterErr)
	}
	return out, nil
}

// call runs one estimator with its own deadline and turns panics and
// out-of-range output into errors. An estimator that ignores its context
// is abandoned when the deadline passes.
func (e *Ensemble) call(ctx context.Context, est Estimator, in Input) (domain.InferenceResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type reply struct {
		r   domain.InferenceResult
		err error
	}
	done := make(chan reply, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- reply{err: fmt.Errorf("estimator panicked: %v", p)}
			}
		}()
		r, err := est.Estimate(ctx, in)
		done <- reply{r: r, err: err}
	}()

	var rep reply
	select {
	case rep = <-done:
	case <-ctx.Done():
		return domain.InferenceResult{}, ctx.Err()
	}
	if rep.err != nil {
		return domain.InferenceResult{}, rep.err
	}

	r := rep.r
	if math.IsNaN(r.Confidence) {
		return domain.InferenceResult{}, fmt.Errorf("estimator returned NaN confidence")
	}
	r.Confidence = domain.Clamp01(r.Confidence)
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.Specialist = est.Name()
	if r.Domain == "" {
		r.Domain = est.Domain()
	}
	r.EquipmentID = in.Snapshot.EquipmentID
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	if r.FaultDetected && r.FaultType == "" {
		r.FaultType = string(r.Domain) + "_anomaly"
	}
	return r, nil
}
