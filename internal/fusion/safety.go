package fusion

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"

	"github.com/apollo-nexus/nexus/internal/domain"
)

// Rule is one row of the safety policy table.
//
// A rule fires when any successful result whose domain (or specialist, if
// set) matches reports a confidence strictly above MinConfidence.
type Rule struct {
	Name          string              `toml:"name"`
	Domain        domain.Category     `toml:"domain"`
	Specialist    string              `toml:"specialist"`
	MinConfidence float64             `toml:"min_confidence"`
	ForceFault    bool                `toml:"force_fault"`
	RaiseSeverity int                 `toml:"raise_severity"`
	Block         []domain.ActionType `toml:"block"`
	Diagnosis     string              `toml:"diagnosis"`
}

// Policy is the ordered safety rule set. An empty policy never fires.
type Policy struct {
	Rules []Rule `toml:"rules"`
}

// Validate checks rule fields.
func (p Policy) Validate() error {
	for i, r := range p.Rules {
		if r.Name == "" {
			return fmt.Errorf("rule %d: name is required", i)
		}
		if r.Domain == "" && r.Specialist == "" {
			return fmt.Errorf("rule %q: domain or specialist is required", r.Name)
		}
		if r.MinConfidence < 0 || r.MinConfidence > 1 {
			return fmt.Errorf("rule %q: min_confidence must be in [0,1]", r.Name)
		}
		if r.RaiseSeverity < 0 || r.RaiseSeverity > 5 {
			return fmt.Errorf("rule %q: raise_severity must be in 0..5", r.Name)
		}
		for _, b := range r.Block {
			switch b {
			case domain.ActionMaintenanceRequest, domain.ActionAlert, domain.ActionEnergyAdjustment:
			default:
				return fmt.Errorf("rule %q: unknown action type %q", r.Name, b)
			}
		}
	}
	return nil
}

// ParsePolicy decodes a TOML policy document.
func ParsePolicy(data []byte) (Policy, error) {
	var p Policy
	if err := toml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parsing safety policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// LoadPolicyFile reads a TOML policy from path.
func LoadPolicyFile(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("reading safety policy: %w", err)
	}
	return ParsePolicy(data)
}

// Firing is a rule that fired together with the result that triggered it.
type Firing struct {
	Rule    Rule
	Trigger domain.InferenceResult
}

// Verdict is the safety gate's decision. A zero Verdict is a pass-through.
type Verdict struct {
	Firings []Firing
}

// Fired reports whether any rule fired.
func (v Verdict) Fired() bool { return len(v.Firings) > 0 }

// Validator evaluates results against the current policy. The policy can
// be swapped at runtime.
type Validator struct {
	mu     sync.RWMutex
	policy Policy
	logger *slog.Logger
}

// NewValidator creates a Validator with the given policy.
func NewValidator(p Policy) *Validator {
	return &Validator{policy: p, logger: slog.Default()}
}

// Policy returns the current policy.
func (v *Validator) Policy() Policy {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.policy
}

// SetPolicy replaces the current policy.
func (v *Validator) SetPolicy(p Policy) {
	v.mu.Lock()
	v.policy = p
	v.mu.Unlock()
}

// Evaluate applies every rule to results. Each rule fires at most once, on
// the highest-confidence matching result.
func (v *Validator) Evaluate(results []domain.InferenceResult) Verdict {
	p := v.Policy()
	var verdict Verdict
	for _, rule := range p.Rules {
		var trigger *domain.InferenceResult
		for i := range results {
			r := &results[i]
			if rule.Specialist != "" && r.Specialist != rule.Specialist {
				continue
			}
			if rule.Domain != "" && r.Domain != rule.Domain {
				continue
			}
			if r.Confidence <= rule.MinConfidence {
				continue
			}
			if trigger == nil || r.Confidence > trigger.Confidence {
				trigger = r
			}
		}
		if trigger != nil {
			verdict.Firings = append(verdict.Firings, Firing{Rule: rule, Trigger: *trigger})
		}
	}
	return verdict
}

// Watch reloads the policy whenever path changes until ctx is done. A
// policy that fails to parse is logged and the previous one kept.
func (v *Validator) Watch(ctx context.Context, path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating policy watcher: %w", err)
	}
	// Editors replace files by rename, so watch the directory.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}

	go func() {
		defer w.Close()
		target := filepath.Clean(path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				p, err := LoadPolicyFile(path)
				if err != nil {
					v.logger.Error("safety policy reload failed, keeping previous", "path", path, "error", err)
					continue
				}
				v.SetPolicy(p)
				v.logger.Info("safety policy reloaded", "path", path, "rules", len(p.Rules))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				v.logger.Warn("safety policy watcher error", "error", err)
			}
		}
	}()
	return nil
}
