package estimator

import (
	"context"
	"math"

	"github.com/apollo-nexus/nexus/internal/domain"
)

// Names of the built-in specialists.
const (
	Apollo   = "apollo"
	Aquilo   = "aquilo"
	Boreas   = "boreas"
	Naiad    = "naiad"
	Vulcan   = "vulcan"
	Zephyrus = "zephyrus"
	Colossus = "colossus"
	Gaia     = "gaia"
)

// detectThreshold is the confidence at which a specialist reports a fault.
const detectThreshold = 0.5

// reducedFactor scales confidence for snapshots with missing readings.
const reducedFactor = 0.8

// Envelope is the normal operating band of one sensor. A reading outside
// it is evidence for Fault.
type Envelope struct {
	Sensor string
	Min    float64
	Max    float64
	Fault  string
}

// excess returns how far v lies outside the band, relative to its width.
func (e Envelope) excess(v float64) float64 {
	span := e.Max - e.Min
	if span <= 0 {
		span = 1
	}
	switch {
	case v < e.Min:
		return (e.Min - v) / span
	case v > e.Max:
		return (v - e.Max) / span
	}
	return 0
}

// Specialist is a heuristic estimator scoring sensor-envelope violations
// and similarity to retrieved patterns of its own domain.
type Specialist struct {
	name       string
	domain     domain.Category
	categories []domain.Category
	envelopes  []Envelope
	anyPattern bool
	normal     string
	abnormal   string
}

func (s *Specialist) Name() string                  { return s.name }
func (s *Specialist) Domain() domain.Category       { return s.domain }
func (s *Specialist) Categories() []domain.Category { return s.categories }

// Estimate scores in. It never fails; cancellation is the only error.
func (s *Specialist) Estimate(ctx context.Context, in Input) (domain.InferenceResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.InferenceResult{}, err
	}

	worst, faultType := 0.0, ""
	for _, env := range s.envelopes {
		v, ok := in.Snapshot.Readings[env.Sensor]
		if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		if x := env.excess(v); x > 0 {
			if sev := math.Min(1, 0.6+x); sev > worst {
				worst, faultType = sev, env.Fault
			}
		}
	}

	sim, pattern := s.bestPattern(in.Patterns)

	var conf float64
	if worst > 0 {
		conf = worst * (0.75 + 0.25*sim)
	} else {
		conf = 0.3 * sim
	}
	if in.Reduced {
		conf *= reducedFactor
	}
	conf = domain.Clamp01(conf)

	detected := conf >= detectThreshold
	if detected && pattern != "" && sim >= 0.8 {
		faultType = pattern
	}
	if !detected {
		faultType = ""
	}

	interp := s.normal
	if detected {
		interp = s.abnormal
	}
	return domain.InferenceResult{
		Domain:         s.domain,
		Confidence:     conf,
		FaultDetected:  detected,
		FaultType:      faultType,
		Interpretation: interp,
	}, nil
}

// bestPattern returns the highest similarity (1 - distance, floored at 0)
// among patterns the specialist owns, and that pattern's name.
func (s *Specialist) bestPattern(matches []domain.PatternMatch) (float64, string) {
	best, name := 0.0, ""
	for _, m := range matches {
		if !s.anyPattern && m.Pattern.Domain != s.domain {
			continue
		}
		if sim := math.Max(0, 1-m.Distance); sim > best {
			best, name = sim, m.Pattern.Name
		}
	}
	return best, name
}

var (
	electricalEnvelopes = []Envelope{
		{"compressor_current", 0, 30, "compressor_overcurrent"},
		{"fan_motor_current", 0, 8, "fan_motor_overcurrent"},
		{"power_consumption", 0, 25, "electrical_overload"},
	}
	thermalEnvelopes = []Envelope{
		{"supply_air_temp", 45, 65, "cooling_capacity_loss"},
		{"return_air_temp", 60, 85, "return_air_overtemp"},
		{"mixed_air_temp", 40, 85, "economizer_mixing_fault"},
	}
	pressureEnvelopes = []Envelope{
		{"supply_air_pressure", 0.5, 3.0, "duct_static_pressure_fault"},
		{"return_air_pressure", -1.5, 0.5, "return_pressure_fault"},
		{"filter_pressure_drop", 0, 1.0, "dirty_filter"},
	}
	airflowEnvelopes = []Envelope{
		{"supply_air_flow", 800, 12000, "low_airflow"},
		{"return_air_flow", 600, 11000, "return_airflow_restriction"},
		{"damper_position", 0, 100, "damper_stuck"},
	}
	flowEnvelopes = []Envelope{
		{"supply_air_humidity", 30, 60, "humidity_control_fault"},
		{"return_air_humidity", 30, 60, "humidity_control_fault"},
		{"valve_position", 0, 100, "valve_stuck"},
	}
	energyEnvelopes = []Envelope{
		{"power_consumption", 0, 18, "energy_efficiency_loss"},
		{"setpoint_temp", 65, 78, "setpoint_efficiency_drift"},
	}
	environmentalEnvelopes = []Envelope{
		{"outside_air_temp", -20, 110, "extreme_ambient_condition"},
		{"co2_level", 0, 1200, "ventilation_safety_concern"},
	}
)

func allEnvelopes() []Envelope {
	var out []Envelope
	for _, set := range [][]Envelope{electricalEnvelopes, thermalEnvelopes, pressureEnvelopes, airflowEnvelopes, flowEnvelopes, energyEnvelopes, environmentalEnvelopes} {
		out = append(out, set...)
	}
	return out
}

// Builtin returns the eight built-in specialists. apollo is the
// whole-system coordinator intended as master.
func Builtin() []Estimator {
	return []Estimator{
		&Specialist{
			name: Apollo, domain: domain.CategorySystem,
			categories: []domain.Category{domain.CategorySystem},
			envelopes:  allEnvelopes(), anyPattern: true,
			normal: "System coordination normal", abnormal: "System coordination issue detected",
		},
		&Specialist{
			name: Aquilo, domain: domain.CategoryElectrical,
			categories: []domain.Category{domain.CategoryElectrical},
			envelopes:  electricalEnvelopes,
			normal:     "Electrical systems normal", abnormal: "Electrical fault detected",
		},
		&Specialist{
			name: Boreas, domain: domain.CategoryThermal,
			categories: []domain.Category{domain.CategoryThermal},
			envelopes:  thermalEnvelopes,
			normal:     "Refrigeration normal", abnormal: "Refrigeration issue detected",
		},
		&Specialist{
			name: Naiad, domain: domain.CategoryFlowHumidity,
			categories: []domain.Category{domain.CategoryFlowHumidity},
			envelopes:  flowEnvelopes,
			normal:     "Flow systems normal", abnormal: "Flow restriction detected",
		},
		&Specialist{
			name: Vulcan, domain: domain.CategoryPressure,
			categories: []domain.Category{domain.CategoryPressure},
			envelopes:  pressureEnvelopes,
			normal:     "Mechanical systems normal", abnormal: "Mechanical fault detected",
		},
		&Specialist{
			name: Zephyrus, domain: domain.CategoryAirflow,
			categories: []domain.Category{domain.CategoryAirflow},
			envelopes:  airflowEnvelopes,
			normal:     "Airflow normal", abnormal: "Airflow issue detected",
		},
		&Specialist{
			name: Colossus, domain: domain.CategoryEnergy,
			categories: []domain.Category{domain.CategoryEnergy},
			envelopes:  energyEnvelopes,
			normal:     "No pattern anomalies", abnormal: "Pattern anomaly detected",
		},
		&Specialist{
			name: Gaia, domain: domain.CategoryEnvironmental,
			categories: []domain.Category{domain.CategoryEnvironmental},
			envelopes:  environmentalEnvelopes,
			normal:     "Safety parameters normal", abnormal: "Safety concern detected",
		},
	}
}
