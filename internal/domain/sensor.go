package domain

import (
	"math"
	"sort"
	"strings"
	"time"
)

// Snapshot is one equipment's sensor readings captured at a single instant.
// Readings are keyed by sensor name; units are implied by the name.
type Snapshot struct {
	EquipmentID string             `json:"equipment_id"`
	Timestamp   time.Time          `json:"timestamp"`
	Readings    map[string]float64 `json:"readings"`
}

// Category is a sensor or specialist domain.
type Category string

const (
	CategoryThermal       Category = "thermal"
	CategoryPressure      Category = "pressure"
	CategoryElectrical    Category = "electrical"
	CategoryAirflow       Category = "airflow"
	CategoryFlowHumidity  Category = "flow_humidity"
	CategoryEnergy        Category = "energy"
	CategoryEnvironmental Category = "environmental"
	CategorySystem        Category = "system"
)

// ExpectedSensors is the sensor catalog a fully instrumented air handler
// reports. Catalog position is the embedding value index.
var ExpectedSensors = []string{
	"supply_air_temp",
	"return_air_temp",
	"outside_air_temp",
	"mixed_air_temp",
	"supply_air_pressure",
	"return_air_pressure",
	"filter_pressure_drop",
	"supply_air_flow",
	"return_air_flow",
	"compressor_current",
	"fan_motor_current",
	"power_consumption",
	"supply_air_humidity",
	"return_air_humidity",
	"setpoint_temp",
	"damper_position",
	"valve_position",
	"compressor_status",
	"fan_status",
}

var sensorIndex = func() map[string]int {
	m := make(map[string]int, len(ExpectedSensors))
	for i, name := range ExpectedSensors {
		m[name] = i
	}
	return m
}()

// SensorIndex returns the catalog position of a sensor name.
func SensorIndex(name string) (int, bool) {
	i, ok := sensorIndex[name]
	return i, ok
}

// categoryRules map sensor-name keywords to categories. A sensor may land in
// more than one category (power_consumption is electrical and energy).
var categoryRules = []struct {
	keyword  string
	category Category
}{
	{"outside", CategoryEnvironmental},
	{"ambient", CategoryEnvironmental},
	{"co2", CategoryEnvironmental},
	{"temp", CategoryThermal},
	{"superheat", CategoryThermal},
	{"subcool", CategoryThermal},
	{"pressure", CategoryPressure},
	{"current", CategoryElectrical},
	{"voltage", CategoryElectrical},
	{"power", CategoryElectrical},
	{"power", CategoryEnergy},
	{"energy", CategoryEnergy},
	{"kwh", CategoryEnergy},
	{"setpoint", CategoryEnergy},
	{"air_flow", CategoryAirflow},
	{"damper", CategoryAirflow},
	{"fan", CategoryAirflow},
	{"flow", CategoryFlowHumidity},
	{"humidity", CategoryFlowHumidity},
	{"valve", CategoryFlowHumidity},
}

// CategoriesOf returns the categories a sensor name belongs to.
func CategoriesOf(sensor string) []Category {
	name := strings.ToLower(sensor)
	var out []Category
	seen := make(map[Category]bool)
	for _, r := range categoryRules {
		if strings.Contains(name, r.keyword) && !seen[r.category] {
			seen[r.category] = true
			out = append(out, r.category)
		}
	}
	return out
}

// Categories returns the set of categories with at least one finite reading
// in the snapshot.
func (s Snapshot) Categories() map[Category]bool {
	out := make(map[Category]bool)
	for name, v := range s.Readings {
		if !finite(v) {
			continue
		}
		for _, c := range CategoriesOf(name) {
			out[c] = true
		}
	}
	return out
}

// SortedNames returns reading names in lexical order.
func (s Snapshot) SortedNames() []string {
	names := make([]string, 0, len(s.Readings))
	for name := range s.Readings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InputQuality reports what is missing or unusable in a snapshot.
type InputQuality struct {
	Missing []string `json:"missing,omitempty"`
	Invalid []string `json:"invalid,omitempty"`
}

// Reduced reports whether the snapshot should be treated as
// reduced-confidence input.
func (q InputQuality) Reduced() bool {
	return len(q.Missing) > 0 || len(q.Invalid) > 0
}

// Sanitize drops non-finite readings and reports catalog sensors that are
// absent. Absent values stay absent; nothing is filled in.
func Sanitize(s Snapshot) (Snapshot, InputQuality) {
	var q InputQuality
	clean := Snapshot{
		EquipmentID: s.EquipmentID,
		Timestamp:   s.Timestamp,
		Readings:    make(map[string]float64, len(s.Readings)),
	}
	for _, name := range s.SortedNames() {
		v := s.Readings[name]
		if !finite(v) {
			q.Invalid = append(q.Invalid, name)
			continue
		}
		clean.Readings[name] = v
	}
	for _, name := range ExpectedSensors {
		if _, ok := clean.Readings[name]; !ok {
			q.Missing = append(q.Missing, name)
		}
	}
	return clean, q
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
