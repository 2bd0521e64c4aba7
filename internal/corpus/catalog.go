package corpus

import "github.com/apollo-nexus/nexus/internal/domain"

// PatternSeed is a fault signature described by the readings that
// characterise it. Unlisted sensors take their Nominal value.
type PatternSeed struct {
	Name         string             `json:"name"`
	Domain       domain.Category    `json:"domain"`
	Severity     int                `json:"severity"`
	CostImpact   float64            `json:"cost_impact"`
	EnergyImpact float64            `json:"energy_impact"`
	Readings     map[string]float64 `json:"readings"`
}

// SolutionSeed is a remediation for one fault type.
type SolutionSeed struct {
	FaultType      string   `json:"fault_type"`
	Text           string   `json:"text"`
	SuccessRate    float64  `json:"success_rate"`
	AvgRepairHours float64  `json:"avg_repair_hours"`
	Parts          []string `json:"parts"`
}

// Nominal is a healthy rooftop unit on a warm afternoon.
var Nominal = map[string]float64{
	"supply_air_temp":      55,
	"return_air_temp":      72,
	"outside_air_temp":     85,
	"mixed_air_temp":       75,
	"supply_air_pressure":  1.5,
	"return_air_pressure":  -0.5,
	"filter_pressure_drop": 0.4,
	"supply_air_flow":      2000,
	"return_air_flow":      1900,
	"compressor_current":   18,
	"fan_motor_current":    4.5,
	"power_consumption":    12,
	"supply_air_humidity":  50,
	"return_air_humidity":  45,
	"setpoint_temp":        72,
	"damper_position":      30,
	"valve_position":       50,
	"compressor_status":    1,
	"fan_status":           1,
}

// Patterns is the built-in fault pattern catalog.
var Patterns = []PatternSeed{
	{"compressor_overcurrent", domain.CategoryElectrical, 5, 4200, 18,
		map[string]float64{"compressor_current": 38, "power_consumption": 24}},
	{"fan_motor_overcurrent", domain.CategoryElectrical, 4, 1300, 8,
		map[string]float64{"fan_motor_current": 10.5, "supply_air_flow": 1600}},
	{"electrical_overload", domain.CategoryElectrical, 5, 2500, 12,
		map[string]float64{"power_consumption": 31, "compressor_current": 33, "fan_motor_current": 8.5}},
	{"cooling_capacity_loss", domain.CategoryThermal, 4, 1800, 22,
		map[string]float64{"supply_air_temp": 68, "return_air_temp": 80}},
	{"refrigerant_leak", domain.CategoryThermal, 4, 2200, 25,
		map[string]float64{"supply_air_temp": 63, "compressor_current": 22, "power_consumption": 16}},
	{"return_air_overtemp", domain.CategoryThermal, 3, 600, 10,
		map[string]float64{"return_air_temp": 88, "supply_air_temp": 60}},
	{"economizer_mixing_fault", domain.CategoryThermal, 2, 900, 15,
		map[string]float64{"mixed_air_temp": 86, "damper_position": 95}},
	{"dirty_filter", domain.CategoryPressure, 2, 150, 9,
		map[string]float64{"filter_pressure_drop": 1.4, "supply_air_flow": 1450, "return_air_flow": 1400}},
	{"duct_static_pressure_fault", domain.CategoryPressure, 3, 700, 6,
		map[string]float64{"supply_air_pressure": 3.2, "supply_air_flow": 1500}},
	{"low_airflow", domain.CategoryAirflow, 3, 800, 12,
		map[string]float64{"supply_air_flow": 900, "return_air_flow": 850, "supply_air_temp": 50}},
	{"damper_stuck", domain.CategoryAirflow, 2, 650, 11,
		map[string]float64{"damper_position": 100, "mixed_air_temp": 84}},
	{"humidity_control_fault", domain.CategoryFlowHumidity, 2, 500, 5,
		map[string]float64{"supply_air_humidity": 78, "return_air_humidity": 70}},
	{"valve_stuck", domain.CategoryFlowHumidity, 3, 750, 7,
		map[string]float64{"valve_position": 100, "supply_air_temp": 48}},
	{"energy_efficiency_loss", domain.CategoryEnergy, 2, 400, 20,
		map[string]float64{"power_consumption": 20, "compressor_current": 24}},
	{"setpoint_efficiency_drift", domain.CategoryEnergy, 1, 0, 8,
		map[string]float64{"setpoint_temp": 64}},
	{"extreme_ambient_condition", domain.CategoryEnvironmental, 3, 0, 14,
		map[string]float64{"outside_air_temp": 112, "power_consumption": 17}},
}

// Solutions is the built-in solution catalog.
var Solutions = []SolutionSeed{
	{"compressor_overcurrent", "Replace compressor contactor and start capacitor, verify amp draw under load", 87, 3, []string{"compressor contactor", "start capacitor"}},
	{"compressor_overcurrent", "Check for liquid slugging and correct refrigerant charge", 64, 2.5, []string{"R-410A refrigerant"}},
	{"fan_motor_overcurrent", "Replace worn blower bearings and re-tension belt", 82, 2, []string{"bearing kit", "belt"}},
	{"fan_motor_overcurrent", "Replace supply fan motor", 93, 4, []string{"fan motor"}},
	{"electrical_overload", "Inspect disconnect and terminals for heat damage, re-torque lugs", 78, 1.5, []string{"terminal lugs"}},
	{"cooling_capacity_loss", "Clean condenser coil and verify condenser fan operation", 81, 2, []string{"coil cleaner"}},
	{"cooling_capacity_loss", "Leak test and recharge refrigerant circuit", 72, 4, []string{"R-410A refrigerant", "filter drier"}},
	{"refrigerant_leak", "Locate leak with electronic detector, braze repair and recharge", 76, 5, []string{"R-410A refrigerant", "filter drier", "brazing rod"}},
	{"return_air_overtemp", "Rebalance zone dampers and verify return path is unobstructed", 68, 2, nil},
	{"economizer_mixing_fault", "Recalibrate economizer controller and outdoor air sensor", 74, 1.5, []string{"outdoor air sensor"}},
	{"dirty_filter", "Replace air filters and reset filter differential switch", 96, 0.5, []string{"MERV 13 filter set"}},
	{"duct_static_pressure_fault", "Recalibrate static pressure sensor and tune VFD loop", 71, 2, []string{"pressure transducer"}},
	{"low_airflow", "Clear coil blockage and verify blower speed setting", 79, 2.5, []string{"coil cleaner"}},
	{"damper_stuck", "Replace damper actuator and lubricate linkage", 88, 2, []string{"damper actuator"}},
	{"humidity_control_fault", "Recalibrate humidity sensors and inspect condensate drain", 73, 1.5, []string{"humidity sensor"}},
	{"valve_stuck", "Replace chilled water valve actuator", 85, 2, []string{"valve actuator"}},
	{"energy_efficiency_loss", "Run full performance tune-up: coils, belts, charge and controls", 75, 4, []string{"coil cleaner", "belt"}},
	{"setpoint_efficiency_drift", "Restore occupied setpoint schedule in the BMS", 90, 0.5, nil},
	{"extreme_ambient_condition", "Enable condenser misting and stage cooling limits during peak ambient", 62, 1, nil},
}

// DomainOf returns the catalog domain of a fault type, or "" if unknown.
func DomainOf(faultType string) domain.Category {
	for _, p := range Patterns {
		if p.Name == faultType {
			return p.Domain
		}
	}
	return ""
}
