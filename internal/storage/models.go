package storage

import (
	"time"

	"gorm.io/gorm"
)

// AggregateReading is one observer cycle of the fused device.
type AggregateReading struct {
	gorm.Model
	Timestamp time.Time `gorm:"index" json:"timestamp"`

	PowerW      float64 `json:"power_w"`
	CurrentA    float64 `json:"current_a"`
	VoltageV    float64 `json:"voltage_v"`
	FrequencyHz float64 `json:"frequency_hz"`
	EnergyKWh   float64 `json:"energy_kwh"`

	PhaseAPowerW float64 `json:"phase_a_power_w"`
	PhaseBPowerW float64 `json:"phase_b_power_w"`
	PhaseCPowerW float64 `json:"phase_c_power_w"`

	DCPowerW float64 `json:"dc_power_w"`
	MaxTempC float64 `json:"max_temp_c"`

	ValidSources int    `json:"valid_sources"`
	Producing    bool   `json:"producing"`
	State        uint16 `json:"state"`

	PowerLimitPct float64 `json:"power_limit_pct"`
	PowerLimitOn  bool    `json:"power_limit_enabled"`

	TCPClients  int    `json:"tcp_clients"`
	TCPRequests uint32 `json:"tcp_requests"`
	TCPErrors   uint32 `json:"tcp_errors"`
}

// SourceReading is one observer cycle of a single inverter.
type SourceReading struct {
	gorm.Model
	Timestamp time.Time `gorm:"index" json:"timestamp"`

	SourceIndex int    `gorm:"index" json:"source_index"`
	Name        string `json:"name"`
	ModelName   string `json:"model_name"`
	Serial      string `json:"serial"`
	PortNumber  uint8  `json:"port_number"`

	PowerW       float64 `json:"power_w"`
	VoltageV     float64 `json:"voltage_v"`
	CurrentA     float64 `json:"current_a"`
	FrequencyHz  float64 `json:"frequency_hz"`
	EnergyKWh    float64 `json:"energy_kwh"`
	TodayWh      uint32  `json:"today_energy_wh"`
	TemperatureC float64 `json:"temperature_c"`
	PVVoltageV   float64 `json:"pv_voltage_v"`
	PVCurrentA   float64 `json:"pv_current_a"`
	PVPowerW     float64 `json:"pv_power_w"`

	AlarmCode uint16 `json:"alarm_code"`
	Producing bool   `json:"producing"`
	Online    bool   `json:"online"`

	PollSuccess uint32 `json:"poll_success"`
	PollFail    uint32 `json:"poll_fail"`
	PollTimeout uint32 `json:"poll_timeout"`
	CRCError    uint32 `json:"crc_error"`
}
