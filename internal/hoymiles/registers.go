package hoymiles

import (
	"fmt"
	"strings"
)

// Hoymiles DTU-Pro Modbus register map. Each inverter port owns a block of
// 40 registers starting at 0x1000 + port*0x28.

const (
	RegDataBase   = 0x1000 // Port 0 data block start
	RegPortStride = 0x28   // 40 registers per port
	RegPortCount  = 0x28   // registers read per poll

	// Offsets within a port block
	RegDataType        = 0x00 // Data type
	RegSerialStart     = 0x01 // 0x01-0x06, serial number (6 regs = 12 ASCII)
	RegPortNumber      = 0x07 // Port number
	RegPVVoltage       = 0x08 // PV voltage, V
	RegPVCurrent       = 0x09 // PV current, A * 2
	RegGridVoltage     = 0x0A // Grid voltage, V
	RegGridFrequency   = 0x0B // Grid frequency, Hz * 100
	RegPVPower         = 0x0C // PV power, W
	RegTodayProduction = 0x0D // 0x0D-0x0E, today production Wh, U32 high word first
	RegTotalProduction = 0x0F // 0x0F-0x10, total production Wh, U32 high word first
	RegTemperature     = 0x11 // Temperature, degC, S16
	RegOperatingStatus = 0x1E // Operating status
	RegAlarmCode       = 0x1F // Alarm code
	RegLinkStatus      = 0x20 // Link status (low byte)

	// Control registers: 0xC006 + port*6 = ON/OFF coil, 0xC007 + port*6 = limit %
	regControlOnOff = 0xC006
	regControlLimit = 0xC007
	regControlStep  = 6

	// A useful decode needs registers up to the link status word.
	minPortRegs = 34

	CoilOn  = 0xFF00
	CoilOff = 0x0000
)

// PortBase returns the data block start register for a DTU port.
func PortBase(port uint8) uint16 {
	return RegDataBase + uint16(port)*RegPortStride
}

// OnOffRegister returns the ON/OFF coil for a DTU port.
func OnOffRegister(port uint8) uint16 {
	return regControlOnOff + uint16(port)*regControlStep
}

// LimitRegister returns the power limit percent register for a DTU port.
func LimitRegister(port uint8) uint16 {
	return regControlLimit + uint16(port)*regControlStep
}

// PortData holds one decoded port block in real-world units. AC power is
// reported equal to PV power: the port block has no AC power register, and
// conversion losses are ignored.
type PortData struct {
	Serial          string  `json:"serial"`
	PVVoltageV      float64 `json:"pv_voltage_v"`
	PVCurrentA      float64 `json:"pv_current_a"`
	GridVoltageV    float64 `json:"grid_voltage_v"`
	FrequencyHz     float64 `json:"grid_frequency_hz"`
	PVPowerW        float64 `json:"pv_power_w"`
	PowerW          float64 `json:"power_w"`
	CurrentA        float64 `json:"current_a"`
	TodayWh         uint32  `json:"today_energy_wh"`
	TotalWh         uint32  `json:"total_energy_wh"`
	TemperatureC    float64 `json:"temperature_c"`
	OperatingStatus uint16  `json:"operating_status"`
	AlarmCode       uint16  `json:"alarm_code"`
	LinkStatus      uint8   `json:"link_status"`
	Producing       bool    `json:"producing"`
}

// DecodePortBlock decodes a polled port block. At least 34 registers are
// required; shorter blocks are rejected and the caller keeps its previous
// data.
func DecodePortBlock(regs []uint16) (*PortData, error) {
	if len(regs) < minPortRegs {
		return nil, fmt.Errorf("hoymiles: short port block: %d regs (need %d)", len(regs), minPortRegs)
	}

	d := &PortData{
		Serial:          decodeSerial(regs[RegSerialStart : RegSerialStart+6]),
		PVVoltageV:      float64(regs[RegPVVoltage]),
		PVCurrentA:      float64(regs[RegPVCurrent]) / 2.0,
		GridVoltageV:    float64(regs[RegGridVoltage]),
		FrequencyHz:     float64(regs[RegGridFrequency]) / 100.0,
		PVPowerW:        float64(regs[RegPVPower]),
		TodayWh:         uint32(regs[RegTodayProduction])<<16 | uint32(regs[RegTodayProduction+1]),
		TotalWh:         uint32(regs[RegTotalProduction])<<16 | uint32(regs[RegTotalProduction+1]),
		TemperatureC:    float64(int16(regs[RegTemperature])),
		OperatingStatus: regs[RegOperatingStatus],
		AlarmCode:       regs[RegAlarmCode],
		LinkStatus:      uint8(regs[RegLinkStatus] & 0xFF),
	}

	d.PowerW = d.PVPowerW
	if d.GridVoltageV > 0 {
		d.CurrentA = d.PowerW / d.GridVoltageV
	}
	d.Producing = d.PowerW > 0

	return d, nil
}

func decodeSerial(regs []uint16) string {
	b := make([]byte, 0, len(regs)*2)
	for _, r := range regs {
		b = append(b, byte(r>>8), byte(r))
	}
	return strings.TrimRight(string(b), "\x00 ")
}
