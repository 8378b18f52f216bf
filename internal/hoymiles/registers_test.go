package hoymiles

import (
	"testing"

	"gotest.tools/v3/assert"
)

func makePortBlock() []uint16 {
	regs := make([]uint16, RegPortCount)
	// Serial "114172220001"
	serial := "114172220001"
	for i := 0; i < 6; i++ {
		regs[RegSerialStart+i] = uint16(serial[i*2])<<8 | uint16(serial[i*2+1])
	}
	regs[RegPVVoltage] = 35
	regs[RegPVCurrent] = 37 // 18.5 A
	regs[RegGridVoltage] = 230
	regs[RegGridFrequency] = 4999
	regs[RegPVPower] = 650
	regs[RegTodayProduction] = 0
	regs[RegTodayProduction+1] = 1234
	regs[RegTotalProduction] = 0
	regs[RegTotalProduction+1] = 12340
	regs[RegTemperature] = 42
	regs[RegOperatingStatus] = 3
	regs[RegAlarmCode] = 0
	regs[RegLinkStatus] = 0x0001
	return regs
}

func TestDecodePortBlock(t *testing.T) {
	d, err := DecodePortBlock(makePortBlock())
	assert.NilError(t, err)

	assert.Equal(t, d.Serial, "114172220001")
	assert.Equal(t, d.PVVoltageV, 35.0)
	assert.Equal(t, d.PVCurrentA, 18.5)
	assert.Equal(t, d.GridVoltageV, 230.0)
	assert.Equal(t, d.FrequencyHz, 49.99)
	assert.Equal(t, d.PVPowerW, 650.0)
	assert.Equal(t, d.PowerW, 650.0)
	assert.Equal(t, d.TodayWh, uint32(1234))
	assert.Equal(t, d.TotalWh, uint32(12340))
	assert.Equal(t, d.TemperatureC, 42.0)
	assert.Equal(t, d.LinkStatus, uint8(1))
	assert.Assert(t, d.Producing)

	// AC current derived from power and grid voltage.
	assert.Assert(t, d.CurrentA > 2.82 && d.CurrentA < 2.83)
}

func TestDecodePortBlockNegativeTemperature(t *testing.T) {
	regs := makePortBlock()
	regs[RegTemperature] = 0xFFF6 // -10
	d, err := DecodePortBlock(regs)
	assert.NilError(t, err)
	assert.Equal(t, d.TemperatureC, -10.0)
}

func TestDecodePortBlockIdle(t *testing.T) {
	regs := makePortBlock()
	regs[RegPVPower] = 0
	regs[RegGridVoltage] = 0
	d, err := DecodePortBlock(regs)
	assert.NilError(t, err)
	assert.Equal(t, d.PowerW, 0.0)
	assert.Equal(t, d.CurrentA, 0.0)
	assert.Assert(t, !d.Producing)
}

func TestDecodePortBlockShort(t *testing.T) {
	_, err := DecodePortBlock(make([]uint16, 20))
	assert.ErrorContains(t, err, "short port block")
}

func TestDecodeSerialTrimsPadding(t *testing.T) {
	regs := makePortBlock()
	regs[RegSerialStart+4] = 0
	regs[RegSerialStart+5] = 0
	d, err := DecodePortBlock(regs)
	assert.NilError(t, err)
	assert.Equal(t, d.Serial, "11417222")
}
