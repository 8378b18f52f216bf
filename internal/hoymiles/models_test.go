package hoymiles

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestLookupModel(t *testing.T) {
	spec := LookupModel("HMS-2000-4T")
	assert.Assert(t, spec != nil)
	assert.Equal(t, spec.RatedPowerW, uint16(2000))
	assert.Equal(t, spec.MPPTInputs, uint8(4))
	assert.Equal(t, spec.Phases, uint8(1))
}

func TestLookupModelCaseInsensitive(t *testing.T) {
	spec := LookupModel("hms-800-2t")
	assert.Assert(t, spec != nil)
	assert.Equal(t, spec.Name, "HMS-800-2T")
	assert.Equal(t, spec.RatedPowerW, uint16(800))
}

func TestLookupModelThreePhase(t *testing.T) {
	spec := LookupModel("HMT-2250-6T")
	assert.Assert(t, spec != nil)
	assert.Equal(t, spec.Phases, uint8(3))
	assert.Equal(t, spec.PanelInputs, uint8(6))

	spec = LookupModel("MIT-5000-8T")
	assert.Assert(t, spec != nil)
	assert.Equal(t, spec.MaxVDC, uint16(140))
}

func TestLookupModelUnknown(t *testing.T) {
	assert.Assert(t, LookupModel("HMS-9999-9T") == nil)
	assert.Assert(t, LookupModel("") == nil)
}

func TestControlRegisters(t *testing.T) {
	assert.Equal(t, OnOffRegister(0), uint16(0xC006))
	assert.Equal(t, LimitRegister(0), uint16(0xC007))
	assert.Equal(t, OnOffRegister(1), uint16(0xC00C))
	assert.Equal(t, LimitRegister(1), uint16(0xC00D))
	assert.Equal(t, PortBase(0), uint16(0x1000))
	assert.Equal(t, PortBase(2), uint16(0x1050))
}
