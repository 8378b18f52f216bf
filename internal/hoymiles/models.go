package hoymiles

import "strings"

// ModelSpec describes the electrical ratings of a Hoymiles microinverter
// model. MaxIDCTenths is the maximum DC current per input in tenths of an
// ampere (125 = 12.5A).
type ModelSpec struct {
	Name        string
	RatedPowerW uint16
	MPPTInputs  uint8
	PanelInputs uint8
	Phases      uint8
	MaxVDC      uint16
	MaxIDCTenths uint16
	MPPTVMin    uint16
	MPPTVMax    uint16
}

// Known Hoymiles inverter models.
//
// Series overview:
//   HM-xxx:      legacy single-phase (2.4GHz RF)
//   HMS-xxx-1T:  single-phase, 1 panel (300-500W)
//   HMS-xxx-2T:  single-phase, 2 panels, shared MPPT (600-1000W)
//   HMS-xxxx-4T: single-phase, 4 independent MPPTs (1600-2000W)
//   HMT-xxxx-4T: three-phase, 4 panels (1600-2000W)
//   HMT-xxxx-6T: three-phase, 6 panels (2250W)
//   MIT-xxxx-8T: three-phase, 8 panels, commercial (4000-5000W)
var models = []ModelSpec{
	// Legacy HM series
	{"HM-300", 300, 1, 1, 1, 60, 105, 22, 48},
	{"HM-350", 350, 1, 1, 1, 60, 105, 22, 48},
	{"HM-400", 400, 1, 1, 1, 60, 105, 22, 48},
	{"HM-600", 600, 1, 2, 1, 60, 115, 22, 48},
	{"HM-700", 700, 1, 2, 1, 60, 115, 22, 48},
	{"HM-800", 800, 1, 2, 1, 60, 115, 22, 48},
	{"HM-1200", 1200, 2, 4, 1, 60, 115, 22, 48},
	{"HM-1500", 1500, 2, 4, 1, 60, 115, 22, 48},

	// HMS single-panel series
	{"HMS-300-1T", 300, 1, 1, 1, 60, 115, 16, 60},
	{"HMS-350-1T", 350, 1, 1, 1, 60, 115, 16, 60},
	{"HMS-400-1T", 400, 1, 1, 1, 65, 125, 16, 60},
	{"HMS-450-1T", 450, 1, 1, 1, 65, 133, 16, 60},
	{"HMS-500-1T", 500, 1, 1, 1, 65, 140, 16, 60},

	// HMS dual-panel series, shared MPPT
	{"HMS-600-2T", 600, 1, 2, 1, 60, 115, 16, 60},
	{"HMS-700-2T", 700, 1, 2, 1, 60, 115, 16, 60},
	{"HMS-800-2T", 800, 1, 2, 1, 65, 125, 16, 60},
	{"HMS-900-2T", 900, 1, 2, 1, 65, 133, 16, 60},
	{"HMS-1000-2T", 1000, 1, 2, 1, 65, 140, 16, 60},

	// HMS quad-panel series, 4 independent MPPTs
	{"HMS-1600-4T", 1600, 4, 4, 1, 65, 125, 16, 60},
	{"HMS-1800-4T", 1800, 4, 4, 1, 65, 133, 16, 60},
	{"HMS-2000-4T", 2000, 4, 4, 1, 65, 140, 16, 60},

	// HMT three-phase quad-panel series
	{"HMT-1600-4T", 1600, 4, 4, 3, 65, 125, 16, 60},
	{"HMT-1800-4T", 1800, 4, 4, 3, 65, 133, 16, 60},
	{"HMT-2000-4T", 2000, 4, 4, 3, 65, 140, 16, 60},

	// HMT three-phase 6-panel series
	{"HMT-2250-6T", 2250, 3, 6, 3, 65, 140, 16, 60},

	// MIT three-phase 8-panel series
	{"MIT-4000-8T", 4000, 4, 8, 3, 140, 200, 29, 120},
	{"MIT-4500-8T", 4500, 4, 8, 3, 140, 200, 29, 120},
	{"MIT-5000-8T", 5000, 4, 8, 3, 140, 200, 29, 120},
}

// LookupModel returns the spec for a model name (case-insensitive), or nil
// when the model is unknown and the caller should keep its configured
// ratings.
func LookupModel(name string) *ModelSpec {
	for i := range models {
		if strings.EqualFold(models[i].Name, name) {
			return &models[i]
		}
	}
	return nil
}
