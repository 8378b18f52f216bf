package bridge

import (
	"log"
	"math"
	"sync"

	"hoymiles-bridge/internal/sunspec"
)

// Aggregate is one fused cycle across all valid sources, in real-world
// units. It mirrors what the register image reports after the same cycle.
type Aggregate struct {
	PowerW        float64    `json:"power_w"`
	CurrentA      float64    `json:"current_a"`
	VoltageV      float64    `json:"voltage_v"`
	FrequencyHz   float64    `json:"frequency_hz"`
	EnergyKWh     float64    `json:"energy_kwh"`
	PhasePowerW   [3]float64 `json:"phase_power_w"`
	PhaseCurrentA [3]float64 `json:"phase_current_a"`
	PhaseVoltageV [3]float64 `json:"phase_voltage_v"`
	ApparentVA    float64    `json:"apparent_va"`
	ReactiveVAr   float64    `json:"reactive_var"`
	DCPowerW      float64    `json:"dc_power_w"`
	MaxTempC      float64    `json:"max_temp_c"`
	TotalEnergyWh uint32     `json:"total_energy_wh"`
	ValidSources  int        `json:"valid_sources"`
	Producing     bool       `json:"producing"`
	State         uint16     `json:"state"`
}

// Aggregator fuses per-source SunSpec blocks into the register image.
type Aggregator struct {
	image  *sunspec.Image
	phases uint8

	mu   sync.RWMutex
	last Aggregate
}

func NewAggregator(image *sunspec.Image, phases uint8) *Aggregator {
	return &Aggregator{image: image, phases: phases}
}

// Last returns the most recent fused cycle.
func (a *Aggregator) Last() Aggregate {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.last
}

func applySF(raw uint16, sf int16) float64 {
	if raw == sunspec.NotImplS16 {
		return math.NaN()
	}
	return float64(int16(raw)) * math.Pow(10, float64(sf))
}

func applySFU(raw uint16, sf int16) float64 {
	if raw == sunspec.NotImplU16 {
		return math.NaN()
	}
	return float64(raw) * math.Pow(10, float64(sf))
}

// Run fuses every source with valid data and rewrites the value fields of
// the inverter model. Called after each successful poll; the last cycle
// wins.
func (a *Aggregator) Run(sources []*Source) Aggregate {
	var (
		phasePower   [3]float64
		phaseCurrent [3]float64
		phaseVSum    [3]float64
		phaseVCount  [3]int

		totalPower, totalCurrent float64
		sumFreq                  float64
		totalVA, totalVAr        float64
		totalEnergyWh            uint32
		totalDCPower             float64
		validCount               int
		anyProducing             bool
	)
	maxTemp := math.NaN()

	for _, s := range sources {
		r, valid := s.Block()
		if !valid {
			continue
		}
		validCount++

		aSF := int16(r[sunspec.InvASF])
		vSF := int16(r[sunspec.InvVSF])
		wSF := int16(r[sunspec.InvWSF])
		hzSF := int16(r[sunspec.InvHzSF])
		vaSF := int16(r[sunspec.InvVASF])
		varSF := int16(r[sunspec.InvVArSF])
		whSF := int16(r[sunspec.InvWHSF])
		dcwSF := int16(r[sunspec.InvDCWSF])
		tmpSF := int16(r[sunspec.InvTmpSF])

		pw := applySF(r[sunspec.InvW], wSF)
		if !math.IsNaN(pw) {
			totalPower += pw
			if pw > 0 {
				anyProducing = true
			}
		}

		cur := applySFU(r[sunspec.InvA], aSF)
		if !math.IsNaN(cur) {
			totalCurrent += cur
		}

		if s.Phases == 3 {
			iA := applySFU(r[sunspec.InvAphA], aSF)
			iB := applySFU(r[sunspec.InvAphB], aSF)
			iC := applySFU(r[sunspec.InvAphC], aSF)
			if !math.IsNaN(iA) {
				phaseCurrent[0] += iA
			}
			if !math.IsNaN(iB) {
				phaseCurrent[1] += iB
			}
			if !math.IsNaN(iC) {
				phaseCurrent[2] += iC
			}

			for p, off := range []int{sunspec.InvPhVphA, sunspec.InvPhVphB, sunspec.InvPhVphC} {
				if v := applySFU(r[off], vSF); !math.IsNaN(v) {
					phaseVSum[p] += v
					phaseVCount[p]++
				}
			}

			// Distribute power proportionally to per-phase current, or
			// equally when none is reported.
			totalI := nanZero(iA) + nanZero(iB) + nanZero(iC)
			if !math.IsNaN(pw) {
				if totalI > 0 {
					phasePower[0] += pw * nanZero(iA) / totalI
					phasePower[1] += pw * nanZero(iB) / totalI
					phasePower[2] += pw * nanZero(iC) / totalI
				} else {
					for p := 0; p < 3; p++ {
						phasePower[p] += pw / 3
					}
				}
			}
		} else {
			ph := int(s.ConnectedPhase) - 1
			if ph < 0 || ph > 2 {
				ph = 0
			}

			iA := applySFU(r[sunspec.InvAphA], aSF)
			if math.IsNaN(iA) {
				iA = cur // fall back to the total current register
			}
			if !math.IsNaN(iA) {
				phaseCurrent[ph] += iA
			}

			if v := applySFU(r[sunspec.InvPhVphA], vSF); !math.IsNaN(v) {
				phaseVSum[ph] += v
				phaseVCount[ph]++
			}

			if !math.IsNaN(pw) {
				phasePower[ph] += pw
			}
		}

		if va := applySF(r[sunspec.InvVA], vaSF); !math.IsNaN(va) {
			totalVA += va
		}
		if vr := applySF(r[sunspec.InvVAr], varSF); !math.IsNaN(vr) {
			totalVAr += vr
		}

		if f := applySF(r[sunspec.InvHz], hzSF); !math.IsNaN(f) {
			sumFreq += f
		}

		eRaw := uint32(r[sunspec.InvWH])<<16 | uint32(r[sunspec.InvWH+1])
		totalEnergyWh += uint32(float64(eRaw) * math.Pow(10, float64(whSF)))

		if t := applySF(r[sunspec.InvTmpCab], tmpSF); !math.IsNaN(t) {
			if math.IsNaN(maxTemp) || t > maxTemp {
				maxTemp = t
			}
		}

		if dcp := applySF(r[sunspec.InvDCW], dcwSF); !math.IsNaN(dcp) {
			totalDCPower += dcp
		}
	}

	if validCount == 0 {
		a.image.UpdateInverter(func(inv []uint16) {
			inv[sunspec.InvSt] = sunspec.StateSleeping
		})
		agg := Aggregate{MaxTempC: math.NaN(), State: sunspec.StateSleeping}
		a.mu.Lock()
		a.last = agg
		a.mu.Unlock()
		log.Printf("Aggregation: no valid sources")
		return agg
	}

	var avgV [3]float64
	for p := 0; p < 3; p++ {
		if phaseVCount[p] > 0 {
			avgV[p] = phaseVSum[p] / float64(phaseVCount[p])
		}
	}
	meanFreq := sumFreq / float64(validCount)

	state := uint16(sunspec.StateSleeping)
	if anyProducing {
		state = sunspec.StateMPPT
	}

	a.image.UpdateInverter(func(inv []uint16) {
		inv[sunspec.InvW] = uint16(int16(totalPower))

		inv[sunspec.InvA] = uint16(totalCurrent * 100)
		inv[sunspec.InvAphA] = uint16(phaseCurrent[0] * 100)
		inv[sunspec.InvAphB] = uint16(phaseCurrent[1] * 100)
		inv[sunspec.InvAphC] = uint16(phaseCurrent[2] * 100)

		inv[sunspec.InvPhVphA] = uint16(avgV[0] * 10)
		inv[sunspec.InvPhVphB] = uint16(avgV[1] * 10)
		inv[sunspec.InvPhVphC] = uint16(avgV[2] * 10)

		if a.phases == 3 {
			// L-L from averaged L-N values: |Vi - Vj*e^(j120deg)| with
			// cos 120deg = -1/2.
			vab := math.Sqrt(avgV[0]*avgV[0] + avgV[1]*avgV[1] + avgV[0]*avgV[1])
			vbc := math.Sqrt(avgV[1]*avgV[1] + avgV[2]*avgV[2] + avgV[1]*avgV[2])
			vca := math.Sqrt(avgV[2]*avgV[2] + avgV[0]*avgV[0] + avgV[2]*avgV[0])
			inv[sunspec.InvPPVphAB] = uint16(vab * 10)
			inv[sunspec.InvPPVphBC] = uint16(vbc * 10)
			inv[sunspec.InvPPVphCA] = uint16(vca * 10)
		}

		inv[sunspec.InvHz] = uint16(meanFreq * 100)

		inv[sunspec.InvVA] = uint16(int16(totalVA))
		inv[sunspec.InvVAr] = uint16(int16(totalVAr))

		if totalVA > 0 {
			pf := totalPower / totalVA
			if pf > 1 {
				pf = 1
			}
			inv[sunspec.InvPF] = uint16(int16(pf * 100))
		}

		inv[sunspec.InvWH] = uint16(totalEnergyWh >> 16)
		inv[sunspec.InvWH+1] = uint16(totalEnergyWh)

		if !math.IsNaN(maxTemp) {
			inv[sunspec.InvTmpCab] = uint16(int16(maxTemp * 10))
		}
		if totalDCPower > 0 {
			inv[sunspec.InvDCW] = uint16(int16(totalDCPower))
		}

		inv[sunspec.InvSt] = state
	})

	agg := Aggregate{
		PowerW:        totalPower,
		CurrentA:      totalCurrent,
		VoltageV:      avgV[0],
		FrequencyHz:   meanFreq,
		EnergyKWh:     float64(totalEnergyWh) / 1000,
		PhasePowerW:   phasePower,
		PhaseCurrentA: phaseCurrent,
		PhaseVoltageV: avgV,
		ApparentVA:    totalVA,
		ReactiveVAr:   totalVAr,
		DCPowerW:      totalDCPower,
		MaxTempC:      maxTemp,
		TotalEnergyWh: totalEnergyWh,
		ValidSources:  validCount,
		Producing:     anyProducing,
		State:         state,
	}

	a.mu.Lock()
	a.last = agg
	a.mu.Unlock()

	log.Printf("AGG: P=%.0fW (L1:%.0f L2:%.0f L3:%.0f) I=%.2fA V=%.1f/%.1f/%.1fV f=%.2fHz E=%.1fkWh [%d/%d, %s]",
		totalPower, phasePower[0], phasePower[1], phasePower[2],
		totalCurrent, avgV[0], avgV[1], avgV[2], meanFreq,
		float64(totalEnergyWh)/1000, validCount, len(sources), sunspec.StateString(state))

	return agg
}

func nanZero(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return v
}
