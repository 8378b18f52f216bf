package bridge

import (
	"log"
	"sync"
	"time"

	"hoymiles-bridge/internal/hoymiles"
	"hoymiles-bridge/internal/sunspec"
)

// MaxSources bounds the number of inverters polled through one DTU.
const MaxSources = 8

// SourceConfig declares one physical inverter behind the DTU.
type SourceConfig struct {
	PortNumber     uint8  `mapstructure:"port_number" json:"port_number"`
	Phases         uint8  `mapstructure:"phases" json:"phases"`
	ConnectedPhase uint8  `mapstructure:"connected_phase" json:"connected_phase"`
	RatedPowerW    uint16 `mapstructure:"rated_power_w" json:"rated_power_w"`
	MPPTInputs     uint8  `mapstructure:"mppt_inputs" json:"mppt_inputs"`
	Name           string `mapstructure:"name" json:"name"`
	Model          string `mapstructure:"model" json:"model"`
	Serial         string `mapstructure:"serial" json:"serial"`
}

// SourceStats counts per-source polling outcomes.
type SourceStats struct {
	PollSuccess uint32 `json:"poll_success"`
	PollFail    uint32 `json:"poll_fail"`
	PollTimeout uint32 `json:"poll_timeout"`
	CRCError    uint32 `json:"crc_error"`
}

// Source is the live state of one polled inverter. The poller goroutine
// writes it and the observer and API goroutines read it, so every access
// outside the config fields goes through mu.
type Source struct {
	SourceConfig

	mu sync.Mutex

	// Last decoded port block in real-world units.
	Data hoymiles.PortData

	// The same cycle re-encoded as a SunSpec Model 101 style block, so the
	// aggregator fuses every source through one scale-factor-aware path.
	RawRegs [sunspec.ModelInvSize]uint16

	SerialFromDTU string
	DataValid     bool
	LastPoll      time.Time
	Stats         SourceStats

	metadataRead bool
}

// NewSource builds a source from its configuration, filling missing ratings
// from the model catalog when the model is known.
func NewSource(cfg SourceConfig) *Source {
	if spec := hoymiles.LookupModel(cfg.Model); spec != nil {
		if cfg.RatedPowerW == 0 {
			cfg.RatedPowerW = spec.RatedPowerW
		}
		if cfg.MPPTInputs == 0 {
			cfg.MPPTInputs = spec.MPPTInputs
		}
		if cfg.Phases == 0 {
			cfg.Phases = spec.Phases
		}
	}
	if cfg.Phases == 0 {
		cfg.Phases = 1
	}
	if cfg.Phases == 1 && (cfg.ConnectedPhase < 1 || cfg.ConnectedPhase > 3) {
		cfg.ConnectedPhase = 1
	}
	if cfg.Phases == 3 {
		cfg.ConnectedPhase = 0
	}

	s := &Source{SourceConfig: cfg}
	s.resetRawRegs()

	if cfg.Phases == 1 {
		log.Printf("Source '%s' (%s): port=%d, 1-phase on L%d, %dW, %d MPPT",
			cfg.Name, cfg.Model, cfg.PortNumber, cfg.ConnectedPhase, cfg.RatedPowerW, cfg.MPPTInputs)
	} else {
		log.Printf("Source '%s' (%s): port=%d, 3-phase, %dW, %d MPPT",
			cfg.Name, cfg.Model, cfg.PortNumber, cfg.RatedPowerW, cfg.MPPTInputs)
	}
	return s
}

func (s *Source) resetRawRegs() {
	for i := range s.RawRegs {
		s.RawRegs[i] = sunspec.NotImplU16
	}
	s.RawRegs[sunspec.InvASF] = uint16(0xFFFE) // int16(-2)
	s.RawRegs[sunspec.InvVSF] = uint16(0xFFFF) // int16(-1)
	s.RawRegs[sunspec.InvWSF] = 0
	s.RawRegs[sunspec.InvHzSF] = uint16(0xFFFE) // int16(-2)
	s.RawRegs[sunspec.InvVASF] = 0
	s.RawRegs[sunspec.InvVArSF] = 0
	// VA and VAr are signed fields the DTU never reports; mark them with
	// the signed sentinel so aggregation excludes them instead of reading
	// 0xFFFF as -1.
	s.RawRegs[sunspec.InvVA] = sunspec.NotImplS16
	s.RawRegs[sunspec.InvVAr] = sunspec.NotImplS16
	s.RawRegs[sunspec.InvPFSF] = uint16(0xFFFE)  // int16(-2)
	s.RawRegs[sunspec.InvWHSF] = 0
	s.RawRegs[sunspec.InvDCASF] = uint16(0xFFFE) // int16(-2)
	s.RawRegs[sunspec.InvDCVSF] = uint16(0xFFFF) // int16(-1)
	s.RawRegs[sunspec.InvDCWSF] = 0
	s.RawRegs[sunspec.InvTmpSF] = uint16(0xFFFF) // int16(-1)
	s.RawRegs[sunspec.InvSt] = sunspec.StateSleeping
}

// ApplyPortData stores one successfully decoded poll and re-encodes it into
// the source's SunSpec style block.
func (s *Source) ApplyPortData(d *hoymiles.PortData, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Data = *d
	s.DataValid = true
	s.LastPoll = now

	if !s.metadataRead {
		s.metadataRead = true
		if d.Serial != "" {
			s.SerialFromDTU = d.Serial
			if s.Serial == "" {
				s.Serial = d.Serial
			}
			log.Printf("Source '%s' (port %d) serial: %s", s.Name, s.PortNumber, d.Serial)
		}
	}

	r := &s.RawRegs
	r[sunspec.InvW] = uint16(int16(d.PowerW))
	r[sunspec.InvA] = uint16(d.CurrentA * 100)
	r[sunspec.InvHz] = uint16(d.FrequencyHz * 100)

	if s.Phases == 3 {
		// The DTU reports a single grid voltage and no per-phase currents
		// for HMT units, so the block carries the measured voltage on all
		// phases and splits the current equally.
		perPhase := uint16(d.CurrentA / 3 * 100)
		r[sunspec.InvAphA] = perPhase
		r[sunspec.InvAphB] = perPhase
		r[sunspec.InvAphC] = perPhase
		v := uint16(d.GridVoltageV * 10)
		r[sunspec.InvPhVphA] = v
		r[sunspec.InvPhVphB] = v
		r[sunspec.InvPhVphC] = v
	} else {
		r[sunspec.InvAphA] = uint16(d.CurrentA * 100)
		r[sunspec.InvPhVphA] = uint16(d.GridVoltageV * 10)
	}

	r[sunspec.InvWH] = uint16(d.TotalWh >> 16)
	r[sunspec.InvWH+1] = uint16(d.TotalWh)
	r[sunspec.InvTmpCab] = uint16(int16(d.TemperatureC * 10))
	r[sunspec.InvDCW] = uint16(int16(d.PVPowerW))
	r[sunspec.InvDCA] = uint16(d.PVCurrentA * 100)
	r[sunspec.InvDCV] = uint16(d.PVVoltageV * 10)
	if d.Producing {
		r[sunspec.InvSt] = sunspec.StateMPPT
	} else {
		r[sunspec.InvSt] = sunspec.StateSleeping
	}
}

// RecordSuccess counts one successful poll.
func (s *Source) RecordSuccess() {
	s.mu.Lock()
	s.Stats.PollSuccess++
	s.mu.Unlock()
}

// RecordFail counts one failed poll (exception, bad function, short data).
func (s *Source) RecordFail() {
	s.mu.Lock()
	s.Stats.PollFail++
	s.mu.Unlock()
}

// RecordCRCError counts one checksum mismatch; CRC errors also count as
// failures.
func (s *Source) RecordCRCError() {
	s.mu.Lock()
	s.Stats.CRCError++
	s.Stats.PollFail++
	s.mu.Unlock()
}

// RecordTimeout counts one response timeout and returns the new total.
func (s *Source) RecordTimeout() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Stats.PollTimeout++
	return s.Stats.PollTimeout
}

// Block copies the source's SunSpec-aligned register block for aggregation.
func (s *Source) Block() (regs [sunspec.ModelInvSize]uint16, valid bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.RawRegs, s.DataValid
}

// Online reports whether the source has data and it is not stale. A source
// goes stale after three missed poll cycles.
func (s *Source) Online(now time.Time, pollInterval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online(now, pollInterval)
}

func (s *Source) online(now time.Time, pollInterval time.Duration) bool {
	return s.DataValid && now.Sub(s.LastPoll) < 3*pollInterval
}

// StatusString renders the source state for status surfaces.
func (s *Source) StatusString(now time.Time, pollInterval time.Duration) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusString(now, pollInterval)
}

func (s *Source) statusString(now time.Time, pollInterval time.Duration) string {
	if !s.DataValid {
		return "No data"
	}
	if !s.online(now, pollInterval) {
		return fmtStale(now.Sub(s.LastPoll))
	}
	if s.Data.Producing {
		return fmtProducing(s.Data.PowerW)
	}
	return "Idle"
}

// Snapshot copies the source state for observers.
func (s *Source) Snapshot(index int, now time.Time, pollInterval time.Duration) SourceSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SourceSnapshot{
		Index:        index,
		Name:         s.Name,
		Model:        s.Model,
		Serial:       s.Serial,
		PortNumber:   s.PortNumber,
		Phases:       s.Phases,
		PowerW:       s.Data.PowerW,
		VoltageV:     s.Data.GridVoltageV,
		CurrentA:     s.Data.CurrentA,
		FrequencyHz:  s.Data.FrequencyHz,
		EnergyKWh:    float64(s.Data.TotalWh) / 1000,
		TodayWh:      s.Data.TodayWh,
		TemperatureC: s.Data.TemperatureC,
		PVVoltageV:   s.Data.PVVoltageV,
		PVCurrentA:   s.Data.PVCurrentA,
		PVPowerW:     s.Data.PVPowerW,
		AlarmCode:    s.Data.AlarmCode,
		LinkStatus:   s.Data.LinkStatus,
		Producing:    s.Data.Producing,
		Online:       s.online(now, pollInterval),
		Status:       s.statusString(now, pollInterval),
		Stats:        s.Stats,
		LastPoll:     s.LastPoll,
		DataValid:    s.DataValid,
	}
}
