package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"hoymiles-bridge/internal/hoymiles"
	"hoymiles-bridge/internal/rtu"
)

// PollerConfig wires the poller to the RS-485 bus.
type PollerConfig struct {
	Port         rtu.Port
	DTUAddress   uint8
	PollInterval time.Duration
	RTUTimeout   time.Duration
	CommandDelay time.Duration
}

type limitCommand struct {
	pctRaw  uint16
	enabled bool
}

// Poller drives the RS-485 bus half-duplex: it rotates through the sources
// with at most one request in flight, and drains queued power limit
// commands between polls so command frames never interleave with a pending
// read. It is the only writer on the bus.
type Poller struct {
	cfg     PollerConfig
	sources []*Source
	agg     *Aggregator

	busy      bool
	inflight  int
	next      int
	lastPoll  time.Time
	requestAt time.Time
	rxBuf     []byte

	cmds chan limitCommand
}

func NewPoller(cfg PollerConfig, sources []*Source, agg *Aggregator) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.RTUTimeout <= 0 {
		cfg.RTUTimeout = 3 * time.Second
	}
	if cfg.CommandDelay <= 0 {
		cfg.CommandDelay = 100 * time.Millisecond
	}
	return &Poller{
		cfg:     cfg,
		sources: sources,
		agg:     agg,
		cmds:    make(chan limitCommand, 4),
	}
}

// Sources exposes the poller-owned source list for snapshotting.
func (p *Poller) Sources() []*Source {
	return p.sources
}

// Run ticks the state machine until the context is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	log.Printf("Poller started: %d sources, DTU address %d, interval %s",
		len(p.sources), p.cfg.DTUAddress, p.cfg.PollInterval)

	for {
		select {
		case <-ctx.Done():
			log.Println("Poller stopped")
			return
		case <-ticker.C:
			p.Tick(time.Now())
		}
	}
}

// Busy reports whether an RTU request is in flight.
func (p *Poller) Busy() bool {
	return p.busy
}

// Tick advances the state machine one step.
func (p *Poller) Tick(now time.Time) {
	if len(p.sources) == 0 {
		return
	}

	if p.busy {
		p.readResponse(now)
		return
	}

	// Bus idle: forward one queued power limit command before the next
	// poll so the bus stays mutually exclusive.
	select {
	case cmd := <-p.cmds:
		p.executeLimit(cmd)
		return
	default:
	}

	interval := p.cfg.PollInterval / time.Duration(len(p.sources))
	if now.Sub(p.lastPoll) < interval {
		return
	}

	s := p.sources[p.next]
	rtu.Drain(p.cfg.Port)
	p.rxBuf = p.rxBuf[:0]

	base := hoymiles.PortBase(s.PortNumber)
	frame := rtu.BuildReadHolding(p.cfg.DTUAddress, base, hoymiles.RegPortCount)
	if _, err := p.cfg.Port.Write(frame); err != nil {
		log.Printf("RTU TX failed for '%s': %v", s.Name, err)
		s.RecordFail()
	} else {
		p.busy = true
		p.inflight = p.next
		p.requestAt = now
	}

	p.next = (p.next + 1) % len(p.sources)
	p.lastPoll = now
}

func (p *Poller) readResponse(now time.Time) {
	s := p.sources[p.inflight]

	buf := make([]byte, 256)
	for {
		n, err := p.cfg.Port.Read(buf)
		if n > 0 {
			p.rxBuf = append(p.rxBuf, buf[:n]...)
		}
		if n == 0 || err != nil {
			break
		}
	}

	resp, err := rtu.ParseResponse(p.rxBuf)
	switch {
	case err == nil && resp.Function == rtu.FuncReadHolding:
		p.busy = false
		p.handleDataBlock(s, resp.Payload, now)

	case err == nil:
		p.busy = false
		s.RecordFail()
		log.Printf("RTU RX: unexpected function 0x%02X for '%s'", resp.Function, s.Name)

	case errors.Is(err, rtu.ErrCRC):
		p.busy = false
		s.RecordCRCError()
		log.Printf("RTU RX: CRC error for '%s' (%d bytes)", s.Name, len(p.rxBuf))

	case errors.Is(err, rtu.ErrShortFrame):
		if now.Sub(p.requestAt) > p.cfg.RTUTimeout {
			p.busy = false
			timeouts := s.RecordTimeout()
			log.Printf("RTU: timeout for '%s' (DTU %d, port %d), timeouts=%d",
				s.Name, p.cfg.DTUAddress, s.PortNumber, timeouts)
		}

	default:
		var exc *rtu.ExceptionError
		p.busy = false
		s.RecordFail()
		if errors.As(err, &exc) {
			log.Printf("RTU RX: DTU exception for port %d: %v", s.PortNumber, exc)
		} else {
			log.Printf("RTU RX: parse failed for '%s': %v", s.Name, err)
		}
	}
}

func (p *Poller) handleDataBlock(s *Source, payload []byte, now time.Time) {
	regs := decodeRegisterPayload(payload)
	data, err := hoymiles.DecodePortBlock(regs)
	if err != nil {
		s.RecordFail()
		log.Printf("RTU RX: '%s' %v", s.Name, err)
		return
	}

	s.ApplyPortData(data, now)
	s.RecordSuccess()

	log.Printf("RTU RX: '%s' (port %d): P=%.0fW V=%.0fV I=%.2fA f=%.2fHz T=%.0fC E=%.1fkWh",
		s.Name, s.PortNumber, data.PowerW, data.GridVoltageV, data.CurrentA,
		data.FrequencyHz, data.TemperatureC, float64(data.TotalWh)/1000)

	p.agg.Run(p.sources)
}

func decodeRegisterPayload(payload []byte) []uint16 {
	if len(payload) < 1 {
		return nil
	}
	count := int(payload[0]) / 2
	if count*2 > len(payload)-1 {
		count = (len(payload) - 1) / 2
	}
	regs := make([]uint16, count)
	for i := 0; i < count; i++ {
		regs[i] = uint16(payload[1+i*2])<<8 | uint16(payload[2+i*2])
	}
	return regs
}

// ForwardPowerLimit queues a SunSpec power limit command for translation to
// the Hoymiles control registers. Called from the TCP write path; the
// command is emitted at the next idle transition.
func (p *Poller) ForwardPowerLimit(pctRaw uint16, enabled bool) {
	select {
	case p.cmds <- limitCommand{pctRaw: pctRaw, enabled: enabled}:
	default:
		log.Printf("Power limit command queue full, dropping (pct=%d, enabled=%v)", pctRaw, enabled)
	}
}

// executeLimit translates one SunSpec Model 123 command into per-source
// Hoymiles register writes. The writes are fire and forget: the DTU replies
// are not parsed, only spaced out.
func (p *Poller) executeLimit(cmd limitCommand) {
	for _, s := range p.sources {
		limitReg := hoymiles.LimitRegister(s.PortNumber)
		onoffReg := hoymiles.OnOffRegister(s.PortNumber)

		if cmd.enabled {
			// SunSpec 0-1000 (tenths of a percent) to Hoymiles 2-100.
			hmPct := cmd.pctRaw / 10
			if hmPct < 2 {
				hmPct = 2
			}
			if hmPct > 100 {
				hmPct = 100
			}

			log.Printf("RTU TX: power limit %d%% to '%s' (DTU %d, port %d, reg 0x%04X)",
				hmPct, s.Name, p.cfg.DTUAddress, s.PortNumber, limitReg)

			p.cfg.Port.Write(rtu.BuildWriteSingle(p.cfg.DTUAddress, limitReg, hmPct))
			time.Sleep(p.cfg.CommandDelay)

			p.cfg.Port.Write(rtu.BuildWriteCoil(p.cfg.DTUAddress, onoffReg, hoymiles.CoilOn))
			time.Sleep(p.cfg.CommandDelay)
		} else {
			log.Printf("RTU TX: removing power limit on '%s' (DTU %d, port %d)",
				s.Name, p.cfg.DTUAddress, s.PortNumber)

			p.cfg.Port.Write(rtu.BuildWriteSingle(p.cfg.DTUAddress, limitReg, 100))
			time.Sleep(p.cfg.CommandDelay)
		}
	}
}

// Probe polls a single source synchronously. Used by the probe subcommand;
// must not run concurrently with Run.
func (p *Poller) Probe(idx int) (*hoymiles.PortData, error) {
	if idx < 0 || idx >= len(p.sources) {
		return nil, fmt.Errorf("no source %d", idx)
	}
	s := p.sources[idx]

	rtu.Drain(p.cfg.Port)
	base := hoymiles.PortBase(s.PortNumber)
	if _, err := p.cfg.Port.Write(rtu.BuildReadHolding(p.cfg.DTUAddress, base, hoymiles.RegPortCount)); err != nil {
		return nil, fmt.Errorf("rtu write: %w", err)
	}

	deadline := time.Now().Add(p.cfg.RTUTimeout)
	var rx []byte
	buf := make([]byte, 256)
	for time.Now().Before(deadline) {
		n, err := p.cfg.Port.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("rtu read: %w", err)
		}
		if n > 0 {
			rx = append(rx, buf[:n]...)
		}
		resp, perr := rtu.ParseResponse(rx)
		if errors.Is(perr, rtu.ErrShortFrame) {
			time.Sleep(20 * time.Millisecond)
			continue
		}
		if perr != nil {
			return nil, perr
		}
		if resp.Function != rtu.FuncReadHolding {
			return nil, fmt.Errorf("unexpected function 0x%02X", resp.Function)
		}
		return hoymiles.DecodePortBlock(decodeRegisterPayload(resp.Payload))
	}
	return nil, fmt.Errorf("timeout waiting for port %d", s.PortNumber)
}
