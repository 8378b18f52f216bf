package bridge

import (
	"context"
	"fmt"
	"log"
	"time"
)

// SourceSnapshot is one source's state as seen by observers.
type SourceSnapshot struct {
	Index         int         `json:"index"`
	Name          string      `json:"name"`
	Model         string      `json:"model"`
	Serial        string      `json:"serial"`
	PortNumber    uint8       `json:"port_number"`
	Phases        uint8       `json:"phases"`
	PowerW        float64     `json:"power_w"`
	VoltageV      float64     `json:"voltage_v"`
	CurrentA      float64     `json:"current_a"`
	FrequencyHz   float64     `json:"frequency_hz"`
	EnergyKWh     float64     `json:"energy_kwh"`
	TodayWh       uint32      `json:"today_energy_wh"`
	TemperatureC  float64     `json:"temperature_c"`
	PVVoltageV    float64     `json:"pv_voltage_v"`
	PVCurrentA    float64     `json:"pv_current_a"`
	PVPowerW      float64     `json:"pv_power_w"`
	AlarmCode     uint16      `json:"alarm_code"`
	LinkStatus    uint8       `json:"link_status"`
	Producing     bool        `json:"producing"`
	Online        bool        `json:"online"`
	Status        string      `json:"status"`
	Stats         SourceStats `json:"stats"`
	LastPoll      time.Time   `json:"last_poll"`
	DataValid     bool        `json:"data_valid"`
}

// TCPStatus is the served-side health seen by observers.
type TCPStatus struct {
	ActiveClients int       `json:"active_clients"`
	RequestCount  uint32    `json:"request_count"`
	ErrorCount    uint32    `json:"error_count"`
	LastActivity  time.Time `json:"last_activity"`
}

// Snapshot is one observer cycle: the fused aggregate, every source, and
// the TCP side, plus the effective power limit.
type Snapshot struct {
	Timestamp       time.Time        `json:"timestamp"`
	Aggregate       Aggregate        `json:"aggregate"`
	Sources         []SourceSnapshot `json:"sources"`
	TCP             TCPStatus        `json:"tcp"`
	ClientActive    bool             `json:"client_active"`
	PowerLimitPct   float64          `json:"power_limit_pct"`
	PowerLimitOn    bool             `json:"power_limit_enabled"`
}

// SnapshotSink receives periodic snapshots (MQTT publisher, readings
// database).
type SnapshotSink interface {
	PublishSnapshot(snap *Snapshot) error
}

// Observer assembles and distributes snapshots on a fixed cadence.
type Observer struct {
	poller       *Poller
	agg          *Aggregator
	pollInterval time.Duration
	interval     time.Duration
	tcpStatus    func() TCPStatus
	powerLimit   func() (uint16, bool)
	sinks        []SnapshotSink
}

type ObserverConfig struct {
	Poller       *Poller
	Aggregator   *Aggregator
	PollInterval time.Duration
	Interval     time.Duration
	TCPStatus    func() TCPStatus
	PowerLimit   func() (pctRaw uint16, enabled bool)
	Sinks        []SnapshotSink
}

func NewObserver(cfg ObserverConfig) *Observer {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &Observer{
		poller:       cfg.Poller,
		agg:          cfg.Aggregator,
		pollInterval: cfg.PollInterval,
		interval:     cfg.Interval,
		tcpStatus:    cfg.TCPStatus,
		powerLimit:   cfg.PowerLimit,
		sinks:        cfg.Sinks,
	}
}

// Run publishes snapshots until the context is cancelled.
func (o *Observer) Run(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := o.Snapshot(time.Now())
			for _, sink := range o.sinks {
				if err := sink.PublishSnapshot(snap); err != nil {
					log.Printf("Snapshot sink error: %v", err)
				}
			}
		}
	}
}

// Snapshot assembles the current state.
func (o *Observer) Snapshot(now time.Time) *Snapshot {
	snap := &Snapshot{
		Timestamp: now,
		Aggregate: o.agg.Last(),
	}

	for i, s := range o.poller.Sources() {
		snap.Sources = append(snap.Sources, s.Snapshot(i, now, o.pollInterval))
	}

	if o.tcpStatus != nil {
		snap.TCP = o.tcpStatus()
		snap.ClientActive = snap.TCP.ActiveClients > 0 &&
			now.Sub(snap.TCP.LastActivity) < 30*time.Second
	}

	if o.powerLimit != nil {
		pct, ena := o.powerLimit()
		snap.PowerLimitOn = ena
		if ena {
			snap.PowerLimitPct = float64(pct) / 10
		} else {
			snap.PowerLimitPct = 100
		}
	}

	return snap
}

func fmtProducing(powerW float64) string {
	return fmt.Sprintf("Producing %.0fW", powerW)
}

func fmtStale(age time.Duration) string {
	return fmt.Sprintf("Stale (%ds)", int(age.Seconds()))
}
