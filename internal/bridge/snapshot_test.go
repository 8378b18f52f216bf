package bridge

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestSourceCatalogFill(t *testing.T) {
	s := NewSource(SourceConfig{Name: "garage", Model: "HMS-800-2T"})
	assert.Equal(t, s.RatedPowerW, uint16(800))
	assert.Equal(t, s.MPPTInputs, uint8(1))
	assert.Equal(t, s.Phases, uint8(1))
	assert.Equal(t, s.ConnectedPhase, uint8(1))
}

func TestSourceConfigOverridesCatalog(t *testing.T) {
	s := NewSource(SourceConfig{Name: "garage", Model: "HMS-800-2T", RatedPowerW: 600, ConnectedPhase: 2})
	assert.Equal(t, s.RatedPowerW, uint16(600))
	assert.Equal(t, s.ConnectedPhase, uint8(2))
}

func TestSourceUnknownModelKeepsConfig(t *testing.T) {
	s := NewSource(SourceConfig{Name: "attic", Model: "FUTURE-9000", RatedPowerW: 900, Phases: 1, ConnectedPhase: 3})
	assert.Equal(t, s.RatedPowerW, uint16(900))
	assert.Equal(t, s.Phases, uint8(1))
}

func TestSourceOnlineAndStatus(t *testing.T) {
	s := NewSource(SourceConfig{Name: "garage", Phases: 1, ConnectedPhase: 1})
	interval := 5 * time.Second
	now := time.Now()

	assert.Assert(t, !s.Online(now, interval))
	assert.Equal(t, s.StatusString(now, interval), "No data")

	s.ApplyPortData(producingData(650, 230), now)
	assert.Assert(t, s.Online(now, interval))
	assert.Equal(t, s.StatusString(now, interval), "Producing 650W")

	s.ApplyPortData(producingData(0, 230), now)
	assert.Equal(t, s.StatusString(now, interval), "Idle")

	later := now.Add(16 * time.Second)
	assert.Assert(t, !s.Online(later, interval))
	assert.Equal(t, s.StatusString(later, interval), "Stale (16s)")
}

func TestObserverSnapshot(t *testing.T) {
	port := &fakePort{}
	sources := twoSources()
	p, agg, im := newTestPoller(port, sources)

	now := time.Now()
	p.Tick(now)
	port.queueResponse(portBlockResponse(126, 650))
	p.Tick(now.Add(10 * time.Millisecond))

	obs := NewObserver(ObserverConfig{
		Poller:       p,
		Aggregator:   agg,
		PollInterval: 100 * time.Millisecond,
		TCPStatus: func() TCPStatus {
			return TCPStatus{ActiveClients: 1, RequestCount: 7, LastActivity: now}
		},
		PowerLimit: im.PowerLimit,
	})

	snap := obs.Snapshot(now.Add(20 * time.Millisecond))
	assert.Equal(t, len(snap.Sources), 2)
	assert.Equal(t, snap.Aggregate.PowerW, 650.0)
	assert.Equal(t, snap.Sources[0].PowerW, 650.0)
	assert.Assert(t, snap.Sources[0].Online)
	assert.Assert(t, !snap.Sources[1].DataValid)
	assert.Equal(t, snap.TCP.RequestCount, uint32(7))
	assert.Assert(t, snap.ClientActive)

	// Limiting is disabled by default: the effective limit reads 100%.
	assert.Assert(t, !snap.PowerLimitOn)
	assert.Equal(t, snap.PowerLimitPct, 100.0)
}

// Snapshots race the poller goroutine in production (observer, API); run
// under the race detector this exercises the source locking.
func TestSnapshotConcurrentWithPolling(t *testing.T) {
	port := &fakePort{}
	sources := twoSources()
	p, agg, im := newTestPoller(port, sources)

	obs := NewObserver(ObserverConfig{
		Poller:       p,
		Aggregator:   agg,
		PollInterval: 100 * time.Millisecond,
		PowerLimit:   im.PowerLimit,
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		now := time.Now()
		for i := 0; i < 100; i++ {
			p.Tick(now)
			port.queueResponse(portBlockResponse(126, 650))
			now = now.Add(10 * time.Millisecond)
			p.Tick(now)
			now = now.Add(60 * time.Millisecond)
		}
	}()

	for {
		select {
		case <-done:
			snap := obs.Snapshot(time.Now())
			assert.Equal(t, len(snap.Sources), 2)
			assert.Assert(t, snap.Sources[0].Stats.PollSuccess > 0)
			return
		default:
			obs.Snapshot(time.Now())
		}
	}
}
