package dispatch

import (
	"math"
	"time"
)

// runMonitor emits periodic PROGRESS snapshots while workers drain the
// queue, and ages out recent-completion entries. It holds no resource the
// workers need. One snapshot is emitted immediately and one after the
// pool joins, so observers see a start and an end frame even for an empty
// batch.
func (d *Dispatcher) runMonitor(stop <-chan struct{}) {
	d.emitProgress()

	ticker := time.NewTicker(d.cfg.ProgressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			d.expireRecent()
			d.emitProgress()
			return
		case <-ticker.C:
			d.expireRecent()
			d.emitProgress()
		}
	}
}

func (d *Dispatcher) emitProgress() {
	snap := d.snapshot()
	d.emit(Event{Type: EventProgress, Time: time.Now(), Progress: &snap})
	if d.metrics != nil {
		d.metrics.ObserveProgress(
			snap.Completed, snap.Failed, snap.InFlight, snap.Queued,
			snap.CumulativeTokens, snap.CumulativeCost, snap.LimiterUtilization,
		)
	}
}

func (d *Dispatcher) snapshot() Snapshot {
	completed, failed := d.resultCounts()

	d.activeMu.Lock()
	inFlight := 0
	for _, p := range d.active {
		if p == PhaseExecuting {
			inFlight++
		}
	}
	d.activeMu.Unlock()

	d.totalsMu.Lock()
	cost := d.totalCost
	tokens := d.totalTokens
	d.totalsMu.Unlock()

	return Snapshot{
		Completed:          completed,
		Failed:             failed,
		InFlight:           inFlight,
		Queued:             d.queue.len(),
		CumulativeCost:     cost,
		CumulativeTokens:   tokens,
		LimiterUtilization: d.limiter.GetStatus().Utilization,
		Elapsed:            time.Since(d.startedAt),
	}
}

func (d *Dispatcher) resultCounts() (completed, failed int) {
	d.resultsMu.Lock()
	defer d.resultsMu.Unlock()
	for _, res := range d.results {
		if res.Success {
			completed++
		} else {
			failed++
		}
	}
	return completed, failed
}

// ttlCycles converts the fixed completion-display window into a number of
// progress cycles for the configured interval.
func (d *Dispatcher) ttlCycles() int {
	cycles := int(math.Ceil(completedTTL.Seconds() / d.cfg.ProgressInterval.Seconds()))
	if cycles < 1 {
		cycles = 1
	}
	return cycles
}

func (d *Dispatcher) addRecent(cs *CompletedStatus) {
	cs.ttlCycles = d.ttlCycles()
	d.recentMu.Lock()
	d.recent = append(d.recent, cs)
	d.recentMu.Unlock()
}

// expireRecent decrements every entry's remaining cycles and drops the
// ones that reached zero.
func (d *Dispatcher) expireRecent() {
	d.recentMu.Lock()
	defer d.recentMu.Unlock()
	kept := d.recent[:0]
	for _, cs := range d.recent {
		cs.ttlCycles--
		if cs.ttlCycles > 0 {
			kept = append(kept, cs)
		}
	}
	d.recent = kept
}

// RecentCompletions returns the terminal requests still inside the display
// window.
func (d *Dispatcher) RecentCompletions() []*CompletedStatus {
	d.recentMu.Lock()
	defer d.recentMu.Unlock()
	out := make([]*CompletedStatus, len(d.recent))
	copy(out, d.recent)
	return out
}
