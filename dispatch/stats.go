package dispatch

import "time"

// BatchStats is a derived view over the result map, the active-request
// set, and the rate limiter. It is recomputed on every call and never
// cached.
type BatchStats struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	InFlight  int `json:"in_flight"`
	Queued    int `json:"queued"`

	AvgTotalTime time.Duration `json:"avg_total_time"`
	MinTotalTime time.Duration `json:"min_total_time"`
	MaxTotalTime time.Duration `json:"max_total_time"`

	TotalCost        float64 `json:"total_cost"`
	TotalTokens      int64   `json:"total_tokens"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`

	// Throughput is completed requests per second of batch elapsed time.
	Throughput         float64 `json:"throughput"`
	LimiterUtilization float64 `json:"limiter_utilization"`
}

// Stats computes the current batch statistics.
func (d *Dispatcher) Stats() BatchStats {
	var s BatchStats

	d.resultsMu.Lock()
	var sum time.Duration
	n := 0
	for _, res := range d.results {
		if res.Success {
			s.Completed++
		} else {
			s.Failed++
		}
		sum += res.TotalTime
		if n == 0 || res.TotalTime < s.MinTotalTime {
			s.MinTotalTime = res.TotalTime
		}
		if res.TotalTime > s.MaxTotalTime {
			s.MaxTotalTime = res.TotalTime
		}
		n++
	}
	d.resultsMu.Unlock()
	if n > 0 {
		s.AvgTotalTime = sum / time.Duration(n)
	}

	d.activeMu.Lock()
	for _, p := range d.active {
		if p == PhaseExecuting {
			s.InFlight++
		}
	}
	d.activeMu.Unlock()
	s.Queued = d.queue.len()

	d.totalsMu.Lock()
	s.TotalCost = d.totalCost
	s.TotalTokens = d.totalTokens
	s.PromptTokens = d.totalPromptTok
	s.CompletionTokens = d.totalCompletTok
	d.totalsMu.Unlock()

	if elapsed := time.Since(d.startedAt).Seconds(); elapsed > 0 {
		s.Throughput = float64(s.Completed) / elapsed
	}
	s.LimiterUtilization = d.limiter.GetStatus().Utilization
	return s
}
