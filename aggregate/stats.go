package aggregate

import (
	"math"
	"slices"
)

// Latency is the distribution of probe round trip times.
type Latency struct {
	AvgMs float64 `json:"avg_ms"`
	MinMs float64 `json:"min_ms"`
	MaxMs float64 `json:"max_ms"`
	P50Ms float64 `json:"p50_ms"`
	P95Ms float64 `json:"p95_ms"`
	P99Ms float64 `json:"p99_ms"`
}

type TimingStats struct {
	Total Latency `json:"total"`
}

// latency computes the distribution of values using nearest-rank
// percentiles. values is sorted in place.
func latency(values []float64) Latency {
	if len(values) == 0 {
		return Latency{}
	}
	slices.Sort(values)
	n := len(values)

	var sum float64
	for _, v := range values {
		sum += v
	}

	return Latency{
		AvgMs: math.Round(sum / float64(n)),
		MinMs: values[0],
		MaxMs: values[n-1],
		P50Ms: values[n/2],
		P95Ms: values[int(float64(n)*0.95)],
		P99Ms: values[int(float64(n)*0.99)],
	}
}

// percent rounds part/whole*100 to two decimals.
func percent(part, whole int) float64 {
	if whole <= 0 {
		return 0
	}
	return math.Round(float64(part)/float64(whole)*100*100) / 100
}

// Changes compares this report with the previous one.
type Changes struct {
	PreviousTimestamp string `json:"previous_timestamp,omitempty"`
	Recovered         int    `json:"recovered"`
	NewlyFailed       int    `json:"newly_failed"`
	NewRelays         int    `json:"new_relays"`
	MissingRelays     int    `json:"missing_relays"`
}

// applyHistory sets the consecutive failure counters from the previous
// report and returns the changes between the two reports.
func applyHistory(records []Record, previous *Report) *Changes {
	prev := map[string]*Record{}
	if previous != nil {
		for i := range previous.Results {
			r := &previous.Results[i]
			prev[r.ExitFingerprint] = r
		}
	}

	var ch *Changes
	if previous != nil {
		ch = &Changes{PreviousTimestamp: previous.Metadata.Timestamp}
	}
	current := map[string]bool{}

	for i := range records {
		r := &records[i]
		current[r.ExitFingerprint] = true
		p, seen := prev[r.ExitFingerprint]

		if r.Success() {
			r.ConsecutiveFailures = 0
		} else {
			r.ConsecutiveFailures = 1
			if seen && !p.Success() {
				r.ConsecutiveFailures = p.ConsecutiveFailures + 1
			}
		}

		if ch == nil {
			continue
		}
		switch {
		case !seen:
			ch.NewRelays++
		case r.Success() && !p.Success():
			ch.Recovered++
		case !r.Success() && p.Success():
			ch.NewlyFailed++
		}
	}

	if ch != nil {
		for fp := range prev {
			if !current[fp] {
				ch.MissingRelays++
			}
		}
	}

	return ch
}
