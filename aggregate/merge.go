package aggregate

import (
	"maps"
	"math"
	"slices"
)

// CV is the per-target cross-validation detail. BaselineFailed is set
// when the lowest-numbered instance failed the target and another
// instance succeeded.
type CV struct {
	ResultSource     string                    `json:"result_source"`
	InstancesSuccess int                       `json:"instances_success"`
	InstancesTotal   int                       `json:"instances_total"`
	Improved         bool                      `json:"improved"`
	BaselineFailed   bool                      `json:"recovered_by_redundancy,omitempty"`
	PerInstance      map[string]InstanceDetail `json:"per_instance"`
	RecoveredFrom    []string                  `json:"recovered_from,omitempty"`
}

// InstanceDetail is what one instance observed for a target.
type InstanceDetail struct {
	Status     string  `json:"status"`
	Attempt    int     `json:"attempt,omitempty"`
	Timing     *Timing `json:"timing,omitempty"`
	ResolvedIP string  `json:"resolved_ip,omitempty"`
	ExpectedIP string  `json:"expected_ip,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// CrossValidation summarizes how redundancy affected the report.
// RecoveredByRedundancy counts the targets the baseline instance, the
// lowest-numbered one, failed but that succeeded overall.
type CrossValidation struct {
	RelaysImproved        int                       `json:"relays_improved"`
	RecoveredFromTimeout  int                       `json:"recovered_from_timeout"`
	RecoveredFromDNSFail  int                       `json:"recovered_from_dns_fail"`
	RecoveredFromError    int                       `json:"recovered_from_error"`
	RecoveredByRedundancy int                       `json:"recovered_by_redundancy"`
	Consistency           Consistency               `json:"consistency"`
	PerInstanceStats      map[string]map[string]int `json:"per_instance_stats"`
}

type Consistency struct {
	AllSuccess int `json:"all_success"`
	AllFailed  int `json:"all_failed"`
	Mixed      int `json:"mixed"`
}

// merge picks one record per target: the first successful observation
// if any, otherwise the failure seen by the lowest-numbered instance.
// Observations are already sorted by instance ordinal. The returned
// records are sorted by fingerprint.
func merge(in *input, crossValidate bool) ([]Record, *CrossValidation) {
	var (
		cv       *CrossValidation
		baseline int
	)
	if crossValidate {
		baseline = baselineOrdinal(in.sources)
		cv = &CrossValidation{PerInstanceStats: map[string]map[string]int{}}
		for _, src := range in.sources {
			cv.PerInstanceStats[src.Name] = map[string]int{}
		}
	}

	records := make([]Record, 0, len(in.results))

	for _, fp := range slices.Sorted(maps.Keys(in.results)) {
		obs := in.results[fp]
		if len(obs) == 0 {
			continue
		}

		best := 0
		successes := 0
		for i, o := range obs {
			if o.rec.Success() {
				if successes == 0 {
					best = i
				}
				successes++
			}
		}

		rec := obs[best].rec.Record
		rec.ExitFingerprint = fp

		if cv != nil {
			rec.CV = crossValidateTarget(cv, obs, best, successes, baseline)
			if successes > 0 {
				if t := averageTiming(obs); t != nil {
					rec.Timing = t
				}
			}
		}

		records = append(records, rec)
	}

	return records, cv
}

// baselineOrdinal is the lowest instance ordinal among the sources.
func baselineOrdinal(sources []Source) int {
	if len(sources) == 0 {
		return 0
	}
	return slices.MinFunc(sources, func(a, b Source) int {
		return a.Ordinal - b.Ordinal
	}).Ordinal
}

func crossValidateTarget(cv *CrossValidation, obs []observation, best, successes, baseline int) *CV {
	detail := &CV{
		ResultSource:     obs[best].source.Name,
		InstancesSuccess: successes,
		InstancesTotal:   len(obs),
		Improved:         successes > 0 && successes < len(obs),
		PerInstance:      map[string]InstanceDetail{},
	}

	for _, o := range obs {
		r := o.rec
		if _, ok := cv.PerInstanceStats[o.source.Name]; !ok {
			cv.PerInstanceStats[o.source.Name] = map[string]int{}
		}
		cv.PerInstanceStats[o.source.Name][r.Status]++

		detail.PerInstance[o.source.Name] = InstanceDetail{
			Status:     r.Status,
			Attempt:    r.Attempt,
			Timing:     r.Timing,
			ResolvedIP: r.ResolvedIP,
			ExpectedIP: r.ExpectedIP,
			Error:      r.Error,
		}
	}

	switch {
	case successes == len(obs):
		cv.Consistency.AllSuccess++
	case successes == 0:
		cv.Consistency.AllFailed++
	default:
		cv.Consistency.Mixed++
	}

	if successes > 0 {
		for _, o := range obs {
			if o.source.Ordinal == baseline && !o.rec.Success() {
				detail.BaselineFailed = true
				cv.RecoveredByRedundancy++
				break
			}
		}
	}

	if detail.Improved {
		cv.RelaysImproved++
		for _, o := range obs {
			status := o.rec.Status
			if status == StatusSuccess {
				continue
			}
			detail.RecoveredFrom = append(detail.RecoveredFrom, status)
			switch status {
			case StatusTimeout, StatusHardTimeout:
				cv.RecoveredFromTimeout++
			case StatusDNSFail:
				cv.RecoveredFromDNSFail++
			default:
				cv.RecoveredFromError++
			}
		}
	}

	return detail
}

// averageTiming is the rounded mean total time of the successful
// observations.
func averageTiming(obs []observation) *Timing {
	var sum float64
	n := 0
	for _, o := range obs {
		if !o.rec.Success() || o.rec.Timing == nil || o.rec.Timing.TotalMs == nil {
			continue
		}
		sum += *o.rec.Timing.TotalMs
		n++
	}
	if n == 0 {
		return nil
	}
	avg := math.Round(sum / float64(n))
	return &Timing{TotalMs: &avg}
}
