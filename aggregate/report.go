// Package aggregate merges the per-instance result files of a campaign
// into one report and publishes it to the report directory.
package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/MakeNowJust/heredoc"
	jsonpatch "github.com/evanphx/json-patch"
	"go.ntppool.org/common/logger"
	"go.ntppool.org/common/tracing"
	"go.opentelemetry.io/otel/attribute"

	"github.com/1aeo/exitmap-dns-health-deploy/waves"
)

// ErrNoResults is returned when no source produced a usable record.
var ErrNoResults = errors.New("no results to aggregate")

// Scan types as written to the report metadata.
const (
	ScanSingle        = "single"
	ScanCrossValidate = "cross_validate"
	ScanSplit         = "split"
)

type Report struct {
	Metadata Metadata `json:"metadata"`
	Results  []Record `json:"results"`
}

type ScanInfo struct {
	Type          string   `json:"type"`
	Instances     int      `json:"instances"`
	InstanceNames []string `json:"instance_names"`
}

type Metadata struct {
	Timestamp string   `json:"timestamp"`
	RunID     string   `json:"run_id,omitempty"`
	Mode      string   `json:"mode"`
	Scan      ScanInfo `json:"scan"`

	ConsensusRelays   int `json:"consensus_relays"`
	TestedRelays      int `json:"tested_relays"`
	UnreachableRelays int `json:"unreachable_relays"`

	DNSSuccess      int `json:"dns_success"`
	DNSFail         int `json:"dns_fail"`
	DNSTimeout      int `json:"dns_timeout"`
	DNSWrongIP      int `json:"dns_wrong_ip"`
	DNSSocksError   int `json:"dns_socks_error"`
	DNSNetworkError int `json:"dns_network_error"`
	DNSError        int `json:"dns_error"`
	DNSException    int `json:"dns_exception"`
	DNSUnknown      int `json:"dns_unknown"`

	CircuitCounts

	DNSSuccessRatePercent   float64     `json:"dns_success_rate_percent"`
	ReachabilityRatePercent float64     `json:"reachability_rate_percent"`
	Timing                  TimingStats `json:"timing"`

	CrossValidation *CrossValidation `json:"cross_validation,omitempty"`
	Waves           *waves.Summary   `json:"waves,omitempty"`
	Changes         *Changes         `json:"changes,omitempty"`

	// StatusCounts has every status seen, including ones without a
	// dedicated counter above.
	StatusCounts map[string]int `json:"status_counts"`
}

// Options control one aggregation.
type Options struct {
	Sources  []Source
	ScanType string
	// UniverseSize is the number of targets the campaign enumerated;
	// zero if unknown.
	UniverseSize int
	RunID        string
	Previous     *Report
	Waves        *waves.Summary
	Now          time.Time
}

// Build loads and merges the sources into a report. It returns
// ErrNoResults when the sources hold no result records.
func Build(ctx context.Context, opts Options) (*Report, error) {
	ctx, span := tracing.Start(ctx, "aggregate.Build")
	defer span.End()

	log := logger.FromContext(ctx)

	if len(opts.ScanType) == 0 {
		opts.ScanType = ScanSingle
	}
	crossValidate := opts.ScanType == ScanCrossValidate

	in, err := load(ctx, opts.Sources)
	if err != nil {
		return nil, err
	}
	if len(in.results) == 0 {
		return nil, ErrNoResults
	}

	records, cv := merge(in, crossValidate)

	var circuits CircuitCounts
	known := map[string]bool{}
	for _, r := range records {
		known[r.ExitFingerprint] = true
	}
	for _, cf := range in.circuitFailures {
		fp := waves.NormalizeTarget(cf.ExitFingerprint)
		if len(fp) == 0 || known[fp] {
			continue
		}
		known[fp] = true
		rec := cf.Record
		rec.ExitFingerprint = fp
		if len(rec.Status) == 0 {
			rec.Status = StatusRelayUnreachable
		}
		circuits.Add(cf.CircuitReason)
		records = append(records, rec)
	}
	slices.SortFunc(records, func(a, b Record) int {
		return strings.Compare(a.ExitFingerprint, b.ExitFingerprint)
	})

	changes := applyHistory(records, opts.Previous)

	counts := map[string]int{}
	timings := []float64{}
	for _, r := range records {
		counts[r.Status]++
		if r.Success() && r.Timing != nil && r.Timing.TotalMs != nil {
			timings = append(timings, *r.Timing.TotalMs)
		}
	}

	total := len(records)
	unreachable := counts[StatusRelayUnreachable]
	tested := total - unreachable

	scanStats := in.scanStats(crossValidate)
	consensus := total
	switch {
	case scanStats.TotalCircuits > 0:
		consensus = scanStats.TotalCircuits
		if expected := scanStats.SuccessfulCircuits + scanStats.FailedCircuits; expected != total {
			log.WarnContext(ctx, "scan stats disagree with result count",
				"expected", expected, "results", total)
		}
	case opts.UniverseSize > 0:
		consensus = opts.UniverseSize
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	runID := opts.RunID
	if len(runID) == 0 {
		runID = in.runID
	}
	mode := in.mode
	if len(mode) == 0 {
		mode = "wildcard"
	}

	names := []string{}
	for _, src := range opts.Sources {
		if !slices.Contains(names, src.Name) {
			names = append(names, src.Name)
		}
	}
	instances := len(names)
	if crossValidate || opts.ScanType == ScanSplit {
		instances = countOrdinals(opts.Sources)
	}

	md := Metadata{
		Timestamp: now.UTC().Format("2006-01-02T15:04:05.000000Z"),
		RunID:     runID,
		Mode:      mode,
		Scan: ScanInfo{
			Type:          opts.ScanType,
			Instances:     instances,
			InstanceNames: names,
		},

		ConsensusRelays:   consensus,
		TestedRelays:      tested,
		UnreachableRelays: unreachable,

		DNSSuccess:      counts[StatusSuccess],
		DNSFail:         counts[StatusDNSFail],
		DNSTimeout:      counts[StatusTimeout] + counts[StatusHardTimeout],
		DNSWrongIP:      counts[StatusWrongIP],
		DNSSocksError:   counts[StatusSocksError],
		DNSNetworkError: counts[StatusNetworkError] + counts["tor_connection_refused"] + counts["tor_connection_lost"] + counts["eof_error"],
		DNSError:        counts[StatusError],
		DNSException:    counts[StatusException],
		DNSUnknown:      counts[StatusUnknown],

		CircuitCounts: circuits,

		DNSSuccessRatePercent:   percent(counts[StatusSuccess], tested),
		ReachabilityRatePercent: percent(tested, consensus),
		Timing:                  TimingStats{Total: latency(timings)},

		CrossValidation: cv,
		Waves:           opts.Waves,
		Changes:         changes,
		StatusCounts:    counts,
	}

	span.SetAttributes(
		attribute.Int("results", total),
		attribute.Int("success", md.DNSSuccess),
	)

	return &Report{Metadata: md, Results: records}, nil
}

func countOrdinals(sources []Source) int {
	seen := map[int]bool{}
	for _, s := range sources {
		seen[s.Ordinal] = true
	}
	return len(seen)
}

// LoadReport reads a report. A missing file returns nil and no error.
func LoadReport(path string) (*Report, error) {
	var r Report
	if err := readJSON(path, &r); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("previous report %s: %w", path, err)
	}
	return &r, nil
}

// MetadataPatch returns a JSON merge patch turning the previous
// report's metadata into the current one. With no previous report the
// patch is the full metadata.
func MetadataPatch(previous, current *Report) ([]byte, error) {
	cur, err := json.Marshal(current.Metadata)
	if err != nil {
		return nil, err
	}
	if previous == nil {
		return cur, nil
	}
	prev, err := json.Marshal(previous.Metadata)
	if err != nil {
		return nil, err
	}
	return jsonpatch.CreateMergePatch(prev, cur)
}

// Summary is a human readable overview of the report.
func (r *Report) Summary() string {
	md := r.Metadata
	t := md.Timing.Total

	statuses := slices.SortedFunc(maps.Keys(md.StatusCounts), func(a, b string) int {
		if d := severity(a) - severity(b); d != 0 {
			return d
		}
		return strings.Compare(a, b)
	})
	var breakdown strings.Builder
	for _, s := range statuses {
		fmt.Fprintf(&breakdown, "  %-20s %d\n", s, md.StatusCounts[s])
	}

	return heredoc.Docf(`
		DNS health report %s (%s, %d instances)
		  consensus relays:  %d
		  tested relays:     %d
		  unreachable:       %d
		  dns success rate:  %.2f%%
		  reachability rate: %.2f%%
		  latency:           avg %.0f ms, p50 %.0f ms, p95 %.0f ms, p99 %.0f ms
		`,
		md.Timestamp, md.Scan.Type, md.Scan.Instances,
		md.ConsensusRelays, md.TestedRelays, md.UnreachableRelays,
		md.DNSSuccessRatePercent, md.ReachabilityRatePercent,
		t.AvgMs, t.P50Ms, t.P95Ms, t.P99Ms,
	) + breakdown.String()
}
