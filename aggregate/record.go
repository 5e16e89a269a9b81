package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"go.ntppool.org/common/logger"

	"github.com/1aeo/exitmap-dns-health-deploy/waves"
)

const (
	resultPrefix        = "dnshealth_"
	circuitFailuresFile = "circuit_failures.json"
	scanStatsFile       = "scan_stats.json"
)

type Timing struct {
	TotalMs *float64 `json:"total_ms,omitempty"`
}

// Record is one target's result as emitted in the report. The field
// order is the report's field order.
type Record struct {
	ExitFingerprint     string          `json:"exit_fingerprint"`
	ExitNickname        string          `json:"exit_nickname,omitempty"`
	ExitAddress         string          `json:"exit_address,omitempty"`
	Status              string          `json:"status"`
	ResolvedIP          string          `json:"resolved_ip,omitempty"`
	ExpectedIP          string          `json:"expected_ip,omitempty"`
	QueryDomain         string          `json:"query_domain,omitempty"`
	FirstHop            string          `json:"first_hop,omitempty"`
	Timing              *Timing         `json:"timing,omitempty"`
	Timestamp           json.RawMessage `json:"timestamp,omitempty"`
	Attempt             int             `json:"attempt,omitempty"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	Error               string          `json:"error,omitempty"`
	CV                  *CV             `json:"cv,omitempty"`
}

func (r *Record) Success() bool {
	return r.Status == StatusSuccess
}

// sourceRecord carries the per-run fields the prober writes that are
// lifted into the report metadata instead of each result.
type sourceRecord struct {
	Record
	RunID         string `json:"run_id,omitempty"`
	Mode          string `json:"mode,omitempty"`
	CircuitReason string `json:"circuit_reason,omitempty"`
}

// Source is one instance's result directory.
type Source struct {
	Name    string
	Ordinal int
	Dir     string
}

// SourceName derives an instance name from a result directory such as
// "analysis_2026-01-24_23-24-00_cv1_w1", keeping the instance suffix.
func SourceName(dir string) string {
	base := filepath.Base(strings.TrimRight(dir, "/"))
	parts := strings.Split(base, "_")
	if len(parts) >= 2 {
		last := parts[len(parts)-1]
		prev := parts[len(parts)-2]
		if strings.HasPrefix(last, "w") && strings.HasPrefix(prev, "cv") {
			return prev + "_" + last
		}
	}
	return parts[len(parts)-1]
}

// ScanStats are the circuit counters a prober run reports.
type ScanStats struct {
	TotalCircuits      int `json:"total_circuits"`
	SuccessfulCircuits int `json:"successful_circuits"`
	FailedCircuits     int `json:"failed_circuits"`
}

type observation struct {
	source Source
	rec    sourceRecord
}

// input is everything read from the source directories.
type input struct {
	sources         []Source
	results         map[string][]observation
	circuitFailures []sourceRecord
	scanByOrdinal   map[int]ScanStats
	runID           string
	mode            string
}

func load(ctx context.Context, sources []Source) (*input, error) {
	log := logger.FromContext(ctx)

	in := &input{
		sources:       sources,
		results:       map[string][]observation{},
		scanByOrdinal: map[int]ScanStats{},
	}

	for _, src := range sources {
		var files, skipped int
		seen := map[string]bool{}

		err := filepath.WalkDir(src.Dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if d.IsDir() {
				return nil
			}
			name := d.Name()

			switch {
			case name == circuitFailuresFile:
				var cf []sourceRecord
				if err := readJSON(path, &cf); err != nil {
					log.WarnContext(ctx, "could not read circuit failures", "path", path, "err", err)
					return nil
				}
				in.circuitFailures = append(in.circuitFailures, cf...)

			case name == scanStatsFile:
				var ss ScanStats
				if err := readJSON(path, &ss); err != nil {
					log.WarnContext(ctx, "could not read scan stats", "path", path, "err", err)
					return nil
				}
				cur := in.scanByOrdinal[src.Ordinal]
				cur.TotalCircuits += ss.TotalCircuits
				cur.SuccessfulCircuits += ss.SuccessfulCircuits
				cur.FailedCircuits += ss.FailedCircuits
				in.scanByOrdinal[src.Ordinal] = cur

			case strings.HasPrefix(name, resultPrefix) && strings.HasSuffix(name, ".json"):
				var rec sourceRecord
				if err := readJSON(path, &rec); err != nil {
					log.WarnContext(ctx, "could not read result", "path", path, "err", err)
					skipped++
					return nil
				}
				rec.ExitFingerprint = waves.NormalizeTarget(rec.ExitFingerprint)
				if len(rec.ExitFingerprint) == 0 || seen[rec.ExitFingerprint] {
					skipped++
					return nil
				}
				seen[rec.ExitFingerprint] = true
				if len(rec.Status) == 0 {
					rec.Status = StatusUnknown
				}
				if len(in.runID) == 0 {
					in.runID = rec.RunID
				}
				if len(in.mode) == 0 {
					in.mode = rec.Mode
				}
				in.results[rec.ExitFingerprint] = append(in.results[rec.ExitFingerprint], observation{src, rec})
				files++
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", src.Dir, err)
		}
		log.DebugContext(ctx, "loaded source", "instance", src.Name, "dir", src.Dir, "results", files, "skipped", skipped)
	}

	for fp := range in.results {
		slices.SortStableFunc(in.results[fp], func(a, b observation) int {
			return a.source.Ordinal - b.source.Ordinal
		})
	}

	return in, nil
}

// scanStats combines the per-instance counters. Instances sharing an
// ordinal ran consecutive waves and are summed. Redundant instances
// all saw the same universe, so across them the best run is used.
func (in *input) scanStats(redundant bool) ScanStats {
	var total ScanStats
	first := true
	for _, ss := range in.scanByOrdinal {
		if !redundant {
			total.TotalCircuits += ss.TotalCircuits
			total.SuccessfulCircuits += ss.SuccessfulCircuits
			total.FailedCircuits += ss.FailedCircuits
			continue
		}
		total.TotalCircuits = max(total.TotalCircuits, ss.TotalCircuits)
		total.SuccessfulCircuits = max(total.SuccessfulCircuits, ss.SuccessfulCircuits)
		if first {
			total.FailedCircuits = ss.FailedCircuits
		} else {
			total.FailedCircuits = min(total.FailedCircuits, ss.FailedCircuits)
		}
		first = false
	}
	return total
}

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
