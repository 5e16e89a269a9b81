package aggregate

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1aeo/exitmap-dns-health-deploy/testutil"
	"github.com/1aeo/exitmap-dns-health-deploy/waves"
)

var (
	fpT1 = testutil.Fingerprint(1)
	fpT2 = testutil.Fingerprint(2)
	fpT3 = testutil.Fingerprint(3)
)

func byFingerprint(r *Report) map[string]Record {
	m := map[string]Record{}
	for _, rec := range r.Results {
		m[rec.ExitFingerprint] = rec
	}
	return m
}

func cvSources(t *testing.T) []Source {
	t.Helper()
	base := t.TempDir()
	a := Source{Name: "cv1", Ordinal: 1, Dir: filepath.Join(base, "cv1")}
	b := Source{Name: "cv2", Ordinal: 2, Dir: filepath.Join(base, "cv2")}

	testutil.WriteResult(t, a.Dir, fpT1, StatusSuccess, 120)
	testutil.WriteResult(t, b.Dir, fpT1, StatusTimeout, 0)

	testutil.WriteResult(t, a.Dir, fpT2, StatusDNSFail, 0)
	testutil.WriteResult(t, b.Dir, fpT2, StatusSuccess, 300)

	testutil.WriteResult(t, a.Dir, fpT3, StatusTimeout, 0)
	testutil.WriteResult(t, b.Dir, fpT3, StatusDNSFail, 0)

	return []Source{a, b}
}

func TestCrossValidationSuccessWins(t *testing.T) {
	ctx := testutil.Context(t)

	r, err := Build(ctx, Options{Sources: cvSources(t), ScanType: ScanCrossValidate})
	require.NoError(t, err)
	require.Len(t, r.Results, 3)

	res := byFingerprint(r)
	assert.Equal(t, StatusSuccess, res[fpT1].Status)
	assert.Equal(t, StatusSuccess, res[fpT2].Status)
	assert.Equal(t, "cv1", res[fpT1].CV.ResultSource)
	assert.Equal(t, "cv2", res[fpT2].CV.ResultSource)
	assert.True(t, res[fpT1].CV.Improved)
	assert.Equal(t, []string{StatusTimeout}, res[fpT1].CV.RecoveredFrom)

	// neither succeeded: the lowest-numbered instance's failure
	assert.Equal(t, StatusTimeout, res[fpT3].Status)
	assert.Equal(t, "cv1", res[fpT3].CV.ResultSource)
	assert.False(t, res[fpT3].CV.Improved)

	cv := r.Metadata.CrossValidation
	require.NotNil(t, cv)
	assert.Equal(t, 2, cv.RelaysImproved)
	assert.Equal(t, 1, cv.RecoveredByRedundancy)
	assert.True(t, res[fpT2].CV.BaselineFailed)
	assert.False(t, res[fpT1].CV.BaselineFailed)
	assert.Equal(t, 1, cv.RecoveredFromTimeout)
	assert.Equal(t, 1, cv.RecoveredFromDNSFail)
	assert.Equal(t, Consistency{AllSuccess: 0, AllFailed: 1, Mixed: 2}, cv.Consistency)
	assert.Equal(t, map[string]int{StatusSuccess: 1, StatusDNSFail: 1, StatusTimeout: 1}, cv.PerInstanceStats["cv1"])

	md := r.Metadata
	assert.Equal(t, 2, md.DNSSuccess)
	assert.Equal(t, 1, md.DNSTimeout)
	assert.Equal(t, 3, md.TestedRelays)
	assert.InDelta(t, 66.67, md.DNSSuccessRatePercent, 0.001)
	assert.Equal(t, ScanInfo{Type: ScanCrossValidate, Instances: 2, InstanceNames: []string{"cv1", "cv2"}}, md.Scan)
}

func TestFailureTieBreakIgnoresSourceOrder(t *testing.T) {
	ctx := testutil.Context(t)
	sources := cvSources(t)
	sources[0], sources[1] = sources[1], sources[0]

	r, err := Build(ctx, Options{Sources: sources, ScanType: ScanCrossValidate})
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, byFingerprint(r)[fpT3].Status)
}

func TestSplitCompleteness(t *testing.T) {
	ctx := testutil.Context(t)
	base := t.TempDir()

	targets := make([]string, 10)
	for i := range targets {
		targets[i] = testutil.Fingerprint(100 + i)
	}
	var sources []Source
	for i, part := range waves.Partition(targets, 3) {
		src := Source{Name: "split" + string(rune('1'+i)), Ordinal: i + 1, Dir: filepath.Join(base, "split", string(rune('1'+i)))}
		for _, fp := range part {
			testutil.WriteResult(t, src.Dir, fp, StatusSuccess, 50)
		}
		sources = append(sources, src)
	}

	r, err := Build(ctx, Options{Sources: sources, ScanType: ScanSplit, UniverseSize: 12})
	require.NoError(t, err)
	require.Len(t, r.Results, 10)
	for i, rec := range r.Results {
		assert.Equal(t, targets[i], rec.ExitFingerprint, "sorted and complete")
		assert.Nil(t, rec.CV)
	}
	assert.Equal(t, 3, r.Metadata.Scan.Instances)
	assert.Equal(t, 12, r.Metadata.ConsensusRelays)
	assert.InDelta(t, 83.33, r.Metadata.ReachabilityRatePercent, 0.001)
	assert.Nil(t, r.Metadata.CrossValidation)
}

func TestFingerprintCaseInsensitive(t *testing.T) {
	ctx := testutil.Context(t)
	base := t.TempDir()
	a := Source{Name: "cv1", Ordinal: 1, Dir: filepath.Join(base, "a")}
	b := Source{Name: "cv2", Ordinal: 2, Dir: filepath.Join(base, "b")}

	testutil.WriteResult(t, a.Dir, "abcdef0123456789abcdef0123456789abcdef01", StatusTimeout, 0)
	testutil.WriteResult(t, b.Dir, "ABCDEF0123456789ABCDEF0123456789ABCDEF01", StatusSuccess, 10)

	r, err := Build(ctx, Options{Sources: []Source{a, b}, ScanType: ScanCrossValidate})
	require.NoError(t, err)
	require.Len(t, r.Results, 1)
	assert.Equal(t, StatusSuccess, r.Results[0].Status)
}

func TestIdempotent(t *testing.T) {
	ctx := testutil.Context(t)
	sources := cvSources(t)

	a, err := Build(ctx, Options{Sources: sources, ScanType: ScanCrossValidate, Now: time.Unix(1000, 0)})
	require.NoError(t, err)
	b, err := Build(ctx, Options{Sources: sources, ScanType: ScanCrossValidate, Now: time.Unix(2000, 0)})
	require.NoError(t, err)

	assert.NotEqual(t, a.Metadata.Timestamp, b.Metadata.Timestamp)
	b.Metadata.Timestamp = a.Metadata.Timestamp

	ja, err := json.Marshal(a)
	require.NoError(t, err)
	jb, err := json.Marshal(b)
	require.NoError(t, err)
	assert.JSONEq(t, string(ja), string(jb))
}

func TestEmptyInput(t *testing.T) {
	ctx := testutil.Context(t)
	empty := Source{Name: "cv1", Ordinal: 1, Dir: t.TempDir()}

	_, err := Build(ctx, Options{Sources: []Source{empty}})
	assert.ErrorIs(t, err, ErrNoResults)

	t.Run("latest untouched", func(t *testing.T) {
		w := &Writer{Dir: t.TempDir(), Keep: 5}
		prior := []byte(`{"metadata":{"timestamp":"before"},"results":[]}`)
		require.NoError(t, os.WriteFile(w.LatestPath(), prior, 0o644))

		_, err := Run(ctx, Options{Sources: []Source{empty}}, w)
		require.ErrorIs(t, err, ErrNoResults)

		b, err := os.ReadFile(w.LatestPath())
		require.NoError(t, err)
		assert.Equal(t, prior, b)

		entries, err := os.ReadDir(w.Dir)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})
}

func TestConsecutiveFailures(t *testing.T) {
	ctx := testutil.Context(t)
	w := &Writer{Dir: t.TempDir(), Keep: 10}
	src := Source{Name: "single", Ordinal: 1, Dir: t.TempDir()}

	run := func(now time.Time, statuses map[string]string) *Result {
		t.Helper()
		require.NoError(t, os.RemoveAll(src.Dir))
		for fp, st := range statuses {
			testutil.WriteResult(t, src.Dir, fp, st, 80)
		}
		res, err := Run(ctx, Options{Sources: []Source{src}, Now: now}, w)
		require.NoError(t, err)
		return res
	}

	t0 := time.Date(2026, 1, 17, 12, 0, 0, 0, time.UTC)
	res := run(t0, map[string]string{fpT1: StatusTimeout, fpT2: StatusSuccess})
	assert.Nil(t, res.Previous)
	assert.Nil(t, res.Report.Metadata.Changes)
	assert.Equal(t, 1, byFingerprint(res.Report)[fpT1].ConsecutiveFailures)

	res = run(t0.Add(time.Hour), map[string]string{fpT1: StatusTimeout, fpT2: StatusDNSFail, fpT3: StatusSuccess})
	got := byFingerprint(res.Report)
	assert.Equal(t, 2, got[fpT1].ConsecutiveFailures)
	assert.Equal(t, 1, got[fpT2].ConsecutiveFailures)
	assert.Equal(t, 0, got[fpT3].ConsecutiveFailures)

	ch := res.Report.Metadata.Changes
	require.NotNil(t, ch)
	assert.Equal(t, 1, ch.NewlyFailed)
	assert.Equal(t, 1, ch.NewRelays)
	assert.Equal(t, 0, ch.Recovered)

	res = run(t0.Add(2*time.Hour), map[string]string{fpT1: StatusSuccess})
	assert.Equal(t, 0, byFingerprint(res.Report)[fpT1].ConsecutiveFailures)
	assert.Equal(t, 1, res.Report.Metadata.Changes.Recovered)
	assert.Equal(t, 2, res.Report.Metadata.Changes.MissingRelays)

	m, err := ReadManifest(w.Dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"dns_health_20260117_140000.json",
		"dns_health_20260117_130000.json",
		"dns_health_20260117_120000.json",
	}, m.Reports)
	assert.Equal(t, m.Reports[0], m.Latest)
}

func TestManifestBounded(t *testing.T) {
	ctx := testutil.Context(t)
	w := &Writer{Dir: t.TempDir(), Keep: 2}
	r := &Report{Results: []Record{{ExitFingerprint: fpT1, Status: StatusSuccess}}}

	t0 := time.Date(2026, 1, 17, 12, 0, 0, 0, time.UTC)
	for i := range 4 {
		_, err := w.Write(ctx, r, t0.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}
	// same second as the last report
	name, err := w.Write(ctx, r, t0.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "dns_health_20260117_120300_1.json", name)

	m, err := ReadManifest(w.Dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"dns_health_20260117_120300_1.json", "dns_health_20260117_120300.json"}, m.Reports)

	// timestamped reports are never removed
	files, err := filepath.Glob(filepath.Join(w.Dir, "dns_health_*.json"))
	require.NoError(t, err)
	assert.Len(t, files, 5)
}

func TestCircuitFailuresAndScanStats(t *testing.T) {
	ctx := testutil.Context(t)
	dir := t.TempDir()
	testutil.WriteResult(t, dir, fpT1, StatusSuccess, 100)
	testutil.WriteResult(t, dir, fpT2, StatusSuccess, 200)

	cf := `[
		{"exit_fingerprint": "` + fpT1 + `", "status": "relay_unreachable", "circuit_reason": "circuit_timeout"},
		{"exit_fingerprint": "` + fpT3 + `", "status": "relay_unreachable", "circuit_reason": "channel_closed"},
		{"exit_fingerprint": "` + testutil.Fingerprint(4) + `", "circuit_reason": "something_new"}
	]`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "circuit_failures.json"), []byte(cf), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scan_stats.json"),
		[]byte(`{"total_circuits": 5, "successful_circuits": 2, "failed_circuits": 2}`), 0o600))

	r, err := Build(ctx, Options{Sources: []Source{{Name: "single", Ordinal: 1, Dir: dir}}})
	require.NoError(t, err)

	md := r.Metadata
	assert.Len(t, r.Results, 4)
	assert.Equal(t, 5, md.ConsensusRelays)
	assert.Equal(t, 2, md.UnreachableRelays)
	assert.Equal(t, 2, md.TestedRelays)
	assert.Equal(t, 0, md.CircuitCounts.Timeout, "already has a DNS result")
	assert.Equal(t, 1, md.CircuitCounts.ChannelClosed)
	assert.Equal(t, 1, md.CircuitCounts.Failed)
	assert.Equal(t, 2, md.CircuitCounts.Total())
	assert.InDelta(t, 100.0, md.DNSSuccessRatePercent, 0.001)
	assert.InDelta(t, 40.0, md.ReachabilityRatePercent, 0.001)

	js, err := json.Marshal(md)
	require.NoError(t, err)
	var flat map[string]any
	require.NoError(t, json.Unmarshal(js, &flat))
	assert.Contains(t, flat, "circuit_guard_limit")
	assert.Contains(t, flat, "circuit_channel_closed")
}

func TestLatency(t *testing.T) {
	values := []float64{}
	for i := 100; i >= 1; i-- {
		values = append(values, float64(i))
	}
	l := latency(values)
	assert.Equal(t, Latency{AvgMs: 51, MinMs: 1, MaxMs: 100, P50Ms: 51, P95Ms: 96, P99Ms: 100}, l)
	assert.Equal(t, Latency{}, latency(nil))
}

func TestAverageTimingAcrossInstances(t *testing.T) {
	ctx := testutil.Context(t)
	base := t.TempDir()
	a := Source{Name: "cv1", Ordinal: 1, Dir: filepath.Join(base, "a")}
	b := Source{Name: "cv2", Ordinal: 2, Dir: filepath.Join(base, "b")}
	testutil.WriteResult(t, a.Dir, fpT1, StatusSuccess, 100)
	testutil.WriteResult(t, b.Dir, fpT1, StatusSuccess, 201)

	r, err := Build(ctx, Options{Sources: []Source{a, b}, ScanType: ScanCrossValidate})
	require.NoError(t, err)
	require.NotNil(t, r.Results[0].Timing)
	assert.Equal(t, 151.0, *r.Results[0].Timing.TotalMs)
	assert.Equal(t, 1, r.Metadata.CrossValidation.Consistency.AllSuccess)
}

func TestRecoveredByRedundancy(t *testing.T) {
	tests := []struct {
		name      string
		cv1, cv2  string
		recovered bool
	}{
		{"baseline failed", StatusTimeout, StatusSuccess, true},
		{"second instance failed", StatusSuccess, StatusTimeout, false},
		{"both failed", StatusTimeout, StatusDNSFail, false},
		{"both succeeded", StatusSuccess, StatusSuccess, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := testutil.Context(t)
			base := t.TempDir()
			a := Source{Name: "cv1", Ordinal: 1, Dir: filepath.Join(base, "cv1")}
			b := Source{Name: "cv2", Ordinal: 2, Dir: filepath.Join(base, "cv2")}
			testutil.WriteResult(t, a.Dir, fpT1, tt.cv1, 100)
			testutil.WriteResult(t, b.Dir, fpT1, tt.cv2, 100)

			// source order does not decide the baseline
			r, err := Build(ctx, Options{Sources: []Source{b, a}, ScanType: ScanCrossValidate})
			require.NoError(t, err)

			require.NotNil(t, r.Results[0].CV)
			assert.Equal(t, tt.recovered, r.Results[0].CV.BaselineFailed)

			want := 0
			if tt.recovered {
				want = 1
			}
			assert.Equal(t, want, r.Metadata.CrossValidation.RecoveredByRedundancy)
		})
	}
}

func TestSingleSuccessTimingRounded(t *testing.T) {
	ctx := testutil.Context(t)
	base := t.TempDir()
	a := Source{Name: "cv1", Ordinal: 1, Dir: filepath.Join(base, "cv1")}
	b := Source{Name: "cv2", Ordinal: 2, Dir: filepath.Join(base, "cv2")}

	require.NoError(t, os.MkdirAll(a.Dir, 0o700))
	js := `{"exit_fingerprint":"` + fpT1 + `","status":"success","timing":{"total_ms":120.6},"timestamp":1768665600}`
	require.NoError(t, os.WriteFile(filepath.Join(a.Dir, "dnshealth_"+fpT1+".json"), []byte(js), 0o600))
	testutil.WriteResult(t, b.Dir, fpT1, StatusTimeout, 0)

	r, err := Build(ctx, Options{Sources: []Source{a, b}, ScanType: ScanCrossValidate})
	require.NoError(t, err)
	require.NotNil(t, r.Results[0].Timing)
	assert.Equal(t, 121.0, *r.Results[0].Timing.TotalMs)
}

func TestSourceName(t *testing.T) {
	tests := map[string]string{
		"/tmp/analysis_2026-01-24_23-24-00_cv1_w1": "cv1_w1",
		"/tmp/analysis_2026-01-24_23-24-00_cv4_w3": "cv4_w3",
		"/tmp/analysis_2026-01-24_22-05-01_cv2":    "cv2",
		"/tmp/analysis_2026-01-24_22-05-01":        "22-05-01",
		"/var/lib/dnshealth/run/split3/":           "split3",
	}
	for dir, want := range tests {
		assert.Equal(t, want, SourceName(dir), dir)
	}
}

func TestMetadataPatch(t *testing.T) {
	prev := &Report{Metadata: Metadata{Timestamp: "a", DNSSuccess: 10, Mode: "wildcard"}}
	cur := &Report{Metadata: Metadata{Timestamp: "b", DNSSuccess: 12, Mode: "wildcard"}}

	patch, err := MetadataPatch(prev, cur)
	require.NoError(t, err)
	assert.JSONEq(t, `{"timestamp":"b","dns_success":12}`, string(patch))

	full, err := MetadataPatch(nil, cur)
	require.NoError(t, err)
	assert.Contains(t, string(full), `"dns_success":12`)
}

func TestSummary(t *testing.T) {
	r, err := Build(context.Background(), Options{Sources: cvSources(t), ScanType: ScanCrossValidate})
	require.NoError(t, err)
	s := r.Summary()
	assert.Contains(t, s, "cross_validate, 2 instances")
	assert.Contains(t, s, "dns success rate:  66.67%")
	assert.Regexp(t, `(?s)success.*timeout`, s)
}
