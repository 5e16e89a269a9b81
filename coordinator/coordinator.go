// Package coordinator runs a DNS health campaign: it takes the run
// lock, enumerates the targets, runs the waves of prober instances,
// aggregates their results into a report and publishes it.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.ntppool.org/common/logger"
	"go.ntppool.org/common/tracing"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/1aeo/exitmap-dns-health-deploy/aggregate"
	"github.com/1aeo/exitmap-dns-health-deploy/cache"
	"github.com/1aeo/exitmap-dns-health-deploy/publish"
	"github.com/1aeo/exitmap-dns-health-deploy/status"
	"github.com/1aeo/exitmap-dns-health-deploy/supervisor"
	"github.com/1aeo/exitmap-dns-health-deploy/waves"
)

const (
	LockFile  = "dnshealth.lock"
	StatsFile = "waves.jsonl"
	LogFile   = "campaign.log"
)

type Config struct {
	Mode      Mode
	Instances int

	// StateDir holds the lock, the bootstrap cache and the run
	// directories. Reports go to OutputDir, StateDir/reports if unset.
	StateDir    string
	OutputDir   string
	KeepReports int

	// BatchSize limits the targets per wave; 0 runs a single wave.
	BatchSize      int
	WaveMaxRetries int
	StartDelay     time.Duration

	Supervisor supervisor.Config
	Enumerator Enumerator
	Publishers []publish.Publisher
	Metrics    *Metrics

	// OnWave is called after each wave with its final outcome.
	OnWave func(ctx context.Context, runID string, wr WaveResult)
}

// Validate checks the mode and instance count and fills in defaults.
func (cfg *Config) Validate() error {
	mode, err := ParseMode(string(cfg.Mode))
	if err != nil {
		return err
	}
	cfg.Mode = mode

	if cfg.Mode == ModeSingle {
		cfg.Instances = 1
	}
	if cfg.Instances < 1 || cfg.Instances > MaxInstances {
		return fmt.Errorf("instances must be between 1 and %d, got %d", MaxInstances, cfg.Instances)
	}
	if cfg.BatchSize < 0 {
		return fmt.Errorf("batch size must not be negative")
	}
	if len(cfg.StateDir) == 0 {
		return fmt.Errorf("state directory is required")
	}
	if len(cfg.OutputDir) == 0 {
		cfg.OutputDir = filepath.Join(cfg.StateDir, "reports")
	}
	if cfg.Enumerator == nil {
		cfg.Enumerator = ConsensusEnumerator{}
	}
	return nil
}

// Campaign is the outcome of one Run.
type Campaign struct {
	RunID     string
	Mode      Mode
	Instances int
	RunDir    string
	Targets   int
	Waves     []WaveResult
	Result    *aggregate.Result
}

// WaveResult is one executed wave; only the instances of its last
// try are kept.
type WaveResult struct {
	Ordinal   int                   `json:"wave"`
	Targets   int                   `json:"relays"`
	Retries   int                   `json:"retries"`
	Results   int                   `json:"results"`
	Duration  time.Duration         `json:"duration"`
	Instances []supervisor.Snapshot `json:"instances"`

	sources []aggregate.Source
}

type Coordinator struct {
	cfg      Config
	cache    *cache.Manager
	sup      *supervisor.Supervisor
	registry *Registry

	runID  string
	runDir string

	mu         sync.Mutex
	started    time.Time
	wave       int
	totalWaves int
}

func New(cfg Config) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cm, err := cache.New(filepath.Join(cfg.StateDir, "cache"))
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:      cfg,
		cache:    cm,
		registry: &Registry{},
	}

	supCfg := cfg.Supervisor
	next := supCfg.OnTransition
	supCfg.OnTransition = func(inst *supervisor.Instance, t supervisor.Transition) {
		cfg.Metrics.TrackTransition(cfg.Mode, t)
		if next != nil {
			next(inst, t)
		}
	}
	c.sup = supervisor.New(supCfg, cm)

	return c, nil
}

// Run executes the campaign. It returns ErrLocked without doing any
// work when another campaign holds the lock, and aggregate.ErrNoResults
// when no instance produced a usable result.
func (c *Coordinator) Run(ctx context.Context) (*Campaign, error) {
	log := logger.FromContext(ctx)

	if err := os.MkdirAll(c.cfg.StateDir, 0o700); err != nil {
		return nil, err
	}

	lock, err := acquireLock(filepath.Join(c.cfg.StateDir, LockFile))
	if err != nil {
		if errors.Is(err, ErrLocked) {
			log.InfoContext(ctx, "campaign lock is held, nothing to do", "lock", filepath.Join(c.cfg.StateDir, LockFile))
		}
		return nil, err
	}
	// released only once Run is done writing, after the final Cleanup;
	// the file stays so every run locks the same inode
	defer func() {
		if err := lock.Unlock(); err != nil {
			log.Warn("could not release lock", "err", err)
		}
	}()

	now := time.Now()
	id, err := newRunID(now)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.runID = id.String()
	c.started = now
	c.mu.Unlock()
	c.runDir = filepath.Join(c.cfg.StateDir, "runs", c.runID)

	ctx, span := tracing.Start(ctx, "campaign")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", c.runID),
		attribute.String("mode", string(c.cfg.Mode)),
		attribute.Int("instances", c.cfg.Instances),
	)

	log = log.With("run", c.runID, "mode", c.cfg.Mode)
	ctx = logger.NewContext(ctx, log)

	stop := context.AfterFunc(ctx, func() {
		log.Warn("campaign canceled, cleaning up")
		c.Cleanup(context.WithoutCancel(ctx))
	})
	defer func() {
		stop()
		c.Cleanup(ctx)
	}()

	targetDir := filepath.Join(c.runDir, "targets")
	if err := os.MkdirAll(targetDir, 0o700); err != nil {
		return nil, err
	}
	c.registry.OnCleanup(func() {
		os.RemoveAll(targetDir)
	})

	log.InfoContext(ctx, "starting campaign",
		"instances", c.cfg.Instances, "batch_size", c.cfg.BatchSize, "dir", c.runDir)

	campaign := &Campaign{
		RunID:     c.runID,
		Mode:      c.cfg.Mode,
		Instances: c.cfg.Instances,
		RunDir:    c.runDir,
	}

	var universe []string
	if c.cfg.Mode.needsTargets(c.cfg.BatchSize) {
		universe, err = c.targets(ctx)
		if err != nil {
			c.cfg.Metrics.trackCampaign(c.cfg.Mode, "no_targets")
			return campaign, fmt.Errorf("enumerating targets: %w", err)
		}
		campaign.Targets = len(universe)
	}

	plan := []waves.Wave{{Ordinal: 1}}
	if universe != nil {
		plan = waves.Batch(universe, c.cfg.BatchSize)
	}
	c.mu.Lock()
	c.totalWaves = len(plan)
	c.mu.Unlock()

	statsPath := filepath.Join(c.runDir, StatsFile)
	var sources []aggregate.Source

	for _, w := range plan {
		if ctx.Err() != nil {
			break
		}
		wr := c.runWave(ctx, w)
		campaign.Waves = append(campaign.Waves, wr)
		sources = append(sources, wr.sources...)

		err := waves.AppendStats(statsPath, waves.Stats{
			Wave:        w.Ordinal,
			Relays:      len(w.Targets),
			DurationSec: wr.Duration.Round(time.Millisecond).Seconds(),
			Retries:     wr.Retries,
			BatchSize:   c.cfg.BatchSize,
		})
		if err != nil {
			log.WarnContext(ctx, "could not write wave stats", "err", err)
		}
		if c.cfg.OnWave != nil {
			c.cfg.OnWave(ctx, c.runID, wr)
		}
	}

	var waveSummary *waves.Summary
	if c.cfg.BatchSize > 0 {
		stats, err := waves.ReadStats(statsPath)
		if err != nil {
			log.WarnContext(ctx, "could not read wave stats", "err", err)
		}
		waveSummary = waves.Summarize(stats, c.cfg.BatchSize, c.cfg.WaveMaxRetries)
	}

	res, err := aggregate.Run(ctx, aggregate.Options{
		Sources:      sources,
		ScanType:     c.cfg.Mode.ScanType(),
		UniverseSize: len(universe),
		RunID:        c.runID,
		Waves:        waveSummary,
	}, &aggregate.Writer{Dir: c.cfg.OutputDir, Keep: c.cfg.KeepReports})
	if err != nil {
		c.cfg.Metrics.trackCampaign(c.cfg.Mode, "failed")
		log.ErrorContext(ctx, "aggregation failed, latest report unchanged", "err", err)
		return campaign, err
	}
	campaign.Result = res

	c.cfg.Metrics.trackCampaign(c.cfg.Mode, "ok")
	c.cfg.Metrics.TrackReport(res.Report.Metadata.StatusCounts)

	log.InfoContext(ctx, "campaign finished", "report", res.Name,
		"tested", res.Report.Metadata.TestedRelays,
		"success_rate", res.Report.Metadata.DNSSuccessRatePercent)

	c.publish(ctx, res)

	return campaign, nil
}

// runWave runs the instances of one wave until they are all terminal,
// rerunning the wave while it produced no results.
func (c *Coordinator) runWave(ctx context.Context, w waves.Wave) WaveResult {
	ctx, span := tracing.Start(ctx, "wave")
	defer span.End()
	span.SetAttributes(attribute.Int("wave", w.Ordinal), attribute.Int("targets", len(w.Targets)))

	log := logger.FromContext(ctx).With("wave", w.Ordinal)
	ctx = logger.NewContext(ctx, log)

	c.mu.Lock()
	c.wave = w.Ordinal
	c.mu.Unlock()

	start := time.Now()
	wr := WaveResult{Ordinal: w.Ordinal, Targets: len(w.Targets)}

	for try := 0; ; try++ {
		insts, err := c.planInstances(w, try)
		if err != nil {
			log.ErrorContext(ctx, "could not prepare wave", "err", err)
			break
		}

		log.InfoContext(ctx, "starting wave", "instances", len(insts), "try", try+1)
		c.launch(ctx, insts)

		if err := mergeLogs(filepath.Join(c.runDir, LogFile), w.Ordinal, insts); err != nil {
			log.WarnContext(ctx, "could not merge instance logs", "err", err)
		}

		wr.Retries = try
		wr.Results = 0
		wr.Instances = wr.Instances[:0]
		wr.sources = wr.sources[:0]
		for _, inst := range insts {
			wr.Results += inst.Results()
			wr.Instances = append(wr.Instances, inst.Snapshot())
			wr.sources = append(wr.sources, aggregate.Source{
				Name:    inst.ID,
				Ordinal: inst.Ordinal,
				Dir:     inst.ResultsDir(),
			})
		}

		if wr.Results > 0 || try >= c.cfg.WaveMaxRetries || ctx.Err() != nil {
			break
		}
		log.WarnContext(ctx, "wave produced no results, retrying",
			"retry", try+1, "max_retries", c.cfg.WaveMaxRetries)
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.WaveRetries.WithLabelValues(string(c.cfg.Mode)).Inc()
		}
	}

	wr.Duration = time.Since(start)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.WaveDuration.WithLabelValues(string(c.cfg.Mode)).Observe(wr.Duration.Seconds())
	}
	span.SetAttributes(attribute.Int("results", wr.Results), attribute.Int("retries", wr.Retries))
	log.InfoContext(ctx, "wave finished", "results", wr.Results, "retries", wr.Retries, "duration", wr.Duration.Round(time.Second))

	return wr
}

// planInstances creates and registers the instances for one try of a
// wave. A wave without targets probes all exits.
func (c *Coordinator) planInstances(w waves.Wave, try int) ([]*supervisor.Instance, error) {
	n := c.cfg.Instances

	subsets := make([][]string, n)
	switch {
	case w.Targets == nil:
	case c.cfg.Mode == ModeSplit:
		subsets = waves.Partition(w.Targets, n)
	default:
		for i := range subsets {
			subsets[i] = w.Targets
		}
	}

	var insts []*supervisor.Instance
	for i, subset := range subsets {
		if w.Targets != nil && len(subset) == 0 {
			continue
		}
		ordinal := i + 1
		id := c.instanceID(ordinal, w.Ordinal, try)

		inst := supervisor.NewInstance(id, ordinal, filepath.Join(c.runDir, id))
		if subset != nil {
			inst.TargetFile = filepath.Join(c.runDir, "targets", id+".txt")
			inst.ExpectedTargets = len(subset)
			if err := waves.WriteTargetFile(inst.TargetFile, subset); err != nil {
				return nil, err
			}
		}

		c.registry.Add(inst, func() {
			if len(inst.TargetFile) > 0 {
				os.Remove(inst.TargetFile)
			}
			os.RemoveAll(inst.TorDir())
		})
		insts = append(insts, inst)
	}
	return insts, nil
}

func (c *Coordinator) instanceID(ordinal, wave, try int) string {
	id := c.cfg.Mode.instancePrefix()
	if c.cfg.Mode != ModeSingle {
		id += strconv.Itoa(ordinal)
	}
	if c.cfg.BatchSize > 0 {
		id += "_w" + strconv.Itoa(wave)
	}
	if try > 0 {
		id += "_r" + strconv.Itoa(try)
	}
	return id
}

// launch starts the instances StartDelay apart and waits for all of
// them to reach a terminal state.
func (c *Coordinator) launch(ctx context.Context, insts []*supervisor.Instance) {
	var g errgroup.Group

	for i, inst := range insts {
		if i > 0 && c.cfg.StartDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(c.cfg.StartDelay):
			}
		}
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			c.runInstance(ctx, inst)
			return nil
		})
	}
	g.Wait()
}

func (c *Coordinator) runInstance(ctx context.Context, inst *supervisor.Instance) supervisor.State {
	ctx, span := tracing.Start(ctx, "instance")
	defer span.End()

	state := c.sup.Run(ctx, inst)
	span.SetAttributes(
		attribute.String("instance", inst.ID),
		attribute.String("state", state.String()),
		attribute.Int("attempts", inst.Attempts()),
		attribute.Int("results", inst.Results()),
	)
	return state
}

func (c *Coordinator) publish(ctx context.Context, res *aggregate.Result) {
	if len(c.cfg.Publishers) == 0 {
		return
	}
	// failures never change the campaign outcome
	if err := publish.Report(ctx, c.cfg.Publishers, res, c.cfg.OutputDir); err != nil {
		logger.FromContext(ctx).WarnContext(ctx, "publishing failed", "err", err)
	}
}

// Cleanup terminates everything the campaign started and removes its
// transient files. The lock is left to Run. It is safe to call more
// than once.
func (c *Coordinator) Cleanup(ctx context.Context) {
	grace := c.cfg.Supervisor.KillGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	c.registry.Cleanup(ctx, grace)
}

// CampaignStatus implements status.Provider.
func (c *Coordinator) CampaignStatus() status.Campaign {
	c.mu.Lock()
	st := status.Campaign{
		RunID:      c.runID,
		Mode:       string(c.cfg.Mode),
		StartedAt:  c.started,
		Wave:       c.wave,
		TotalWaves: c.totalWaves,
	}
	c.mu.Unlock()
	st.Instances = c.registry.Snapshots()
	return st
}
