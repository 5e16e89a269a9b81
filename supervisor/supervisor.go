// Package supervisor runs one external prober process through its
// lifecycle: spawn, wait for bootstrap, wait for probing to finish or
// stall, terminate and retry.
//
// Failures never leave Run; the caller only sees the terminal State.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.ntppool.org/common/logger"

	"github.com/1aeo/exitmap-dns-health-deploy/cache"
	"github.com/1aeo/exitmap-dns-health-deploy/progress"
)

// maxTailRead bounds how much log is folded per poll.
const maxTailRead = 1 << 20

// Config is shared by every instance of a campaign.
type Config struct {
	// Prober is the executable; Args are passed before the per
	// instance flags (typically the module name).
	Prober string
	Args   []string
	Env    []string

	BuildDelay time.Duration
	DelayNoise time.Duration

	BootstrapTimeout time.Duration
	// MaxBootstrapAttempts bounds how often an instance tries to
	// bootstrap before it is abandoned.
	MaxBootstrapAttempts int
	RetryInitial         time.Duration
	RetryMax             time.Duration

	PollInterval time.Duration
	// StallTimeout ends probing when the result count has not grown
	// for this long. Zero waits for the prober to exit.
	StallTimeout time.Duration
	KillGrace    time.Duration

	// ResultPattern matches result file names in the results dir.
	ResultPattern string

	// OnTransition is called after every state change.
	OnTransition func(inst *Instance, t Transition)
}

func (c *Config) setDefaults() {
	if c.BootstrapTimeout <= 0 {
		c.BootstrapTimeout = 5 * time.Minute
	}
	if c.MaxBootstrapAttempts <= 0 {
		c.MaxBootstrapAttempts = 3
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 5 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 10 * time.Second
	}
	if len(c.ResultPattern) == 0 {
		c.ResultPattern = "dnshealth_*.json"
	}
}

type Supervisor struct {
	cfg   Config
	cache *cache.Manager
}

// New returns a Supervisor. cm may be nil when no bootstrap cache is
// used.
func New(cfg Config, cm *cache.Manager) *Supervisor {
	cfg.setDefaults()
	return &Supervisor{cfg: cfg, cache: cm}
}

// Run drives inst to a terminal state.
func (s *Supervisor) Run(ctx context.Context, inst *Instance) State {
	log := logger.FromContext(ctx).With("instance", inst.ID)
	ctx = logger.NewContext(ctx, log)

	inst.mu.Lock()
	inst.startedAt = time.Now()
	inst.mu.Unlock()

	for _, dir := range []string{inst.WorkDir, inst.TorDir(), inst.ResultsDir()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			log.ErrorContext(ctx, "could not create work dir", "dir", dir, "err", err)
			return s.transition(ctx, inst, StateFailed, "work dir: "+err.Error())
		}
	}

	expback := backoff.NewExponentialBackOff()
	expback.InitialInterval = s.cfg.RetryInitial
	expback.MaxInterval = s.cfg.RetryMax

	for {
		inst.mu.Lock()
		inst.attempts++
		attempt := inst.attempts
		inst.stalled = false
		inst.mu.Unlock()

		s.transition(ctx, inst, StatePending, "attempt "+strconv.Itoa(attempt))

		state := s.attempt(ctx, inst)
		s.finishAttempt(ctx, inst)

		if state != StateBootstrapFailed {
			return state
		}

		if attempt >= s.cfg.MaxBootstrapAttempts {
			log.WarnContext(ctx, "giving up after bootstrap failures", "attempts", attempt)
			return s.transition(ctx, inst, StateFailed, "bootstrap attempts exhausted")
		}

		wait := expback.NextBackOff()
		log.InfoContext(ctx, "retrying bootstrap", "attempt", attempt, "wait", wait)
		select {
		case <-ctx.Done():
			return s.transition(ctx, inst, StateFailed, "canceled")
		case <-time.After(wait):
		}
	}
}

// attempt runs one prober process and returns Completed, Failed or
// BootstrapFailed.
func (s *Supervisor) attempt(ctx context.Context, inst *Instance) State {
	log := logger.FromContext(ctx)

	if s.cache != nil {
		if _, err := s.cache.Restore(ctx, inst.TorDir()); err != nil {
			log.WarnContext(ctx, "cache restore failed", "err", err)
		}
	}

	logFile, err := os.OpenFile(inst.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.ErrorContext(ctx, "could not open instance log", "err", err)
		return s.transition(ctx, inst, StateFailed, "log: "+err.Error())
	}
	defer logFile.Close()

	offset, _ := logFile.Seek(0, io.SeekEnd)

	cmd := exec.Command(s.cfg.Prober, s.proberArgs(inst)...)
	cmd.Dir = inst.WorkDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if len(s.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), s.cfg.Env...)
	}
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		log.ErrorContext(ctx, "could not start prober", "prober", s.cfg.Prober, "err", err)
		s.transition(ctx, inst, StateBootstrapping, "start")
		return s.transition(ctx, inst, StateBootstrapFailed, "start: "+err.Error())
	}
	pgid := cmd.Process.Pid
	inst.setPgid(pgid)
	log.InfoContext(ctx, "started prober", "pid", pgid, "targets", inst.ExpectedTargets)

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()

	stop := func(reason string) error {
		log.DebugContext(ctx, "terminating process group", "pgid", pgid, "reason", reason)
		err := terminateGroup(pgid, s.cfg.KillGrace)
		if err != nil {
			log.WarnContext(ctx, "process group did not terminate", "pgid", pgid, "err", err)
		}
		<-exited
		inst.setPgid(0)
		return err
	}

	s.transition(ctx, inst, StateBootstrapping, "")

	p := &poller{
		inst:    inst,
		logPath: inst.LogPath(),
		offset:  offset,
		pattern: s.cfg.ResultPattern,
	}
	bootstrapDeadline := time.Now().Add(s.cfg.BootstrapTimeout)
	var lastCount int
	var lastGrowth time.Time

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			stop("canceled")
			p.poll(ctx)
			return s.transition(ctx, inst, StateFailed, "canceled")

		case werr := <-exited:
			// leftovers in the group outlive the leader
			terminateGroup(pgid, s.cfg.KillGrace)
			inst.setPgid(0)
			sum, _ := p.poll(ctx)
			log.InfoContext(ctx, "prober exited", "err", werr, "results", inst.Results())

			if inst.State() == StateBootstrapping {
				switch {
				case !sum.Bootstrapped || sum.BootstrapFailed:
					return s.transition(ctx, inst, StateBootstrapFailed, "exited during bootstrap: "+exitReason(werr))
				case inst.StopAfterBootstrap:
					return s.transition(ctx, inst, StateCompleted, "bootstrapped")
				}
				// finished between two polls
				s.transition(ctx, inst, StateProbing, "")
			}
			return s.transition(ctx, inst, StateCompleted, exitReason(werr))

		case <-ticker.C:
			sum, count := p.poll(ctx)

			switch inst.State() {
			case StateBootstrapping:
				switch {
				case sum.BootstrapFailed:
					stop("bootstrap failure marker")
					return s.transition(ctx, inst, StateBootstrapFailed, "failure marker")
				case sum.Bootstrapped:
					if inst.StopAfterBootstrap {
						stop("bootstrap only")
						return s.transition(ctx, inst, StateCompleted, "bootstrapped")
					}
					s.transition(ctx, inst, StateProbing, "")
					lastCount = count
					lastGrowth = time.Now()
				case time.Now().After(bootstrapDeadline):
					stop("bootstrap timeout")
					return s.transition(ctx, inst, StateBootstrapFailed,
						fmt.Sprintf("no bootstrap after %s", s.cfg.BootstrapTimeout))
				}

			case StateProbing:
				if count > lastCount {
					lastCount = count
					lastGrowth = time.Now()
					continue
				}
				if s.cfg.StallTimeout > 0 && time.Since(lastGrowth) >= s.cfg.StallTimeout {
					log.InfoContext(ctx, "no new results, treating as complete",
						"results", count, "stall", s.cfg.StallTimeout)
					inst.mu.Lock()
					inst.stalled = true
					inst.mu.Unlock()
					stop("stalled")
					p.poll(ctx)
					return s.transition(ctx, inst, StateCompleted, "stalled")
				}
			}
		}
	}
}

// finishAttempt refreshes the shared cache from the instance and
// purges its Tor directory down to the long-lived artifacts.
func (s *Supervisor) finishAttempt(ctx context.Context, inst *Instance) {
	log := logger.FromContext(ctx)

	if err := cache.Purge(inst.TorDir()); err != nil {
		log.WarnContext(ctx, "purge failed", "dir", inst.TorDir(), "err", err)
	}
	if s.cache != nil {
		if _, err := s.cache.Save(ctx, inst.TorDir()); err != nil {
			log.WarnContext(ctx, "cache save failed", "err", err)
		}
	}
}

func (s *Supervisor) proberArgs(inst *Instance) []string {
	args := append([]string{}, s.cfg.Args...)
	args = append(args,
		"--tor-dir", inst.TorDir(),
		"--analysis-dir", inst.ResultsDir(),
	)
	if len(inst.TargetFile) > 0 {
		args = append(args, "--exit-file", inst.TargetFile)
	} else {
		args = append(args, "--all-exits")
	}
	if s.cfg.BuildDelay > 0 {
		args = append(args, "--build-delay", formatSeconds(s.cfg.BuildDelay))
	}
	if s.cfg.DelayNoise > 0 {
		args = append(args, "--delay-noise", formatSeconds(s.cfg.DelayNoise))
	}
	return args
}

func (s *Supervisor) transition(ctx context.Context, inst *Instance, to State, reason string) State {
	t := inst.setState(to, reason)

	level := slog.LevelInfo
	switch to {
	case StatePending, StateProbing:
		level = slog.LevelDebug
	case StateBootstrapFailed, StateFailed:
		level = slog.LevelWarn
	}
	logger.FromContext(ctx).Log(ctx, level, "state", "from", t.From, "to", t.To, "attempt", t.Attempt, "reason", reason)

	if s.cfg.OnTransition != nil {
		s.cfg.OnTransition(inst, t)
	}
	return to
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

func exitReason(err error) string {
	if err == nil {
		return "exited"
	}
	return err.Error()
}

// poller folds the instance log tail and counts result files.
type poller struct {
	inst    *Instance
	logPath string
	offset  int64
	pattern string
	summary progress.Summary
}

func (p *poller) poll(ctx context.Context) (progress.Summary, int) {
	tail, err := readTail(p.logPath, p.offset, maxTailRead)
	if err != nil {
		logger.FromContext(ctx).DebugContext(ctx, "reading log", "err", err)
	}
	p.offset += int64(len(tail))
	p.summary = progress.Update(p.summary, tail)

	files := countResults(p.inst.ResultsDir(), p.pattern)
	count := max(files, p.summary.Probed)
	p.inst.setProgress(p.summary, files)

	return p.summary, count
}

func readTail(path string, offset int64, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(io.LimitReader(f, limit))
}

// countResults counts files matching pattern anywhere under dir.
func countResults(dir, pattern string) int {
	n := 0
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), ".tmp") {
			return nil
		}
		if ok, _ := filepath.Match(pattern, d.Name()); ok {
			n++
		}
		return nil
	})
	return n
}
