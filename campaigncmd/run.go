package campaigncmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.ntppool.org/common/logger"
	"go.ntppool.org/common/metricsserver"
	"go.ntppool.org/common/version"

	"github.com/1aeo/exitmap-dns-health-deploy/consensus"
	"github.com/1aeo/exitmap-dns-health-deploy/coordinator"
	"github.com/1aeo/exitmap-dns-health-deploy/mqttcm"
	"github.com/1aeo/exitmap-dns-health-deploy/status"
	"github.com/1aeo/exitmap-dns-health-deploy/supervisor"
)

type RunCmd struct {
	Mode      string `arg:"" optional:"" default:"single" enum:"single,cross-validate,cv,split" help:"Campaign mode (single, cross-validate, split)"`
	Instances int    `arg:"" optional:"" default:"0" help:"Number of prober instances for cross-validate and split (1-16)"`

	Prober     string        `default:"exitmap" env:"DNSHEALTH_PROBER" help:"Prober executable"`
	ProberArgs []string      `name:"prober-arg" default:"dnshealth" help:"Arguments passed before the per instance flags"`
	BuildDelay time.Duration `name:"build-delay" default:"0s" help:"Delay between circuit builds (0 uses the prober default)"`
	DelayNoise time.Duration `name:"delay-noise" default:"0s" help:"Random noise added to the build delay"`

	Helper   string `name:"enumerate-helper" env:"DNSHEALTH_ENUMERATE_HELPER" help:"External program listing exit fingerprints for a Tor data dir; the built-in consensus reader is used if empty"`
	BadExits bool   `name:"bad-exits" help:"Include relays flagged BadExit"`

	OutputDir   string `name:"output-dir" env:"DNSHEALTH_OUTPUT_DIR" help:"Report directory (default: <state-dir>/reports)"`
	KeepReports int    `name:"keep-reports" default:"100" help:"Reports listed in the manifest"`

	BatchSize      int           `name:"batch-size" default:"0" env:"DNSHEALTH_BATCH_SIZE" help:"Relays per wave, 0 for a single wave"`
	WaveMaxRetries int           `name:"wave-max-retries" default:"2" help:"Reruns of a wave that produced no results"`
	StartDelay     time.Duration `name:"start-delay" default:"30s" help:"Delay between instance starts within a wave"`

	BootstrapTimeout    time.Duration `name:"bootstrap-timeout" default:"5m" help:"Time allowed for Tor to bootstrap"`
	MaxBootstrapRetries int           `name:"max-bootstrap-retries" default:"3" help:"Bootstrap attempts before an instance is abandoned"`
	PollInterval        time.Duration `name:"poll-interval" default:"5s" help:"Progress polling interval"`
	StallTimeout        time.Duration `name:"stall-timeout" default:"10m" help:"End probing when no result arrived for this long, 0 disables"`
	KillGrace           time.Duration `name:"kill-grace" default:"10s" help:"Time between SIGTERM and SIGKILL"`

	StatusListen string `name:"status-listen" env:"DNSHEALTH_STATUS_LISTEN" help:"Serve campaign status on this address, e.g. localhost:8095"`

	PublishFlags `embed:""`
}

func (cmd *RunCmd) Validate() error {
	mode, err := coordinator.ParseMode(cmd.Mode)
	if err != nil {
		return err
	}
	if err := cmd.PublishFlags.Validate(); err != nil {
		return err
	}
	if mode == coordinator.ModeSingle {
		return nil
	}
	if cmd.Instances < 1 || cmd.Instances > coordinator.MaxInstances {
		return fmt.Errorf("%s needs an instance count between 1 and %d", mode, coordinator.MaxInstances)
	}
	return nil
}

func (cmd *RunCmd) config(g *Globals) coordinator.Config {
	mode, _ := coordinator.ParseMode(cmd.Mode)

	var enum coordinator.Enumerator = coordinator.ConsensusEnumerator{
		Filter: consensus.Filter{GoodExits: true, BadExits: cmd.BadExits},
	}
	if len(cmd.Helper) > 0 {
		helper := coordinator.HelperEnumerator{Path: cmd.Helper}
		if cmd.BadExits {
			helper.Args = []string{"--all-exits"}
		}
		enum = helper
	}

	outputDir := cmd.OutputDir
	if len(outputDir) == 0 {
		outputDir = filepath.Join(g.StateDir, "reports")
	}

	return coordinator.Config{
		Mode:           mode,
		Instances:      cmd.Instances,
		StateDir:       g.StateDir,
		OutputDir:      outputDir,
		KeepReports:    cmd.KeepReports,
		BatchSize:      cmd.BatchSize,
		WaveMaxRetries: cmd.WaveMaxRetries,
		StartDelay:     cmd.StartDelay,
		Enumerator:     enum,
		Supervisor: supervisor.Config{
			Prober:               cmd.Prober,
			Args:                 cmd.ProberArgs,
			BuildDelay:           cmd.BuildDelay,
			DelayNoise:           cmd.DelayNoise,
			BootstrapTimeout:     cmd.BootstrapTimeout,
			MaxBootstrapAttempts: cmd.MaxBootstrapRetries,
			PollInterval:         cmd.PollInterval,
			StallTimeout:         cmd.StallTimeout,
			KillGrace:            cmd.KillGrace,
		},
	}
}

func (cmd *RunCmd) Run(ctx context.Context, g *Globals) error {
	ctx = g.setup(ctx)
	log := logger.FromContext(ctx)

	log.InfoContext(ctx, "dnshealth starting", "version", version.Version(), "state_dir", g.StateDir)

	shutdownTracing, err := initTracing(ctx, g.deployEnv())
	if err != nil {
		log.WarnContext(ctx, "tracing disabled", "err", err)
	} else {
		defer shutdownTracing(ctx)
	}

	metricssrv := metricsserver.New()
	version.RegisterMetric(appName, metricssrv.Registry())
	if g.MetricsPort > 0 {
		go func() {
			if err := metricssrv.ListenAndServe(ctx, g.MetricsPort); err != nil {
				log.Error("metrics server error", "err", err)
			}
		}()
	}

	topics := mqttcm.NewTopics(g.deployEnv())
	pubs, err := cmd.PublishFlags.setup(ctx, topics)
	if err != nil {
		return err
	}
	defer pubs.Close(ctx)

	cfg := cmd.config(g)
	cfg.Metrics = coordinator.NewMetrics(metricssrv.Registry())
	cfg.Publishers = pubs.list
	if pubs.mqtt != nil {
		cfg.OnWave = func(ctx context.Context, runID string, wr coordinator.WaveResult) {
			if err := pubs.mqtt.PublishJSON(ctx, topics.Wave(runID), wr, false); err != nil {
				logger.FromContext(ctx).WarnContext(ctx, "could not publish wave progress", "err", err)
			}
		}
	}

	coord, err := coordinator.New(cfg)
	if err != nil {
		return err
	}

	if len(cmd.StatusListen) > 0 {
		statusCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		srv := status.New(statusCtx, coord)
		go func() {
			if err := srv.ListenAndServe(statusCtx, cmd.StatusListen); err != nil {
				log.Error("status server error", "err", err)
			}
		}()
	}

	campaign, err := coord.Run(ctx)
	if err != nil {
		return exitError(err)
	}

	fmt.Print(campaign.Result.Report.Summary())
	fmt.Printf("Report: %s\n", filepath.Join(cfg.OutputDir, campaign.Result.Name))
	return nil
}

// exitError maps a campaign error to the command's result. A held lock
// means another campaign is doing the work, which is not a failure.
func exitError(err error) error {
	if errors.Is(err, coordinator.ErrLocked) {
		return nil
	}
	return err
}
