// Package campaigncmd holds the dnshealth command line.
package campaigncmd

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	"go.ntppool.org/common/config/depenv"
	"go.ntppool.org/common/logger"
)

const appName = "dnshealth"

type Cmd struct {
	Globals

	Run       RunCmd       `cmd:"" help:"Run a campaign: single, cross-validate N or split N"`
	Aggregate AggregateCmd `cmd:"" help:"Merge result directories into a report"`
	Enumerate EnumerateCmd `cmd:"" help:"List the exit relays in a cached consensus"`
	Version   VersionCmd   `cmd:"" help:"Show version"`
}

// Globals are the flags shared by every command.
type Globals struct {
	Config kong.ConfigFlag `help:"YAML file with flag defaults" type:"existingfile"`

	StateDir       string `name:"state-dir" help:"Directory for the lock, bootstrap cache, runs and reports (default: $DNSHEALTH_STATE_DIR, $STATE_DIRECTORY or the user config dir)"`
	DeploymentMode string `name:"deployment-mode" default:"prod" env:"DEPLOYMENT_MODE" help:"prod, test or devel"`
	Debug          bool   `help:"Enable debug logging" env:"DNSHEALTH_DEBUG"`
	MetricsPort    int    `name:"metrics-port" default:"0" env:"DNSHEALTH_METRICS_PORT" help:"Metrics server port, 0 disables it"`
}

// BeforeApply picks the state directory when none was given:
// DNSHEALTH_STATE_DIR, then systemd's STATE_DIRECTORY, then the user
// config directory.
func (g *Globals) BeforeApply() error {
	if len(g.StateDir) > 0 {
		return nil
	}
	if dir := os.Getenv("DNSHEALTH_STATE_DIR"); len(dir) > 0 {
		g.StateDir = dir
		return nil
	}
	if dir := os.Getenv("STATE_DIRECTORY"); len(dir) > 0 {
		g.StateDir = dir
		return nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return err
	}
	g.StateDir = filepath.Join(dir, appName)
	return nil
}

func (g *Globals) deployEnv() depenv.DeploymentEnvironment {
	return depenv.DeploymentEnvironmentFromString(g.DeploymentMode)
}

// setup returns a context carrying the logger for the command.
func (g *Globals) setup(ctx context.Context) context.Context {
	log := logger.Setup()
	if g.Debug {
		log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	}
	return logger.NewContext(ctx, log)
}
