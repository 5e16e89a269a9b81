package campaigncmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1aeo/exitmap-dns-health-deploy/config"
	"github.com/1aeo/exitmap-dns-health-deploy/coordinator"
	"github.com/1aeo/exitmap-dns-health-deploy/testutil"
	"github.com/1aeo/exitmap-dns-health-deploy/waves"
)

const enumerateConsensus = `network-status-version 3 microdesc
r exitA qqqqqqqqqqqqqqqqqqqqqqqqqqo 2026-01-17 12:00:00 192.0.2.10 9001 0
s Exit Fast Running Stable Valid
r guardB sbGxsbGxsbGxsbGxsbGxsbGxsbE 2026-01-17 12:00:00 192.0.2.11 443 0
s Fast Guard Running Stable Valid
r badExitC ASNFZ4mrze8BI0VniavN7wEjRWc 2026-01-17 12:00:00 192.0.2.12 9001 0
s BadExit Exit Running Valid
`

func TestStateDirPriority(t *testing.T) {
	t.Run("DNSHEALTH_STATE_DIR takes priority", func(t *testing.T) {
		t.Setenv("DNSHEALTH_STATE_DIR", "/custom/dnshealth/state")
		t.Setenv("STATE_DIRECTORY", "/systemd/state")

		g := &Globals{}
		require.NoError(t, g.BeforeApply())
		assert.Equal(t, "/custom/dnshealth/state", g.StateDir)
	})

	t.Run("STATE_DIRECTORY used when DNSHEALTH_STATE_DIR not set", func(t *testing.T) {
		t.Setenv("DNSHEALTH_STATE_DIR", "")
		t.Setenv("STATE_DIRECTORY", "/systemd/state")

		g := &Globals{}
		require.NoError(t, g.BeforeApply())
		assert.Equal(t, "/systemd/state", g.StateDir)
	})

	t.Run("fallback to user config dir", func(t *testing.T) {
		t.Setenv("DNSHEALTH_STATE_DIR", "")
		t.Setenv("STATE_DIRECTORY", "")

		g := &Globals{}
		require.NoError(t, g.BeforeApply())

		expected, err := os.UserConfigDir()
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(expected, "dnshealth"), g.StateDir)
	})

	t.Run("explicit state dir overrides environment", func(t *testing.T) {
		t.Setenv("DNSHEALTH_STATE_DIR", "/custom/dnshealth/state")
		t.Setenv("STATE_DIRECTORY", "/systemd/state")

		g := &Globals{StateDir: "/explicit/state/dir"}
		require.NoError(t, g.BeforeApply())
		assert.Equal(t, "/explicit/state/dir", g.StateDir)
	})
}

func parse(t *testing.T, args ...string) (*Cmd, error) {
	t.Helper()
	cli := &Cmd{}
	parser, err := kong.New(cli, kong.Name(appName), kong.Exit(func(int) {}))
	require.NoError(t, err)
	_, err = parser.Parse(append([]string{"--state-dir", t.TempDir()}, args...))
	return cli, err
}

func TestRunCmdArgs(t *testing.T) {
	tests := []struct {
		args    []string
		mode    string
		n       int
		wantErr string
	}{
		{args: []string{"run"}, mode: "single"},
		{args: []string{"run", "single", "4"}, mode: "single", n: 4},
		{args: []string{"run", "cv", "3"}, mode: "cv", n: 3},
		{args: []string{"run", "split", "16"}, mode: "split", n: 16},
		{args: []string{"run", "split"}, wantErr: "instance count"},
		{args: []string{"run", "cross-validate", "17"}, wantErr: "instance count"},
		{args: []string{"run", "parallel", "2"}, wantErr: "parallel"},
		{args: []string{"run", "--webhook"}, wantErr: "webhook-url"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			cli, err := parse(t, tt.args...)
			if len(tt.wantErr) > 0 {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.mode, cli.Run.Mode)
			assert.Equal(t, tt.n, cli.Run.Instances)
		})
	}
}

func TestRunCmdConfig(t *testing.T) {
	cli, err := parse(t, "run", "cv", "2", "--batch-size", "50", "--bad-exits")
	require.NoError(t, err)

	cfg := cli.Run.config(&cli.Globals)
	assert.Equal(t, coordinator.ModeCrossValidate, cfg.Mode)
	assert.Equal(t, 2, cfg.Instances)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, filepath.Join(cli.StateDir, "reports"), cfg.OutputDir)
	assert.IsType(t, coordinator.ConsensusEnumerator{}, cfg.Enumerator)

	cli.Run.Helper = "/usr/local/bin/get-exits"
	cfg = cli.Run.config(&cli.Globals)
	helper, ok := cfg.Enumerator.(coordinator.HelperEnumerator)
	require.True(t, ok)
	assert.Equal(t, []string{"--all-exits"}, helper.Args)
}

func TestRunCmdConfigFile(t *testing.T) {
	const file = `
state-dir: /var/lib/dnshealth
batch-size: 400
instances: 3
mqtt:
  broker: mqtts://mqtt.example.net:8883
`
	resolve := func(t *testing.T, args ...string) *Cmd {
		t.Helper()
		r, err := config.YAML(strings.NewReader(file))
		require.NoError(t, err)
		cli := &Cmd{}
		parser, err := kong.New(cli, kong.Name(appName), kong.Exit(func(int) {}), kong.Resolvers(r))
		require.NoError(t, err)
		_, err = parser.Parse(args)
		require.NoError(t, err)
		return cli
	}

	cli := resolve(t, "run")
	assert.Equal(t, "/var/lib/dnshealth", cli.StateDir)
	assert.Equal(t, 400, cli.Run.BatchSize)
	assert.Equal(t, "mqtts://mqtt.example.net:8883", cli.Run.MQTTBroker)
	assert.Equal(t, 0, cli.Run.Instances, "positional args are not read from the file")

	cli = resolve(t, "run", "cv", "2")
	assert.Equal(t, 2, cli.Run.Instances)
	assert.Equal(t, 400, cli.Run.BatchSize)
}

func TestExitError(t *testing.T) {
	assert.NoError(t, exitError(fmt.Errorf("campaign: %w", coordinator.ErrLocked)))
	assert.ErrorIs(t, exitError(coordinator.ErrNoTargets), coordinator.ErrNoTargets)
	assert.NoError(t, exitError(nil))
}

func TestAggregateSources(t *testing.T) {
	cmd := &AggregateCmd{Sources: []string{"/runs/x/cv1", "/runs/x/cv2", "/runs/x/cv3"}}
	sources := cmd.sources()
	require.Len(t, sources, 3)
	for i, s := range sources {
		assert.Equal(t, i+1, s.Ordinal)
		assert.Equal(t, cmd.Sources[i], s.Dir)
	}
	assert.Equal(t, "cv2", sources[1].Name)
}

func TestEnumerate(t *testing.T) {
	ctx := testutil.Context(t)
	stateDir := t.TempDir()
	cacheDir := filepath.Join(stateDir, "cache")
	require.NoError(t, os.MkdirAll(cacheDir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(cacheDir, "cached-microdesc-consensus"), []byte(enumerateConsensus), 0o600))

	g := &Globals{StateDir: stateDir}
	exitA := strings.Repeat("A", 40)
	exitC := "0123456789ABCDEF0123456789ABCDEF01234567"

	t.Run("stdout", func(t *testing.T) {
		var buf bytes.Buffer
		cmd := &EnumerateCmd{out: &buf}
		require.NoError(t, cmd.Run(ctx, g))
		assert.Equal(t, exitA+"\n", buf.String())
	})

	t.Run("bad exits", func(t *testing.T) {
		var buf bytes.Buffer
		cmd := &EnumerateCmd{BadExits: true, out: &buf}
		require.NoError(t, cmd.Run(ctx, g))
		assert.Equal(t, exitC+"\n", buf.String())
	})

	t.Run("split", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "exits")
		cmd := &EnumerateCmd{AllExits: true, Output: out, Split: 3}
		require.NoError(t, cmd.Validate())
		require.NoError(t, cmd.Run(ctx, g))

		first, err := waves.ReadTargetFile(out + ".1")
		require.NoError(t, err)
		assert.Equal(t, []string{exitC}, first)

		second, err := waves.ReadTargetFile(out + ".2")
		require.NoError(t, err)
		assert.Equal(t, []string{exitA}, second)

		third, err := waves.ReadTargetFile(out + ".3")
		require.NoError(t, err)
		assert.Empty(t, third)
	})

	t.Run("split needs output", func(t *testing.T) {
		cmd := &EnumerateCmd{Split: 2}
		assert.Error(t, cmd.Validate())
	})

	t.Run("missing consensus", func(t *testing.T) {
		cmd := &EnumerateCmd{DataDir: t.TempDir()}
		assert.ErrorContains(t, cmd.Run(ctx, g), "no cached consensus")
	})
}
