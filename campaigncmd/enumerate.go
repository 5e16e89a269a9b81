package campaigncmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.ntppool.org/common/logger"

	"github.com/1aeo/exitmap-dns-health-deploy/cache"
	"github.com/1aeo/exitmap-dns-health-deploy/consensus"
	"github.com/1aeo/exitmap-dns-health-deploy/waves"
)

type EnumerateCmd struct {
	DataDir  string `name:"data-dir" help:"Tor data directory holding the consensus (default: <state-dir>/cache)"`
	BadExits bool   `name:"bad-exits" xor:"exits" help:"Only relays flagged BadExit"`
	AllExits bool   `name:"all-exits" xor:"exits" help:"Every exit relay, BadExit or not"`
	Output   string `short:"o" help:"Write the fingerprints to this file instead of stdout"`
	Split    int    `name:"split" default:"0" help:"Distribute round-robin into N files named <output>.1 to <output>.N"`

	out io.Writer `kong:"-"`
}

func (cmd *EnumerateCmd) Validate() error {
	if cmd.Split < 0 {
		return errors.New("--split must not be negative")
	}
	if cmd.Split > 0 && len(cmd.Output) == 0 {
		return errors.New("--split needs --output")
	}
	return nil
}

func (cmd *EnumerateCmd) filter() consensus.Filter {
	switch {
	case cmd.AllExits:
		return consensus.Filter{GoodExits: true, BadExits: true}
	case cmd.BadExits:
		return consensus.Filter{BadExits: true}
	}
	return consensus.DefaultFilter
}

func (cmd *EnumerateCmd) Run(ctx context.Context, g *Globals) error {
	ctx = g.setup(ctx)
	log := logger.FromContext(ctx)

	dataDir := cmd.DataDir
	if len(dataDir) == 0 {
		dataDir = filepath.Join(g.StateDir, "cache")
	}

	path, ok := cache.ConsensusPath(dataDir)
	if !ok {
		return fmt.Errorf("no cached consensus in %s", dataDir)
	}
	fps, err := consensus.ExitsFromFile(path, cmd.filter())
	if err != nil {
		return err
	}
	log.DebugContext(ctx, "enumerated exits", "consensus", path, "count", len(fps))

	switch {
	case cmd.Split > 0:
		for i, part := range waves.Partition(fps, cmd.Split) {
			name := fmt.Sprintf("%s.%d", cmd.Output, i+1)
			if err := waves.WriteTargetFile(name, part); err != nil {
				return err
			}
			log.InfoContext(ctx, "wrote targets", "file", name, "count", len(part))
		}
		return nil

	case len(cmd.Output) > 0:
		return waves.WriteTargetFile(cmd.Output, fps)
	}

	out := cmd.out
	if out == nil {
		out = os.Stdout
	}
	for _, fp := range fps {
		if _, err := fmt.Fprintln(out, fp); err != nil {
			return err
		}
	}
	return nil
}
