package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"go.ntppool.org/common/logger"
	"go.ntppool.org/common/tracing"
	"go.opentelemetry.io/otel/attribute"

	"github.com/1aeo/exitmap-dns-health-deploy/cache"
	"github.com/1aeo/exitmap-dns-health-deploy/consensus"
	"github.com/1aeo/exitmap-dns-health-deploy/supervisor"
	"github.com/1aeo/exitmap-dns-health-deploy/waves"
)

// ErrNoTargets is returned when enumeration found no targets.
var ErrNoTargets = errors.New("no targets enumerated")

// Enumerator lists the target universe from a Tor data directory.
type Enumerator interface {
	Enumerate(ctx context.Context, dataDir string) ([]string, error)
}

// HelperEnumerator runs an external program that prints one
// fingerprint per line for the data directory given as its argument.
type HelperEnumerator struct {
	Path string
	Args []string
}

func (h HelperEnumerator) Enumerate(ctx context.Context, dataDir string) ([]string, error) {
	args := append(append([]string{}, h.Args...), dataDir)
	cmd := exec.CommandContext(ctx, h.Path, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s", filepath.Base(h.Path), err, bytes.TrimSpace(stderr.Bytes()))
	}
	return waves.ReadTargets(bytes.NewReader(out))
}

// ConsensusEnumerator reads the exits from the cached consensus
// directly.
type ConsensusEnumerator struct {
	Filter consensus.Filter
}

func (c ConsensusEnumerator) Enumerate(_ context.Context, dataDir string) ([]string, error) {
	path, ok := cache.ConsensusPath(dataDir)
	if !ok {
		return nil, fmt.Errorf("no consensus in %s", dataDir)
	}
	return consensus.ExitsFromFile(path, c.Filter)
}

// targets returns the target universe. Without a cached consensus a
// seed instance bootstraps one first.
func (c *Coordinator) targets(ctx context.Context) ([]string, error) {
	ctx, span := tracing.Start(ctx, "enumerate")
	defer span.End()

	log := logger.FromContext(ctx)

	if !c.cache.HasConsensus() {
		log.InfoContext(ctx, "no cached consensus, bootstrapping a seed instance")
		if err := c.seed(ctx); err != nil {
			return nil, err
		}
	}

	targets, err := c.cfg.Enumerator.Enumerate(ctx, c.cache.Dir)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}

	span.SetAttributes(attribute.Int("targets", len(targets)))
	log.InfoContext(ctx, "enumerated targets", "count", len(targets))
	return targets, nil
}

func (c *Coordinator) seed(ctx context.Context) error {
	inst := supervisor.NewInstance("seed", 0, filepath.Join(c.runDir, "seed"))
	inst.StopAfterBootstrap = true

	c.registry.Add(inst, func() {
		os.RemoveAll(inst.TorDir())
	})

	state := c.runInstance(ctx, inst)
	if state != supervisor.StateCompleted || !c.cache.HasConsensus() {
		return fmt.Errorf("seed instance could not obtain a consensus (%s)", state)
	}
	return nil
}
