// Package cache keeps the Tor directory artifacts that let a prober
// instance bootstrap without fetching a full consensus from the
// network. Every instance gets a private copy in its work directory;
// refreshed artifacts are written back last-writer-wins.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.ntppool.org/common/logger"
)

// Artifacts are the long-lived cache entries, kept when a work
// directory is purged after a failed bootstrap.
var Artifacts = []string{
	"cached-certs",
	"cached-consensus",
	"cached-microdesc-consensus",
	"cached-descriptors",
	"cached-descriptors.new",
	"cached-microdescs",
	"cached-microdescs.new",
}

// ConsensusFiles are checked in order when looking for a consensus.
var ConsensusFiles = []string{
	"cached-consensus",
	"cached-microdesc-consensus",
}

type Manager struct {
	Dir string
}

func New(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cache dir: %w", err)
	}
	return &Manager{Dir: dir}, nil
}

// ConsensusPath returns the first consensus file found in dir.
func ConsensusPath(dir string) (string, bool) {
	for _, name := range ConsensusFiles {
		p := filepath.Join(dir, name)
		if st, err := os.Stat(p); err == nil && st.Size() > 0 {
			return p, true
		}
	}
	return "", false
}

// HasConsensus reports if the shared cache holds a consensus.
func (m *Manager) HasConsensus() bool {
	_, ok := ConsensusPath(m.Dir)
	return ok
}

// Restore copies the cached artifacts into workDir. Missing entries
// are skipped; the prober fetches them itself.
func (m *Manager) Restore(ctx context.Context, workDir string) (int, error) {
	log := logger.FromContext(ctx)

	if err := os.MkdirAll(workDir, 0o700); err != nil {
		return 0, err
	}

	n := 0
	for _, name := range Artifacts {
		err := copyFile(filepath.Join(m.Dir, name), filepath.Join(workDir, name))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return n, fmt.Errorf("restore %s: %w", name, err)
		}
		n++
	}
	log.DebugContext(ctx, "restored cache", "dir", workDir, "files", n)
	return n, nil
}

// Save copies refreshed artifacts from workDir back into the shared
// cache. Empty files are not saved.
func (m *Manager) Save(ctx context.Context, workDir string) (int, error) {
	log := logger.FromContext(ctx)

	n := 0
	for _, name := range Artifacts {
		src := filepath.Join(workDir, name)
		st, err := os.Stat(src)
		if err != nil || st.Size() == 0 {
			continue
		}
		if err := copyFile(src, filepath.Join(m.Dir, name)); err != nil {
			return n, fmt.Errorf("save %s: %w", name, err)
		}
		n++
	}
	log.DebugContext(ctx, "saved cache", "from", workDir, "files", n)
	return n, nil
}

// Purge removes everything in workDir except the long-lived artifacts.
func Purge(workDir string) error {
	keep := map[string]bool{}
	for _, name := range Artifacts {
		keep[name] = true
	}

	entries, err := os.ReadDir(workDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	var errs []error
	for _, e := range entries {
		if keep[e.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(workDir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// copyFile writes src to dst through a temporary file and rename, so
// concurrent readers of dst never see a partial file.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmpPath := dst + ".tmp"
	out, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer func() {
		out.Close()
		if err != nil {
			os.Remove(tmpPath)
		}
	}()

	if _, err = io.Copy(out, in); err != nil {
		return err
	}
	if err = out.Close(); err != nil {
		return err
	}
	err = os.Rename(tmpPath, dst)
	return err
}
