package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"go.ntppool.org/common/logger"
)

const (
	LatestFile   = "latest.json"
	ManifestFile = "files.json"
)

// Manifest lists the most recent reports, newest first.
type Manifest struct {
	Updated string   `json:"updated"`
	Latest  string   `json:"latest"`
	Reports []string `json:"reports"`
}

// Writer publishes reports into a directory: an immutable timestamped
// file per report, latest.json and the manifest.
type Writer struct {
	Dir  string
	Keep int // manifest entries, 0 for unbounded
}

func ReportName(t time.Time) string {
	return "dns_health_" + t.UTC().Format("20060102_150405") + ".json"
}

// LatestPath is the path of the current latest report.
func (w *Writer) LatestPath() string {
	return filepath.Join(w.Dir, LatestFile)
}

// Write stores the report and returns the timestamped file name.
// latest.json is only replaced after the timestamped copy is on disk.
func (w *Writer) Write(ctx context.Context, r *Report, now time.Time) (string, error) {
	log := logger.FromContext(ctx)

	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return "", err
	}

	js, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encoding report: %w", err)
	}

	name := ReportName(now)
	for i := 1; ; i++ {
		_, err := os.Stat(filepath.Join(w.Dir, name))
		if errors.Is(err, os.ErrNotExist) {
			break
		}
		name = fmt.Sprintf("dns_health_%s_%d.json", now.UTC().Format("20060102_150405"), i)
	}

	if err := replaceFile(filepath.Join(w.Dir, name), js); err != nil {
		return "", fmt.Errorf("writing %s: %w", name, err)
	}
	if err := replaceFile(w.LatestPath(), js); err != nil {
		return name, fmt.Errorf("writing %s: %w", LatestFile, err)
	}
	if err := w.updateManifest(name, now); err != nil {
		return name, fmt.Errorf("writing %s: %w", ManifestFile, err)
	}

	log.InfoContext(ctx, "wrote report", "file", name, "results", len(r.Results))
	return name, nil
}

func (w *Writer) updateManifest(name string, now time.Time) error {
	path := filepath.Join(w.Dir, ManifestFile)

	var m Manifest
	if err := readJSON(path, &m); err != nil && !errors.Is(err, os.ErrNotExist) {
		// unreadable manifest, start over
		m = Manifest{}
	}

	m.Reports = slices.DeleteFunc(m.Reports, func(s string) bool { return s == name })
	m.Reports = append([]string{name}, m.Reports...)
	if w.Keep > 0 && len(m.Reports) > w.Keep {
		m.Reports = m.Reports[:w.Keep]
	}
	m.Latest = name
	m.Updated = now.UTC().Format(time.RFC3339)

	js, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return replaceFile(path, js)
}

// ReadManifest loads the manifest in dir.
func ReadManifest(dir string) (*Manifest, error) {
	var m Manifest
	if err := readJSON(filepath.Join(dir, ManifestFile), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// replaceFile writes b to a temporary file next to path and renames it
// into place.
func replaceFile(path string, b []byte) error {
	tmpPath := path + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	defer func() {
		f.Close()
		if err != nil {
			os.Remove(tmpPath)
		}
	}()

	n, err := f.Write(b)
	if err == nil && n < len(b) {
		err = io.ErrShortWrite
	}
	if err1 := f.Close(); err == nil {
		err = err1
	}
	if err != nil {
		return err
	}

	err = os.Chmod(tmpPath, 0o644)
	if err != nil {
		return err
	}

	err = os.Rename(tmpPath, path)
	return err
}
