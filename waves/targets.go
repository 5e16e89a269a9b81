package waves

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// NormalizeTarget returns the canonical form of a relay fingerprint.
// Fingerprints compare case-insensitively; a leading "$" as used by
// Tor control and torrc syntax is dropped.
func NormalizeTarget(t string) string {
	t = strings.TrimSpace(t)
	t = strings.TrimPrefix(t, "$")
	return strings.ToUpper(t)
}

// ReadTargets reads one fingerprint per line. Blank lines and lines
// starting with '#' are skipped, duplicates are dropped and the first
// occurrence keeps its position.
func ReadTargets(r io.Reader) ([]string, error) {
	seen := map[string]bool{}
	targets := []string{}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if len(line) == 0 || strings.HasPrefix(line, "#") {
			continue
		}
		fp := NormalizeTarget(strings.Fields(line)[0])
		if seen[fp] {
			continue
		}
		seen[fp] = true
		targets = append(targets, fp)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading targets: %w", err)
	}
	return targets, nil
}

// ReadTargetFile is ReadTargets for a file on disk.
func ReadTargetFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadTargets(f)
}

// WriteTargetFile writes the targets one per line, the format the
// prober accepts for its exit file.
func WriteTargetFile(path string, targets []string) error {
	var b strings.Builder
	for _, t := range targets {
		b.WriteString(t)
		b.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
