package waves

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Stats is one line of the wave statistics side channel.
type Stats struct {
	Wave        int     `json:"wave"`
	Relays      int     `json:"relays"`
	DurationSec float64 `json:"duration_sec"`
	Retries     int     `json:"retries"`
	BatchSize   int     `json:"batch_size"`
}

// Summary is the wave section embedded in the report metadata.
type Summary struct {
	Enabled          bool    `json:"enabled"`
	BatchSize        int     `json:"batch_size"`
	TotalWaves       int     `json:"total_waves"`
	TotalRelays      int     `json:"total_relays"`
	TotalRetries     int     `json:"total_retries"`
	MaxRetriesConfig int     `json:"max_retries_config"`
	Completed        []Stats `json:"completed"`
}

// AppendStats adds one JSON line to the stats file at path, creating
// it if needed.
func AppendStats(path string, s Stats) error {
	js, err := json.Marshal(s)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	_, err = f.Write(append(js, '\n'))
	if err1 := f.Close(); err == nil {
		err = err1
	}
	return err
}

// ReadStats loads the stats file. A missing file is not an error and
// returns no stats. Malformed lines are reported with their line number.
func ReadStats(path string) ([]Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var stats []Stats
	scanner := bufio.NewScanner(f)
	n := 0
	for scanner.Scan() {
		n++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var s Stats
		if err := json.Unmarshal(line, &s); err != nil {
			return stats, fmt.Errorf("%s:%d: %w", path, n, err)
		}
		stats = append(stats, s)
	}
	return stats, scanner.Err()
}

// Summarize folds the per-wave stats into the report summary. It
// returns nil when no wave was recorded.
func Summarize(stats []Stats, batchSize, maxRetries int) *Summary {
	if len(stats) == 0 {
		return nil
	}
	s := &Summary{
		Enabled:          batchSize > 0,
		BatchSize:        batchSize,
		MaxRetriesConfig: maxRetries,
		Completed:        make([]Stats, 0, len(stats)),
	}
	for _, w := range stats {
		s.TotalWaves = max(s.TotalWaves, w.Wave)
		s.TotalRelays += w.Relays
		s.TotalRetries += w.Retries
		s.Completed = append(s.Completed, w)
	}
	return s
}
