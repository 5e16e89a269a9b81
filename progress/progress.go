// Package progress folds prober log output into a running summary.
//
// Update is pure: the caller feeds it whatever bytes were appended to
// the log since the last call, including lines cut in the middle, and
// keeps the returned Summary for the next call.
package progress

import (
	"bytes"
	"regexp"
	"strconv"
)

// maxPartial bounds the carried-over unterminated line.
const maxPartial = 64 * 1024

var (
	bootstrapRE = regexp.MustCompile(`Bootstrapped\s+(\d+)%`)
	probedRE    = regexp.MustCompile(`Probed\s+(\d+)\s+out\s+of\s+(\d+)\s+exit\s+relays.*?(\d+\.\d+)%\s+done`)

	bootstrapFailureMarkers = [][]byte{
		[]byte("Failed to bootstrap"),
		[]byte("Bootstrap failed"),
		[]byte("Tor process terminated"),
		[]byte("Couldn't launch Tor"),
	}

	markerOK      = []byte("(correct)")
	markerTimeout = []byte("[timeout]")
	markerFailed  = []byte("[FAILED]")
)

// Summary is the state accumulated from a prober log.
type Summary struct {
	// Partial holds the trailing bytes of the last tail that did not
	// end in a newline.
	Partial string `json:"-"`

	Lines int `json:"lines"`

	BootstrapPercent int  `json:"bootstrap_pct"`
	Bootstrapped     bool `json:"bootstrapped"`
	BootstrapFailed  bool `json:"bootstrap_failed"`

	Probed  int     `json:"probed"`
	Total   int     `json:"total"`
	Percent float64 `json:"pct"`

	OK      int `json:"ok"`
	Timeout int `json:"timeout"`
	Failed  int `json:"failed"`
}

// Update returns prior advanced by the newly appended log bytes.
func Update(prior Summary, tail []byte) Summary {
	s := prior
	s.Partial = ""

	data := tail
	if len(prior.Partial) > 0 {
		data = append([]byte(prior.Partial), tail...)
	}

	for {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		s.line(bytes.TrimRight(data[:idx], "\r"))
		data = data[idx+1:]
	}

	if len(data) > maxPartial {
		data = data[len(data)-maxPartial:]
	}
	s.Partial = string(data)

	return s
}

// Completion is the progress in percent relative to expected targets.
// The prober's own total is used when expected is zero.
func (s Summary) Completion(expected int) float64 {
	total := expected
	if total <= 0 {
		total = s.Total
	}
	if total <= 0 {
		return 0
	}
	pct := float64(s.Probed) / float64(total) * 100
	return min(pct, 100)
}

// Results is the number of probe outcomes seen so far.
func (s Summary) Results() int {
	return s.OK + s.Timeout + s.Failed
}

func (s *Summary) line(l []byte) {
	s.Lines++

	if m := bootstrapRE.FindSubmatch(l); m != nil {
		if pct, err := strconv.Atoi(string(m[1])); err == nil {
			s.BootstrapPercent = max(s.BootstrapPercent, pct)
			if pct >= 100 {
				s.Bootstrapped = true
			}
		}
	}

	for _, marker := range bootstrapFailureMarkers {
		if bytes.Contains(l, marker) {
			s.BootstrapFailed = true
			break
		}
	}

	if m := probedRE.FindSubmatch(l); m != nil {
		probed, _ := strconv.Atoi(string(m[1]))
		total, _ := strconv.Atoi(string(m[2]))
		pct, _ := strconv.ParseFloat(string(m[3]), 64)
		if probed >= s.Probed {
			s.Probed = probed
			s.Percent = pct
		}
		s.Total = total
	}

	switch {
	case bytes.Contains(l, markerOK):
		s.OK++
	case bytes.Contains(l, markerTimeout):
		s.Timeout++
	case bytes.Contains(l, markerFailed):
		s.Failed++
	}
}
