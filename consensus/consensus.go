// Package consensus extracts exit relays from a cached Tor network
// status consensus, full or microdescriptor flavoured.
package consensus

import (
	"bufio"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
)

var ErrNoExits = errors.New("no exit relays in consensus")

// Relay is one router status entry.
type Relay struct {
	Nickname    string
	Fingerprint string
	Address     string
	Flags       []string
}

func (r Relay) HasFlag(f string) bool {
	return slices.Contains(r.Flags, f)
}

// Filter selects which exits are returned by Exits.
type Filter struct {
	GoodExits bool // Exit without BadExit
	BadExits  bool // Exit with BadExit
}

var DefaultFilter = Filter{GoodExits: true}

func (f Filter) match(r Relay) bool {
	if !r.HasFlag("Exit") {
		return false
	}
	if r.HasFlag("BadExit") {
		return f.BadExits
	}
	return f.GoodExits
}

// Parse reads router status entries. Only the "r" and "s" lines are
// interpreted; everything else is skipped.
func Parse(rd io.Reader) ([]Relay, error) {
	var (
		relays []Relay
		cur    *Relay
	)

	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "r "):
			f := strings.Fields(line)
			if len(f) < 3 {
				return nil, fmt.Errorf("malformed router line %q", line)
			}
			fp, err := decodeIdentity(f[2])
			if err != nil {
				return nil, fmt.Errorf("router %s: %w", f[1], err)
			}
			relays = append(relays, Relay{Nickname: f[1], Fingerprint: fp})
			cur = &relays[len(relays)-1]
			// microdesc consensus omits the descriptor digest
			if len(f) >= 8 {
				cur.Address = f[len(f)-3]
			}

		case strings.HasPrefix(line, "s ") || line == "s":
			if cur != nil {
				cur.Flags = strings.Fields(line)[1:]
			}

		case strings.HasPrefix(line, "directory-footer"):
			cur = nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return relays, nil
}

// Exits returns the sorted fingerprints of the relays matching f.
func Exits(relays []Relay, f Filter) []string {
	fps := []string{}
	for _, r := range relays {
		if f.match(r) {
			fps = append(fps, r.Fingerprint)
		}
	}
	slices.Sort(fps)
	return slices.Compact(fps)
}

// ExitsFromFile parses the consensus at path and returns its exits.
func ExitsFromFile(path string, f Filter) ([]string, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	relays, err := Parse(fh)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	fps := Exits(relays, f)
	if len(fps) == 0 {
		return nil, ErrNoExits
	}
	return fps, nil
}

func decodeIdentity(s string) (string, error) {
	b, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return "", fmt.Errorf("identity %q: %w", s, err)
	}
	if len(b) != 20 {
		return "", fmt.Errorf("identity %q: %d bytes", s, len(b))
	}
	return strings.ToUpper(hex.EncodeToString(b)), nil
}
