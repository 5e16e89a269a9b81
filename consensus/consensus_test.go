package consensus

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const microdescConsensus = `network-status-version 3 microdesc
vote-status consensus
r exitA qqqqqqqqqqqqqqqqqqqqqqqqqqo 2026-01-17 12:00:00 192.0.2.10 9001 0
m abc
s Exit Fast Running Stable Valid
r guardB sbGxsbGxsbGxsbGxsbGxsbGxsbE 2026-01-17 12:00:00 192.0.2.11 443 0
s Fast Guard Running Stable Valid
r badExitC ASNFZ4mrze8BI0VniavN7wEjRWc 2026-01-17 12:00:00 192.0.2.12 9001 0
s BadExit Exit Running Valid
directory-footer
bandwidth-weights Wbd=0
`

func TestParse(t *testing.T) {
	relays, err := Parse(strings.NewReader(microdescConsensus))
	require.NoError(t, err)
	require.Len(t, relays, 3)

	assert.Equal(t, "exitA", relays[0].Nickname)
	assert.Equal(t, strings.Repeat("A", 40), relays[0].Fingerprint)
	assert.Equal(t, "192.0.2.10", relays[0].Address)
	assert.True(t, relays[0].HasFlag("Exit"))
	assert.False(t, relays[1].HasFlag("Exit"))
	assert.Equal(t, "0123456789ABCDEF0123456789ABCDEF01234567", relays[2].Fingerprint)
}

func TestExits(t *testing.T) {
	relays, err := Parse(strings.NewReader(microdescConsensus))
	require.NoError(t, err)

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"good exits", DefaultFilter, []string{strings.Repeat("A", 40)}},
		{"bad exits", Filter{BadExits: true}, []string{"0123456789ABCDEF0123456789ABCDEF01234567"}},
		{"all exits", Filter{GoodExits: true, BadExits: true}, []string{
			"0123456789ABCDEF0123456789ABCDEF01234567",
			strings.Repeat("A", 40),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Exits(relays, tt.filter))
		})
	}
}

func TestParseMalformed(t *testing.T) {
	_, err := Parse(strings.NewReader("r nick not-base64!\n"))
	assert.Error(t, err)
}

func TestExitsFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cached-microdesc-consensus")
	require.NoError(t, os.WriteFile(path, []byte(microdescConsensus), 0o600))

	fps, err := ExitsFromFile(path, DefaultFilter)
	require.NoError(t, err)
	assert.Len(t, fps, 1)

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, []byte("network-status-version 3\n"), 0o600))
	_, err = ExitsFromFile(empty, DefaultFilter)
	assert.ErrorIs(t, err, ErrNoExits)
}
