package progress

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLog = `Jan 17 15:49:26.000 [notice] Bootstrapped 5% (conn): Connecting to a relay
Jan 17 15:49:27.000 [notice] Bootstrapped 45% (requesting_descriptors): Asking for relay descriptors
Jan 17 15:49:31.000 [notice] Bootstrapped 100% (done): Done
2026-01-17 15:50:01 modules.dnshealth [INFO] AAAA (correct) 142ms
2026-01-17 15:50:02 modules.dnshealth [INFO] BBBB [timeout]
2026-01-17 15:50:03 modules.dnshealth [INFO] CCCC [FAILED] wrong_ip
2026-01-17 15:50:04 eventhandler [INFO] Probed 3 out of 1000 exit relays, so we are 0.30% done.
`

func TestUpdateWholeLog(t *testing.T) {
	s := Update(Summary{}, []byte(sampleLog))

	assert.True(t, s.Bootstrapped)
	assert.False(t, s.BootstrapFailed)
	assert.Equal(t, 100, s.BootstrapPercent)
	assert.Equal(t, 3, s.Probed)
	assert.Equal(t, 1000, s.Total)
	assert.InDelta(t, 0.30, s.Percent, 0.001)
	assert.Equal(t, 1, s.OK)
	assert.Equal(t, 1, s.Timeout)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 3, s.Results())
	assert.Equal(t, 7, s.Lines)
	assert.Empty(t, s.Partial)
}

func TestUpdateChunked(t *testing.T) {
	whole := Update(Summary{}, []byte(sampleLog))

	for _, size := range []int{1, 3, 7, 64, 1000} {
		s := Summary{}
		for i := 0; i < len(sampleLog); i += size {
			end := min(i+size, len(sampleLog))
			s = Update(s, []byte(sampleLog[i:end]))
		}
		assert.Equal(t, whole, s, "chunk size %d", size)
	}
}

func TestUpdatePartialLineNotCounted(t *testing.T) {
	s := Update(Summary{}, []byte("Bootstrapped 10"))
	assert.Equal(t, 0, s.BootstrapPercent)
	assert.Equal(t, "Bootstrapped 10", s.Partial)

	s = Update(s, []byte("0% (done): Done\n"))
	assert.True(t, s.Bootstrapped)
	assert.Equal(t, 100, s.BootstrapPercent)
	assert.Empty(t, s.Partial)
}

func TestUpdateIsPure(t *testing.T) {
	prior := Summary{Partial: "Probed 5 out of 10 exit"}
	tail := []byte(" relays, so we are 50.00% done.\n")

	a := Update(prior, tail)
	b := Update(prior, tail)
	assert.Equal(t, a, b)
	assert.Equal(t, "Probed 5 out of 10 exit", prior.Partial)
	assert.Equal(t, 5, a.Probed)
}

func TestBootstrapFailure(t *testing.T) {
	tests := []string{
		"[err] Failed to bootstrap Tor: timeout",
		"Bootstrap failed after 3 attempts",
		"stem: Tor process terminated with exit status 1",
		"Couldn't launch Tor: permission denied",
	}
	for _, line := range tests {
		t.Run(line, func(t *testing.T) {
			s := Update(Summary{}, []byte(line+"\n"))
			assert.True(t, s.BootstrapFailed)
			assert.False(t, s.Bootstrapped)
		})
	}
}

func TestProbedMonotonic(t *testing.T) {
	s := Update(Summary{}, []byte("Probed 50 out of 100 exit relays, so we are 50.00% done.\n"))
	s = Update(s, []byte("Probed 40 out of 100 exit relays, so we are 40.00% done.\n"))
	assert.Equal(t, 50, s.Probed)
	assert.InDelta(t, 50.0, s.Percent, 0.001)
}

func TestPartialBounded(t *testing.T) {
	s := Update(Summary{}, []byte(strings.Repeat("x", maxPartial*2)))
	require.Len(t, s.Partial, maxPartial)
}

func TestCompletion(t *testing.T) {
	s := Summary{Probed: 50, Total: 200}
	assert.InDelta(t, 25.0, s.Completion(0), 0.001)
	assert.InDelta(t, 50.0, s.Completion(100), 0.001)
	assert.InDelta(t, 100.0, s.Completion(10), 0.001)
	assert.Zero(t, Summary{}.Completion(0))
}
