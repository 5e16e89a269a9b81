// Package testutil provides fake prober executables and fixtures for
// supervisor and coordinator tests.
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/prometheus/procfs"
	"go.ntppool.org/common/logger"
)

// FakeProber describes the behavior of a generated prober script.
type FakeProber struct {
	// FailBootstraps makes the first N invocations print a bootstrap
	// failure marker and exit.
	FailBootstraps int
	// NeverBootstrap makes the script sleep without output.
	NeverBootstrap bool
	// Status is written for every target, "success" by default.
	Status string
	// InstanceStatus overrides Status for work dirs whose name starts
	// with the key, e.g. "cv2".
	InstanceStatus map[string]string
	// FailTargets get status "timeout" regardless of Status.
	FailTargets []string
	// MaxResults stops writing after this many results (0 = all).
	MaxResults int
	// HangAfter makes the script sleep after writing its results
	// instead of exiting, for stall detection.
	HangAfter bool
	// Consensus is written to the Tor dir as cached-microdesc-consensus.
	Consensus string
	// ChildPIDFile makes every invocation start a background sleep and
	// append its pid to this file, a descendant the supervisor has to
	// take down with the process group.
	ChildPIDFile string
}

// WriteFakeProber writes an executable shell script into dir and
// returns its path. It accepts the prober flags the supervisor passes.
func WriteFakeProber(t *testing.T, dir string, fp FakeProber) string {
	t.Helper()

	status := fp.Status
	if len(status) == 0 {
		status = "success"
	}

	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	b.WriteString(`tordir=""; out=""; exitfile=""
while [ $# -gt 0 ]; do
  case "$1" in
    --tor-dir) tordir="$2"; shift 2;;
    --analysis-dir) out="$2"; shift 2;;
    --exit-file) exitfile="$2"; shift 2;;
    *) shift;;
  esac
done
`)
	counter := filepath.Join(dir, "bootstrap-count")
	fmt.Fprintf(&b, "n=$(cat %q 2>/dev/null || echo 0); n=$((n+1)); echo $n > %q\n", counter, counter)
	fmt.Fprintf(&b, "if [ $n -le %d ]; then echo 'Bootstrapped 10%% (conn)'; echo '[err] Failed to bootstrap'; exit 1; fi\n", fp.FailBootstraps)

	if len(fp.ChildPIDFile) > 0 {
		fmt.Fprintf(&b, "sleep 600 &\necho $! >> %q\n", fp.ChildPIDFile)
	}

	if fp.NeverBootstrap {
		b.WriteString("echo 'Bootstrapped 5% (conn)'\nexec sleep 600\n")
	}

	if len(fp.Consensus) > 0 {
		consensus := strings.TrimSuffix(fp.Consensus, "\n") + "\n"
		fmt.Fprintf(&b, "cat > \"$tordir/cached-microdesc-consensus\" <<'CONSENSUS'\n%sCONSENSUS\n", consensus)
	}

	b.WriteString("echo 'Bootstrapped 100% (done): Done'\n")

	fmt.Fprintf(&b, "status=%q\n", status)
	if len(fp.InstanceStatus) > 0 {
		b.WriteString("case \"$(basename \"$(pwd)\")\" in\n")
		for prefix, st := range fp.InstanceStatus {
			fmt.Fprintf(&b, "  %s*) status=%q;;\n", prefix, st)
		}
		b.WriteString("esac\n")
	}

	b.WriteString("if [ -z \"$exitfile\" ]; then exitfile=\"$tordir/all-exits\"; fi\n")
	b.WriteString("[ -f \"$exitfile\" ] || : > \"$exitfile\"\n")
	b.WriteString("i=0; total=$(grep -c . \"$exitfile\"); total=${total:-0}\n")
	b.WriteString("while read -r fp; do\n  [ -z \"$fp\" ] && continue\n")
	if fp.MaxResults > 0 {
		fmt.Fprintf(&b, "  [ $i -ge %d ] && break\n", fp.MaxResults)
	}
	b.WriteString("  st=$status\n")
	if len(fp.FailTargets) > 0 {
		fmt.Fprintf(&b, "  case \"$fp\" in %s) st=timeout;; esac\n", strings.Join(fp.FailTargets, "|"))
	}
	b.WriteString(`  i=$((i+1))
  printf '{"exit_fingerprint":"%s","exit_nickname":"relay%d","status":"%s","timing":{"total_ms":%d},"timestamp":1768665600,"attempt":1}\n' "$fp" "$i" "$st" "$((100+i))" > "$out/dnshealth_$fp.json"
  if [ "$st" = "success" ]; then echo "$fp (correct)"; else echo "$fp [timeout]"; fi
  echo "Probed $i out of $total exit relays, so we are $((i*100/ (total>0?total:1))).00% done."
done < "$exitfile"
`)

	if fp.HangAfter {
		b.WriteString("exec sleep 600\n")
	}
	b.WriteString("exit 0\n")

	path := filepath.Join(dir, "fake-prober.sh")
	if err := os.WriteFile(path, []byte(b.String()), 0o755); err != nil {
		t.Fatalf("writing fake prober: %v", err)
	}
	return path
}

// WriteResult writes one result record in the prober's file layout.
func WriteResult(t *testing.T, dir, fingerprint, status string, totalMs int) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	js := fmt.Sprintf(`{"exit_fingerprint":%q,"status":%q,"timing":{"total_ms":%d},"timestamp":1768665600}`,
		fingerprint, status, totalMs)
	if status != "success" {
		js = fmt.Sprintf(`{"exit_fingerprint":%q,"status":%q,"error":%q,"timestamp":1768665600}`,
			fingerprint, status, status+" in test")
	}
	path := filepath.Join(dir, "dnshealth_"+fingerprint+".json")
	if err := os.WriteFile(path, []byte(js), 0o600); err != nil {
		t.Fatal(err)
	}
}

// ReadPIDs returns the pids recorded in a ChildPIDFile.
func ReadPIDs(t *testing.T, path string) []int {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading pids: %v", err)
	}
	var pids []int
	for _, f := range strings.Fields(string(b)) {
		pid, err := strconv.Atoi(f)
		if err != nil {
			t.Fatalf("pid %q: %v", f, err)
		}
		pids = append(pids, pid)
	}
	return pids
}

// ProcessGone reports if pid no longer runs. A zombie waiting to be
// reaped counts as gone.
func ProcessGone(pid int) bool {
	p, err := procfs.NewProc(pid)
	if err != nil {
		return true
	}
	st, err := p.Stat()
	if err != nil {
		return true
	}
	return st.State == "Z" || st.State == "X"
}

// Fingerprint returns a deterministic 40 character fingerprint.
func Fingerprint(i int) string {
	return fmt.Sprintf("%040X", i)
}

// NewTestLogger returns a debug level logger writing to stdout.
func NewTestLogger(t *testing.T) *slog.Logger {
	t.Helper()
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	return slog.New(handler)
}

// Context returns a context carrying a test logger, canceled when the
// test ends.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return logger.NewContext(ctx, NewTestLogger(t))
}
