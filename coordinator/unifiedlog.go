package coordinator

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"github.com/1aeo/exitmap-dns-health-deploy/supervisor"
)

// mergeLogs appends the instance logs to the campaign log, each line
// prefixed with the instance id.
func mergeLogs(path string, wave int, insts []*supervisor.Instance) error {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(out)

	fmt.Fprintf(w, "=== wave %d finished %s\n", wave, time.Now().UTC().Format(time.RFC3339))
	for _, inst := range insts {
		if err := appendLog(w, inst); err != nil {
			fmt.Fprintf(w, "[%s] log unavailable: %s\n", inst.ID, err)
		}
	}

	err = w.Flush()
	if err1 := out.Close(); err == nil {
		err = err1
	}
	return err
}

func appendLog(w *bufio.Writer, inst *supervisor.Instance) error {
	f, err := os.Open(inst.LogPath())
	if err != nil {
		return err
	}
	defer f.Close()

	snap := inst.Snapshot()
	fmt.Fprintf(w, "[%s] state=%s attempts=%d results=%d\n", inst.ID, snap.State, snap.Attempts, snap.Results)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fmt.Fprintf(w, "[%s] %s\n", inst.ID, scanner.Bytes())
	}
	return scanner.Err()
}
