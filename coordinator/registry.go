package coordinator

import (
	"context"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/procfs"
	"go.ntppool.org/common/logger"

	"github.com/1aeo/exitmap-dns-health-deploy/supervisor"
)

type entry struct {
	inst    *supervisor.Instance
	cleanup func()
}

// Registry tracks the instances of a campaign. Each instance is
// registered with its own cleanup, run at most once.
type Registry struct {
	mu      sync.Mutex
	entries []*entry
	closers []func()
}

func (r *Registry) Add(inst *supervisor.Instance, cleanup func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, &entry{inst: inst, cleanup: cleanup})
}

// OnCleanup registers a function for campaign level resources such as
// the targets directory. They run after the instances, in reverse order.
func (r *Registry) OnCleanup(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closers = append(r.closers, fn)
}

func (r *Registry) Instances() []*supervisor.Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := make([]*supervisor.Instance, 0, len(r.entries))
	for _, e := range r.entries {
		l = append(l, e.inst)
	}
	return l
}

func (r *Registry) Snapshots() []supervisor.Snapshot {
	insts := r.Instances()
	s := make([]supervisor.Snapshot, 0, len(insts))
	for _, inst := range insts {
		s = append(s, inst.Snapshot())
	}
	return s
}

// Cleanup terminates every tracked instance and any untracked direct
// child process, then runs the registered cleanups. It can be called
// any number of times, including concurrently.
func (r *Registry) Cleanup(ctx context.Context, grace time.Duration) {
	log := logger.FromContext(ctx)

	r.mu.Lock()
	entries := r.entries
	closers := r.closers
	r.entries = nil
	r.closers = nil
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Go(func() {
			if err := e.inst.Terminate(grace); err != nil {
				log.WarnContext(ctx, "instance did not terminate", "instance", e.inst.ID, "err", err)
			}
			if e.cleanup != nil {
				e.cleanup()
			}
		})
	}
	wg.Wait()

	killChildren(ctx, grace)

	for _, fn := range slices.Backward(closers) {
		fn()
	}
}

// killChildren terminates processes whose parent is this process. The
// instances' process groups are handled by Terminate; this catches
// helpers that were started outside of them.
func killChildren(ctx context.Context, grace time.Duration) {
	log := logger.FromContext(ctx)

	procs, err := procfs.AllProcs()
	if err != nil {
		log.DebugContext(ctx, "could not list processes", "err", err)
		return
	}

	self := os.Getpid()
	for _, p := range procs {
		st, err := p.Stat()
		if err != nil || st.PPID != self || st.State == "Z" {
			continue
		}
		log.InfoContext(ctx, "terminating untracked child", "pid", p.PID, "comm", st.Comm)
		if err := supervisor.KillProcess(p.PID, grace); err != nil {
			log.WarnContext(ctx, "could not terminate child", "pid", p.PID, "err", err)
		}
	}
}
