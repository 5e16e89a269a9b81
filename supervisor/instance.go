package supervisor

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/1aeo/exitmap-dns-health-deploy/progress"
)

// Instance is one prober process slot. The exported fields are set by
// the coordinator before Run; the rest is owned by the supervisor.
type Instance struct {
	ID      string // e.g. "cv2_w1" or "split3"
	Ordinal int    // 1-based, lower wins failure tie-breaks

	// TargetFile lists the targets for this instance, one per line.
	// Empty means the prober probes every exit it knows.
	TargetFile      string
	ExpectedTargets int

	WorkDir string

	// StopAfterBootstrap completes the instance as soon as the prober
	// has bootstrapped. Used to obtain a consensus for enumeration.
	StopAfterBootstrap bool

	mu         sync.Mutex
	state      State
	attempts   int
	pgid       int
	summary    progress.Summary
	results    int
	stalled    bool
	history    []Transition
	startedAt  time.Time
	finishedAt time.Time
}

// Transition is one recorded state change.
type Transition struct {
	From    State     `json:"from"`
	To      State     `json:"to"`
	At      time.Time `json:"at"`
	Attempt int       `json:"attempt"`
	Reason  string    `json:"reason,omitempty"`
}

// Snapshot is a point-in-time copy of an Instance for reporting.
type Snapshot struct {
	ID         string    `json:"id"`
	State      State     `json:"state"`
	Attempts   int       `json:"attempts"`
	Expected   int       `json:"expected_targets"`
	Results    int       `json:"results"`
	Probed     int       `json:"probed"`
	Completion float64   `json:"completion_pct"`
	Bootstrap  int       `json:"bootstrap_pct"`
	Stalled    bool      `json:"stalled,omitempty"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

func NewInstance(id string, ordinal int, workDir string) *Instance {
	return &Instance{
		ID:      id,
		Ordinal: ordinal,
		WorkDir: workDir,
	}
}

// TorDir is the prober's private Tor data directory.
func (i *Instance) TorDir() string {
	return filepath.Join(i.WorkDir, "tor")
}

// ResultsDir holds the result files the prober produces.
func (i *Instance) ResultsDir() string {
	return filepath.Join(i.WorkDir, "results")
}

// LogPath is the combined stdout and stderr of every attempt.
func (i *Instance) LogPath() string {
	return filepath.Join(i.WorkDir, "instance.log")
}

func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *Instance) Attempts() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.attempts
}

// Results is the number of result files produced so far.
func (i *Instance) Results() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.results
}

// Stalled is true if the last attempt was ended by stall detection.
func (i *Instance) Stalled() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stalled
}

func (i *Instance) History() []Transition {
	i.mu.Lock()
	defer i.mu.Unlock()
	h := make([]Transition, len(i.history))
	copy(h, i.history)
	return h
}

func (i *Instance) Snapshot() Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	return Snapshot{
		ID:         i.ID,
		State:      i.state,
		Attempts:   i.attempts,
		Expected:   i.ExpectedTargets,
		Results:    i.results,
		Probed:     i.summary.Probed,
		Completion: i.summary.Completion(i.ExpectedTargets),
		Bootstrap:  i.summary.BootstrapPercent,
		Stalled:    i.stalled,
		StartedAt:  i.startedAt,
		FinishedAt: i.finishedAt,
	}
}

// Terminate signals the instance's process group if one is running.
// It is safe to call at any time and more than once.
func (i *Instance) Terminate(grace time.Duration) error {
	i.mu.Lock()
	pgid := i.pgid
	i.mu.Unlock()
	return terminateGroup(pgid, grace)
}

func (i *Instance) setState(to State, reason string) Transition {
	i.mu.Lock()
	defer i.mu.Unlock()
	t := Transition{
		From:    i.state,
		To:      to,
		At:      time.Now(),
		Attempt: i.attempts,
		Reason:  reason,
	}
	i.state = to
	i.history = append(i.history, t)
	if to.Terminal() {
		i.finishedAt = t.At
	}
	return t
}

func (i *Instance) setProgress(s progress.Summary, results int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.summary = s
	i.results = results
}

func (i *Instance) setPgid(pgid int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.pgid = pgid
}
