package supervisor

//go:generate go tool github.com/dmarkham/enumer -type=State -trimprefix=State -transform=snake -json

// State is the lifecycle position of an Instance. Transitions are
// monotonic within one attempt; StateBootstrapFailed loops back to
// StatePending for the next attempt.
type State uint8

const (
	StatePending State = iota
	StateBootstrapping
	StateProbing
	StateBootstrapFailed
	StateCompleted
	StateFailed
)

// Terminal is true for the states Run returns.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}
