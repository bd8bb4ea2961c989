package upgrade

// State describes how far the repository lifecycle of a run has progressed.
// It is threaded through the lifecycle transitions and read by the cleanup
// handler to decide which artifacts have to be torn down.
type State int

const (
	StateNoFork State = iota
	StateForked
	StateCloned
	StateBranchReady
	StateCommitsPushed
	// StatePublished is the terminal success state, the fork stays alive
	// so reviewers can inspect the working branch.
	StatePublished
	// StateCleaned is the terminal state after teardown.
	StateCleaned
)

func (s State) String() string {
	switch s {
	case StateNoFork:
		return "no_fork"
	case StateForked:
		return "forked"
	case StateCloned:
		return "cloned"
	case StateBranchReady:
		return "branch_ready"
	case StateCommitsPushed:
		return "commits_pushed"
	case StatePublished:
		return "published"
	case StateCleaned:
		return "cleaned"
	default:
		return "undefined"
	}
}
