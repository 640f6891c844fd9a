package taskmodel

// State is one label of the task lifecycle state machine (spec.md §4.9).
type State string

const (
	Created         State = "CREATED"
	LauncherQueued  State = "LAUNCHER_QUEUED"
	AwaitingParents State = "AWAITING_PARENTS"
	Ready           State = "READY"

	StagedIn      State = "STAGED_IN"
	Preprocessed  State = "PREPROCESSED"

	Running  State = "RUNNING"
	RunDone  State = "RUN_DONE"

	Postprocessed State = "POSTPROCESSED"
	JobFinished   State = "JOB_FINISHED"

	RunTimeout   State = "RUN_TIMEOUT"
	RunError     State = "RUN_ERROR"
	RestartReady State = "RESTART_READY"

	Failed       State = "FAILED"
	UserKilled   State = "USER_KILLED"
	ParentKilled State = "PARENT_KILLED"
)

// States enumerates every valid label, in the order the original Balsam
// model declares them.
var States = []State{
	Created, LauncherQueued, AwaitingParents, Ready,
	StagedIn, Preprocessed,
	Running, RunDone,
	Postprocessed, JobFinished,
	RunTimeout, RunError, RestartReady,
	Failed, UserKilled, ParentKilled,
}

// ActiveStates, ProcessableStates, RunnableStates and EndStates are the four
// pairwise-disjoint groupings required by invariant 3 (spec.md §3).
var ActiveStates = []State{Running}

var ProcessableStates = []State{
	Created, LauncherQueued, AwaitingParents, Ready,
	StagedIn, RunDone, Postprocessed, RunTimeout, RunError,
}

var RunnableStates = []State{Preprocessed, RestartReady}

var EndStates = []State{JobFinished, Failed, UserKilled, ParentKilled}

// AlmostRunnableStates are states whose tasks are about to become
// runnable but aren't yet; used by Runner Group admission throttling
// (spec.md §4.1, §4.5) to detect "nothing is about to become runnable
// soon" as distinct from tasks that already are runnable. Preprocessed
// is deliberately excluded: it is itself a RunnableStates member, so
// including it here would make this check almost always false whenever
// runnable_jobs is non-empty via Preprocessed tasks.
var AlmostRunnableStates = []State{StagedIn}

// WaitingStates are states whose tasks are evaluated against their parents
// every Main Loop tick (spec.md §4.5 step 2).
var WaitingStates = []State{Created, LauncherQueued, AwaitingParents, Ready}

func IsValid(s State) bool {
	for _, v := range States {
		if v == s {
			return true
		}
	}
	return false
}

func contains(group []State, s State) bool {
	for _, v := range group {
		if v == s {
			return true
		}
	}
	return false
}

func IsActive(s State) bool      { return contains(ActiveStates, s) }
func IsProcessable(s State) bool { return contains(ProcessableStates, s) }
func IsRunnable(s State) bool    { return contains(RunnableStates, s) }
func IsEnd(s State) bool         { return contains(EndStates, s) }

// IsRunTerminal reports the four states a Runner must leave a task in once
// its subprocess has exited (spec.md §4.4, invariant 2 of §8).
func IsRunTerminal(s State) bool {
	return s == RunDone || s == RunError || s == RunTimeout || s == UserKilled
}
