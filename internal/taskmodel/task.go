package taskmodel

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const timeFmt = "01-02-2006 15:04:05.000000"

// HistoryLine renders one append-only state_history entry, matching the
// `[timestamp STATE] message` layout of original_source's history_line so a
// diff against the reference tool's log reads identically.
func HistoryLine(s State, message string) string {
	return fmt.Sprintf("\n[%s %s] %s", time.Now().Format(timeFmt), s, message)
}

// Task is the durable workflow entity (spec.md §3).
type Task struct {
	ID      uuid.UUID
	Name    string
	Workflow string
	Description string

	AllowedWorkSites string
	WorkSite         string

	Parents        []uuid.UUID
	WaitForParents bool

	NumNodes                int
	RanksPerNode             int
	ThreadsPerRank           int
	ThreadsPerCore           int
	SerialNodePackingCount   int
	WallTimeMinutes          float64

	Application       string
	ApplicationArgs   string
	DirectCommand     string

	StageInURL       string
	InputFiles       string
	StageOutURL      string
	StageOutFiles    string

	EnvironVars        string
	Preprocess         string
	Postprocess        string
	PostErrorHandler   bool
	PostTimeoutHandler bool
	AutoTimeoutRetry   bool

	SchedulerID string

	State        State
	StateHistory string

	RuntimeSeconds *float64

	// Version is the optimistic-lock counter (spec.md §3 invariant 5).
	Version int64

	// workRoot is the configured work-directory root; not persisted, set by
	// the Storage layer on load so WorkingDirectory is a pure function of
	// (work root, workflow, name, id) per invariant 6.
	workRoot string
}

// SetWorkRoot is called by the Storage layer after loading a Task so
// WorkingDirectory can be computed without threading the root everywhere.
func (t *Task) SetWorkRoot(root string) { t.workRoot = root }

// NumRanks is num_nodes * ranks_per_node (spec.md §4.4 admission policy).
func (t *Task) NumRanks() int { return t.NumNodes * t.RanksPerNode }

// CuteID is the short human-readable identifier used throughout logs:
// "[name | uuid8]" or "[uuid8]" if unnamed (spec.md glossary "Cute ID").
func (t *Task) CuteID() string {
	short := t.ID.String()
	if len(short) > 8 {
		short = short[:8]
	}
	if t.Name != "" {
		return fmt.Sprintf("[%s | %s]", t.Name, short)
	}
	return fmt.Sprintf("[%s]", short)
}

// WorkingDirectory is a pure function of (work root, workflow, name, id)
// per invariant 6: never aliased across tasks.
func (t *Task) WorkingDirectory() string {
	top := t.workRoot
	if t.Workflow != "" {
		top = filepath.Join(top, t.Workflow)
	}
	name := strings.ReplaceAll(strings.TrimSpace(t.Name), " ", "_")
	dirName := fmt.Sprintf("%s_%s", name, t.ID)
	return filepath.Join(top, dirName)
}

// AppCmd renders the command line to execute: either the named application's
// executable plus args, or the direct command string (spec.md §3).
func (t *Task) AppCmd(lookupApp func(name string) (*ApplicationDefinition, error)) (string, error) {
	var line string
	if t.Application != "" {
		app, err := lookupApp(t.Application)
		if err != nil {
			return "", fmt.Errorf("taskmodel: resolve application %q: %w", t.Application, err)
		}
		line = app.Executable + " " + t.ApplicationArgs
	} else {
		line = t.DirectCommand + " " + t.ApplicationArgs
	}
	words := strings.Fields(line)
	for i, w := range words {
		words[i] = expandHome(w)
	}
	return strings.Join(words, " "), nil
}

func expandHome(w string) string {
	if strings.HasPrefix(w, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return home + w[1:]
		}
	}
	return w
}

// ParseEnvString parses the colon-separated "K=V:K2=V2" format used by
// Task.EnvironVars (spec.md §3, §4.8).
func ParseEnvString(s string) (map[string]string, error) {
	result := map[string]string{}
	if s == "" {
		return result, nil
	}
	for _, entry := range strings.Split(s, ":") {
		kv := strings.SplitN(entry, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("taskmodel: malformed env entry %q", entry)
		}
		result[kv[0]] = kv[1]
	}
	return result, nil
}

// Env constructs the environment presented to a spawned subprocess
// (spec.md §4.8, §6). It starts from the host process environment filtered
// to BALSAM/DJANGO/PYTHON-named variables, overlays EnvironVars, injects
// BALSAM_JOB_ID/BALSAM_PARENT_IDS (and OMP_NUM_THREADS when applicable), and
// sets the timeout/error flags when invoked from those handlers.
func (t *Task) Env(timeout, errored bool) (map[string]string, error) {
	keywords := []string{"BALSAM", "DJANGO", "PYTHON"}
	envs := map[string]string{}
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		for _, kw := range keywords {
			if strings.Contains(parts[0], kw) {
				envs[parts[0]] = parts[1]
				break
			}
		}
	}

	if t.EnvironVars != "" {
		jobVars, err := ParseEnvString(t.EnvironVars)
		if err != nil {
			return nil, err
		}
		for k, v := range jobVars {
			envs[k] = v
		}
	}

	envs["BALSAM_JOB_ID"] = t.ID.String()
	envs["BALSAM_PARENT_IDS"] = parentIDsString(t.Parents)

	if t.ThreadsPerRank > 1 {
		envs["OMP_NUM_THREADS"] = fmt.Sprintf("%d", t.ThreadsPerRank)
	}
	if timeout {
		envs["BALSAM_JOB_TIMEOUT"] = "TRUE"
	}
	if errored {
		envs["BALSAM_JOB_ERROR"] = "TRUE"
	}
	return envs, nil
}

func parentIDsString(parents []uuid.UUID) string {
	ids := make([]string, len(parents))
	for i, p := range parents {
		ids[i] = p.String()
	}
	return "[" + strings.Join(ids, ", ") + "]"
}

// RecentStateLine returns the last line appended to StateHistory.
func (t *Task) RecentStateLine() string {
	lines := strings.Split(strings.TrimSpace(t.StateHistory), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}

// AppendHistory appends one state_history line. Invariant 2 (spec.md §3):
// called exactly once per successful state mutation.
func (t *Task) AppendHistory(s State, message string) {
	t.StateHistory += HistoryLine(s, message)
}
