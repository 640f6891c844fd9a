package transition

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Larofeticus/balsam/internal/taskmodel"
	"golang.org/x/crypto/blake2b"
)

// DefaultTable builds the transition table of spec.md §4.2, wiring each
// source state to its step and the resolveApp callback used by
// Task.AppCmd for preprocess/postprocess script resolution.
func DefaultTable(resolveApp func(name string) (*taskmodel.ApplicationDefinition, error)) Table {
	return Table{
		taskmodel.Created:        stageIn,
		taskmodel.LauncherQueued: stageIn,
		taskmodel.StagedIn:       preprocess(resolveApp),
		taskmodel.RunDone:        postprocess(resolveApp),
		taskmodel.Postprocessed:  stageOut,
		taskmodel.RunTimeout:     handleTimeout(resolveApp),
		taskmodel.RunError:       handleError(resolveApp),
	}
}

// stageIn fetches StageInURL (local or remote, SPEC_FULL.md §4.2) into
// the task's working directory and records a blake2b-256 digest of each
// staged file, folded into the resulting state_history entry so a later
// integrity check can detect truncated transfers.
func stageIn(ctx context.Context, t *taskmodel.Task) (taskmodel.State, string, error) {
	workdir := t.WorkingDirectory()
	if err := os.MkdirAll(workdir, 0755); err != nil {
		return "", "", fmt.Errorf("transition: mkdir %s: %w", workdir, err)
	}

	if t.StageInURL == "" {
		return taskmodel.StagedIn, "", nil
	}

	u, err := url.Parse(t.StageInURL)
	if err != nil {
		return "", "", fmt.Errorf("transition: stage_in_url %q: %w", t.StageInURL, err)
	}

	var digests []string
	switch u.Scheme {
	case "", "local", "file":
		digests, err = copyTree(u.Path, workdir)
		if err != nil {
			return "", "", fmt.Errorf("transition: stage in from %s: %w", u.Path, err)
		}
	default:
		return "", "", fmt.Errorf("transition: unsupported stage_in scheme %q", u.Scheme)
	}
	return taskmodel.StagedIn, digestSummary(digests), nil
}

// preprocess runs the task's (or application's default) preprocess
// script in the working directory.
func preprocess(resolveApp func(string) (*taskmodel.ApplicationDefinition, error)) Step {
	return func(ctx context.Context, t *taskmodel.Task) (taskmodel.State, string, error) {
		script := t.Preprocess
		if script == "" && t.Application != "" {
			app, err := resolveApp(t.Application)
			if err != nil {
				return "", "", fmt.Errorf("transition: resolve application %q: %w", t.Application, err)
			}
			script = app.DefaultPreprocess
		}
		if script == "" {
			return taskmodel.Preprocessed, "", nil
		}
		if err := runScript(ctx, t, script, false, false); err != nil {
			return "", "", err
		}
		return taskmodel.Preprocessed, "", nil
	}
}

// postprocess runs the task's (or application's default) postprocess
// script after a run completes successfully.
func postprocess(resolveApp func(string) (*taskmodel.ApplicationDefinition, error)) Step {
	return func(ctx context.Context, t *taskmodel.Task) (taskmodel.State, string, error) {
		script := t.Postprocess
		if script == "" && t.Application != "" {
			app, err := resolveApp(t.Application)
			if err != nil {
				return "", "", fmt.Errorf("transition: resolve application %q: %w", t.Application, err)
			}
			script = app.DefaultPostprocess
		}
		if script == "" {
			return taskmodel.Postprocessed, "", nil
		}
		if err := runScript(ctx, t, script, false, false); err != nil {
			return "", "", err
		}
		return taskmodel.Postprocessed, "", nil
	}
}

// stageOut copies StageOutFiles (a whitespace-separated glob pattern
// list) from the working directory to StageOutURL.
func stageOut(ctx context.Context, t *taskmodel.Task) (taskmodel.State, string, error) {
	if t.StageOutURL == "" || t.StageOutFiles == "" {
		return taskmodel.JobFinished, "", nil
	}
	u, err := url.Parse(t.StageOutURL)
	if err != nil {
		return "", "", fmt.Errorf("transition: stage_out_url %q: %w", t.StageOutURL, err)
	}
	if u.Scheme != "" && u.Scheme != "local" && u.Scheme != "file" {
		return "", "", fmt.Errorf("transition: unsupported stage_out scheme %q", u.Scheme)
	}

	workdir := t.WorkingDirectory()
	var digests []string
	for _, pattern := range strings.Fields(t.StageOutFiles) {
		matches, err := filepath.Glob(filepath.Join(workdir, pattern))
		if err != nil {
			return "", "", fmt.Errorf("transition: stage_out pattern %q: %w", pattern, err)
		}
		for _, src := range matches {
			dst := filepath.Join(u.Path, filepath.Base(src))
			digest, err := copyFile(src, dst)
			if err != nil {
				return "", "", fmt.Errorf("transition: stage out %s: %w", src, err)
			}
			digests = append(digests, filepath.Base(src)+":"+digest)
		}
	}
	return taskmodel.JobFinished, digestSummary(digests), nil
}

// handleTimeout implements spec.md §4.2's handle_timeout: invoke the post
// script with BALSAM_JOB_TIMEOUT=TRUE when post_timeout_handler is set;
// else auto-retry if configured; else fail.
func handleTimeout(resolveApp func(string) (*taskmodel.ApplicationDefinition, error)) Step {
	return func(ctx context.Context, t *taskmodel.Task) (taskmodel.State, string, error) {
		if t.PostTimeoutHandler {
			script := t.Postprocess
			if script == "" && t.Application != "" {
				app, err := resolveApp(t.Application)
				if err != nil {
					return "", "", err
				}
				script = app.DefaultPostprocess
			}
			if script != "" {
				if err := runScript(ctx, t, script, true, false); err != nil {
					return "", "", err
				}
			}
			return taskmodel.Postprocessed, "", nil
		}
		if t.AutoTimeoutRetry {
			return taskmodel.RestartReady, "", nil
		}
		return taskmodel.Failed, "", nil
	}
}

// handleError is symmetric with handleTimeout (spec.md §4.2).
func handleError(resolveApp func(string) (*taskmodel.ApplicationDefinition, error)) Step {
	return func(ctx context.Context, t *taskmodel.Task) (taskmodel.State, string, error) {
		if t.PostErrorHandler {
			script := t.Postprocess
			if script == "" && t.Application != "" {
				app, err := resolveApp(t.Application)
				if err != nil {
					return "", "", err
				}
				script = app.DefaultPostprocess
			}
			if script != "" {
				if err := runScript(ctx, t, script, false, true); err != nil {
					return "", "", err
				}
			}
			return taskmodel.Postprocessed, "", nil
		}
		if t.AutoTimeoutRetry {
			return taskmodel.RestartReady, "", nil
		}
		return taskmodel.Failed, "", nil
	}
}

func runScript(ctx context.Context, t *taskmodel.Task, script string, timeout, errored bool) error {
	envMap, err := t.Env(timeout, errored)
	if err != nil {
		return fmt.Errorf("transition: build env: %w", err)
	}
	env := os.Environ()
	for k, v := range envMap {
		env = append(env, k+"="+v)
	}

	cmd := exec.CommandContext(ctx, "/bin/bash", "-c", script)
	cmd.Dir = t.WorkingDirectory()
	cmd.Env = env
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("transition: script failed: %w: %s", err, tail(out, 10))
	}
	return nil
}

func tail(out []byte, n int) string {
	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// copyFile copies src to dst and returns the hex-encoded blake2b-256
// digest of the bytes written, so the caller can surface it for
// integrity verification rather than let it go to waste.
func copyFile(src, dst string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", err
	}
	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	defer out.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(io.MultiWriter(out, h), in); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// copyTree copies src into dst and returns one "relpath:digest" entry
// per file copied, in walk order.
func copyTree(src, dst string) ([]string, error) {
	var digests []string
	err := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		digest, err := copyFile(path, target)
		if err != nil {
			return err
		}
		digests = append(digests, rel+":"+digest)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return digests, nil
}

// digestSummary folds per-file "name:digest" entries into a single
// state_history detail string (SPEC_FULL.md §4.2/§4.3's stage-in/out
// integrity record). Sorted so the message is deterministic across
// filesystem walk orders.
func digestSummary(entries []string) string {
	if len(entries) == 0 {
		return ""
	}
	sorted := append([]string(nil), entries...)
	sort.Strings(sorted)
	return "blake2b256[" + strings.Join(sorted, ",") + "]"
}
