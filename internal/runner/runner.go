// Package runner implements the Agent Runner (spec §4.D): it spawns
// the external agent CLI as a child process, parses its NDJSON stdout
// stream into normalized events republished on the bus, tracks agents
// and tools used, relocates output files, and produces a final result
// object. Grounded on the teacher's internal/worker/agent package for
// the subprocess lifecycle (cmd.Cancel/WaitDelay, scanner sizing,
// filterEnv).
package runner

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/fathomhq/finchat/internal/bus"
	"github.com/fathomhq/finchat/internal/config"
	"github.com/fathomhq/finchat/internal/idgen"
	"github.com/fathomhq/finchat/internal/metrics"
	"github.com/fathomhq/finchat/internal/model"
	"github.com/fathomhq/finchat/internal/sanitize"
)

// FatalError wraps a nonzero agent-process exit (spec §4.D
// "Completion"), carrying the tail of captured output.
type FatalError struct {
	ExitCode int
	Tail     string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("agent exited %d: %s", e.ExitCode, e.Tail)
}

const (
	tailLength       = 2000
	statusTextMinLen = 50
)

var relocatableExts = map[string]string{
	".png":  "citations",
	".jpg":  "citations",
	".jpeg": "citations",
	".xlsx": "exports",
	".csv":  "exports",
	".tsv":  "exports",
}

// Runner spawns and supervises one agent subprocess per job.
type Runner struct {
	cfg *config.Config
	bus *bus.Bus
}

// New creates a Runner publishing events on b, configured per cfg.
func New(cfg *config.Config, b *bus.Bus) *Runner {
	return &Runner{cfg: cfg, bus: b}
}

// runState accumulates what the stream parser has learned about a
// single run, to be folded into the final result's metadata block.
type runState struct {
	agentsUsed      []string
	agentsSeen      map[string]struct{}
	toolsCalled     []model.ToolCall
	currentAgent    string
	finalResult     map[string]any
	seenTraces      map[string]struct{}
	traceFile       *os.File
	traceMu         sync.Mutex
}

func newRunState(traceFile *os.File) *runState {
	return &runState{
		agentsSeen: make(map[string]struct{}),
		seenTraces: make(map[string]struct{}),
		traceFile:  traceFile,
	}
}

func (rs *runState) addAgent(name string) {
	if name == "" {
		return
	}
	if _, ok := rs.agentsSeen[name]; ok {
		return
	}
	rs.agentsSeen[name] = struct{}{}
	rs.agentsUsed = append(rs.agentsUsed, name)
}

func (rs *runState) writeTrace(line []byte) {
	if rs.traceFile == nil {
		return
	}
	rs.traceMu.Lock()
	defer rs.traceMu.Unlock()
	_, _ = rs.traceFile.Write(line)
	_, _ = rs.traceFile.Write([]byte("\n"))
}

// Run spawns the agent CLI for job, streams and republishes its
// output, performs output relocation, and returns the enriched result
// map (spec §4.D).
func (r *Runner) Run(ctx context.Context, job *model.Job, prompt string) (map[string]any, error) {
	runStart := time.Now()

	traceDir := r.cfg.TraceDir()
	if err := os.MkdirAll(traceDir, 0o750); err != nil {
		return nil, fmt.Errorf("runner: create trace dir: %w", err)
	}
	// Suffix with a short nanoid so a second Run of the same job id
	// (e.g. after an operator-triggered resubmit) never overwrites a
	// prior attempt's trace.
	tracePath := filepath.Join(traceDir, job.ID+"-"+idgen.NewOpaqueID(8)+".jsonl")
	traceFile, err := os.Create(tracePath)
	if err != nil {
		return nil, fmt.Errorf("runner: create trace file: %w", err)
	}
	defer traceFile.Close()

	state := newRunState(traceFile)

	cmd, err := r.spawn(ctx, job, prompt)
	if err != nil {
		metrics.RunnerSpawnsTotal.WithLabelValues("spawn_error").Inc()
		return nil, fmt.Errorf("runner: spawn: %w", err)
	}
	metrics.RunnerSpawnsTotal.WithLabelValues("started").Inc()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("runner: stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout // merge stderr into stdout (spec §4.D)

	var output bytes.Buffer
	tee := io.TeeReader(stdout, &output)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("runner: start: %w", err)
	}

	scanner := bufio.NewScanner(tee)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		lineCopy := make([]byte, len(line))
		copy(lineCopy, line)
		state.writeTrace(lineCopy)
		r.handleLine(job.ID, state, lineCopy)
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("runner stdout read error", "job_id", job.ID, "error", err)
	}

	waitErr := cmd.Wait()
	if waitErr != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if ok := errorsAs(waitErr, &exitErr); ok {
			exitCode = exitErr.ExitCode()
		}
		tail := output.String()
		if len(tail) > tailLength {
			tail = tail[len(tail)-tailLength:]
		}
		metrics.RunnerSpawnsTotal.WithLabelValues("nonzero_exit").Inc()
		return nil, &FatalError{ExitCode: exitCode, Tail: tail}
	}
	metrics.RunnerSpawnsTotal.WithLabelValues("completed").Inc()

	if state.finalResult == nil {
		state.finalResult = map[string]any{"response": output.String()}
	}

	moved, err := r.relocateOutput(runStart)
	if err != nil {
		slog.Warn("runner output relocation failed", "job_id", job.ID, "error", err)
	}
	for _, m := range moved {
		rewriteResultPaths(state.finalResult, m.From, m.To)
	}

	result := make(map[string]any, len(state.finalResult)+1)
	for k, v := range state.finalResult {
		result[k] = v
	}
	result["_metadata"] = map[string]any{
		"agents_used":   state.agentsUsed,
		"tools_called":  state.toolsCalled,
		"moved_files":   moved,
		"opencode_trace": tracePath,
	}
	return result, nil
}

// spawn builds the agent CLI command without starting it; Run starts
// it. If the agent CLI cannot be found on PATH, the lookup is retried
// with bounded exponential backoff (3 attempts) and the command is
// rebuilt once it is found. cmd.Start itself is not retried, and a
// nonzero exit from a process that did start is never retried.
func (r *Runner) spawn(ctx context.Context, job *model.Job, prompt string) (*exec.Cmd, error) {
	args := []string{"run", "--format", "json"}
	if r.cfg.AgentName != "" {
		args = append(args, "--agent", r.cfg.AgentName)
	}
	args = append(args, prompt)

	build := func() (*exec.Cmd, error) {
		name := r.cfg.AgentCLI
		cmdArgs := args
		if lineBuffer, err := exec.LookPath("stdbuf"); err == nil {
			cmdArgs = append([]string{"-oL", name}, args...)
			name = lineBuffer
		}

		cmd := exec.CommandContext(ctx, name, cmdArgs...)
		cmd.Env = filterEnv(os.Environ())
		cmd.Env = append(cmd.Env,
			"FINCHAT_CONFIG_DIR="+r.cfg.ConfigDir,
			"FINCHAT_JOB_ID="+job.ID,
			"FINCHAT_EVENT_BUS_URL="+r.cfg.EventBusURL,
		)
		cmd.Cancel = func() error {
			return cmd.Process.Signal(syscall.SIGTERM)
		}
		cmd.WaitDelay = 5 * time.Second
		return cmd, nil
	}

	cmd, _ := build()
	// Probe executability before handing the *exec.Cmd back, so a
	// missing/unexecutable binary is retried rather than surfacing a
	// confusing post-Start error.
	if _, err := exec.LookPath(cmd.Path); err != nil && !filepath.IsAbs(cmd.Path) {
		_, rerr := backoff.Retry(ctx, func() (struct{}, error) {
			if _, err := exec.LookPath(r.cfg.AgentCLI); err != nil {
				return struct{}{}, err
			}
			return struct{}{}, nil
		}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
		if rerr != nil {
			return nil, fmt.Errorf("agent cli %q not found: %w", r.cfg.AgentCLI, rerr)
		}
		cmd, _ = build()
	}
	return cmd, nil
}

func filterEnv(environ []string, keys ...string) []string {
	filtered := make([]string, 0, len(environ))
	for _, entry := range environ {
		name, _, _ := strings.Cut(entry, "=")
		skip := false
		for _, k := range keys {
			if strings.EqualFold(name, k) {
				skip = true
				break
			}
		}
		if !skip {
			filtered = append(filtered, entry)
		}
	}
	return filtered
}

func errorsAs(err error, target **exec.ExitError) bool {
	for err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			*target = ee
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// publish wraps bus.Publish, applying text sanitization to any string
// Extra field before it reaches a transcript or SSE client.
func (r *Runner) publish(jobID string, evType model.EventType, extra map[string]any) {
	r.bus.Publish(jobID, model.Event{Type: evType, Extra: sanitizeExtra(extra)})
}

func sanitizeExtra(extra map[string]any) map[string]any {
	for k, v := range extra {
		if s, ok := v.(string); ok {
			extra[k] = sanitize.Text(s)
		}
	}
	return extra
}

