// Package command is a thin, safe wrapper over shell execution: the
// Command Executor of spec §4.6, grounded on original_source
// command_executor.py (dangerous-pattern blocklist, execution modes,
// history ring buffer) reimplemented with os/exec.CommandContext for
// cancellation. No example repo in the corpus wraps raw shell execution
// as a reusable library, so os/exec is deliberate stdlib use here — see
// DESIGN.md.
package command

import (
	"bytes"
	"context"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	aerrors "github.com/aegisops/aegis-controller/internal/errors"
	"github.com/aegisops/aegis-controller/internal/shlex"
)

// Mode selects how Execute treats a command.
type Mode string

const (
	ModeLive     Mode = "live"
	ModeDryRun   Mode = "dry_run"
	ModeValidate Mode = "validate"
)

// dangerousPatterns reproduces the upstream blocklist verbatim (case
// insensitive), translated from Python re.search to Go regexp.
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)rm\s+-rf\s+/`),
	regexp.MustCompile(`(?i)dd\s+if=.*of=/dev/`),
	regexp.MustCompile(`(?i)mkfs\.`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\};:`),
	regexp.MustCompile(`(?i)chmod\s+-R\s+777`),
	regexp.MustCompile(`(?i)chown\s+-R\s+`),
	regexp.MustCompile(`(?i)shutdown`),
	regexp.MustCompile(`(?i)reboot`),
	regexp.MustCompile(`(?i)halt`),
	regexp.MustCompile(`(?i)init\s+0`),
	regexp.MustCompile(`(?i)init\s+6`),
}

// Result is the outcome of one Execute call.
type Result struct {
	Command      string
	Success      bool
	Stdout       string
	Stderr       string
	ExitCode     int
	DurationSecs float64
	Timestamp    time.Time
	Mode         Mode
	ErrorMessage string
}

// Config bounds an Executor's default behavior.
type Config struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	DryRun         bool // global dry-run override
	RequireSudo    bool
	Shell          string
	WorkingDir     string
	EnvVars        map[string]string
	MaxHistory     int
}

// DefaultConfig mirrors the upstream defaults (5 minute default timeout,
// 1 hour cap, /bin/bash, 1000-entry history).
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 5 * time.Minute,
		MaxTimeout:     time.Hour,
		Shell:          "/bin/bash",
		MaxHistory:     1000,
	}
}

// Options overrides Execute's behavior for a single call.
type Options struct {
	Timeout    time.Duration
	Mode       Mode
	Sudo       *bool
	WorkingDir string
	EnvVars    map[string]string
}

// Executor runs shell commands under timeout with validation and a
// rolling execution history.
type Executor struct {
	cfg Config
	log *logrus.Logger

	mu      sync.Mutex
	history []Result
}

// New creates an Executor with cfg, filling unset fields from
// DefaultConfig.
func New(cfg Config, log *logrus.Logger) *Executor {
	defaults := DefaultConfig()
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaults.DefaultTimeout
	}
	if cfg.MaxTimeout == 0 {
		cfg.MaxTimeout = defaults.MaxTimeout
	}
	if cfg.Shell == "" {
		cfg.Shell = defaults.Shell
	}
	if cfg.MaxHistory == 0 {
		cfg.MaxHistory = defaults.MaxHistory
	}
	return &Executor{cfg: cfg, log: log}
}

// Execute runs command according to opts, falling back to the
// Executor's configured defaults for unset fields.
func (e *Executor) Execute(ctx context.Context, command string, opts Options) (Result, error) {
	start := time.Now()

	mode := opts.Mode
	if mode == "" {
		if e.cfg.DryRun {
			mode = ModeDryRun
		} else {
			mode = ModeLive
		}
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = e.cfg.DefaultTimeout
	}
	if timeout > e.cfg.MaxTimeout {
		e.log.WithFields(logrus.Fields{"requested": timeout, "max": e.cfg.MaxTimeout}).
			Warn("command timeout exceeds maximum, capping")
		timeout = e.cfg.MaxTimeout
	}

	if err := validateCommand(command); err != nil {
		return Result{}, err
	}

	useSudo := e.cfg.RequireSudo
	if opts.Sudo != nil {
		useSudo = *opts.Sudo
	}
	if useSudo && !strings.HasPrefix(strings.TrimSpace(command), "sudo") {
		command = "sudo " + command
	}

	workDir := opts.WorkingDir
	if workDir == "" {
		workDir = e.cfg.WorkingDir
	}

	env := make(map[string]string, len(e.cfg.EnvVars)+len(opts.EnvVars))
	for k, v := range e.cfg.EnvVars {
		env[k] = v
	}
	for k, v := range opts.EnvVars {
		env[k] = v
	}

	e.log.WithFields(logrus.Fields{"mode": mode, "command": command}).Info("executing command")

	var result Result
	switch mode {
	case ModeValidate:
		result = validateSyntax(command)
	case ModeDryRun:
		result = simulate(command)
	default:
		result = e.executeLive(ctx, command, timeout, workDir, env)
	}

	result.Command = command
	result.DurationSecs = time.Since(start).Seconds()
	result.Timestamp = start
	result.Mode = mode

	e.recordHistory(result)

	if result.Success {
		e.log.WithField("duration_s", result.DurationSecs).Info("command succeeded")
	} else {
		e.log.WithFields(logrus.Fields{"duration_s": result.DurationSecs, "error": result.ErrorMessage}).
			Error("command failed")
	}

	return result, nil
}

// ExecuteBatch runs commands sequentially, stopping at the first failure
// when stopOnError is true.
func (e *Executor) ExecuteBatch(ctx context.Context, commands []string, stopOnError bool, opts Options) []Result {
	results := make([]Result, 0, len(commands))
	for _, cmd := range commands {
		result, err := e.Execute(ctx, cmd, opts)
		if err != nil {
			result = Result{Command: cmd, Success: false, ErrorMessage: err.Error(), Mode: opts.Mode}
		}
		results = append(results, result)
		if !result.Success && stopOnError {
			break
		}
	}
	return results
}

func validateCommand(command string) error {
	for _, pattern := range dangerousPatterns {
		if pattern.MatchString(command) {
			return aerrors.Wrapf(aerrors.ErrRefusedUnsafe, "command matches blocked pattern %q", pattern.String())
		}
	}
	if strings.TrimSpace(command) == "" {
		return aerrors.Wrap(aerrors.ErrRefusedUnsafe, "empty command")
	}
	if strings.ContainsRune(command, 0) {
		return aerrors.Wrap(aerrors.ErrRefusedUnsafe, "command contains null bytes")
	}
	return nil
}

func validateSyntax(command string) Result {
	if _, err := shlex.Split(command); err != nil {
		return Result{Success: false, Stderr: "syntax error: " + err.Error(), ExitCode: 1, ErrorMessage: err.Error()}
	}
	return Result{Success: true, Stdout: "syntax validation passed", ExitCode: 0}
}

func simulate(command string) Result {
	return Result{Success: true, Stdout: "[DRY-RUN] would execute: " + command, ExitCode: 0}
}

func (e *Executor) executeLive(ctx context.Context, command string, timeout time.Duration, workDir string, env map[string]string) Result {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, e.cfg.Shell, "-c", command)
	cmd.Dir = workDir
	cmd.Env = mergeEnv(env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if runCtx.Err() == context.DeadlineExceeded {
		return Result{
			Success:      false,
			Stderr:       "command timed out after " + timeout.String(),
			ExitCode:     -1,
			ErrorMessage: "timeout: command timed out after " + timeout.String(),
		}
	}

	exitCode := 0
	success := err == nil
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if err != nil {
		exitCode = -1
	}

	stderrStr := decodeUTF8(stderr.Bytes())
	errMsg := ""
	if !success {
		errMsg = stderrStr
	}

	return Result{
		Success:      success,
		Stdout:       decodeUTF8(stdout.Bytes()),
		Stderr:       stderrStr,
		ExitCode:     exitCode,
		ErrorMessage: errMsg,
	}
}

func decodeUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "�")
}

func mergeEnv(extra map[string]string) []string {
	if len(extra) == 0 {
		return nil
	}
	env := make([]string, 0, len(extra))
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

func (e *Executor) recordHistory(r Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, r)
	if len(e.history) > e.cfg.MaxHistory {
		e.history = e.history[len(e.history)-e.cfg.MaxHistory:]
	}
}

// History returns up to limit of the most recent results.
func (e *Executor) History(limit int) []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	if limit <= 0 || limit > len(e.history) {
		limit = len(e.history)
	}
	out := make([]Result, limit)
	copy(out, e.history[len(e.history)-limit:])
	return out
}

// Stats summarizes execution history.
type Stats struct {
	Total          int
	Successful     int
	Failed         int
	SuccessRate    float64
	AverageSeconds float64
}

// Stats computes aggregate statistics over the full retained history.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	var s Stats
	s.Total = len(e.history)
	var totalDuration float64
	for _, r := range e.history {
		if r.Success {
			s.Successful++
		}
		totalDuration += r.DurationSecs
	}
	s.Failed = s.Total - s.Successful
	if s.Total > 0 {
		s.SuccessRate = float64(s.Successful) / float64(s.Total)
		s.AverageSeconds = totalDuration / float64(s.Total)
	}
	return s
}
