package task

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/GeminiBizAPI/internal/constant"
)

// activeTasks counts running jobs across all services so the orphan sweep
// never kills a browser that a live task still owns.
var activeTasks atomic.Int32

// childEnvMarker tags automation child processes so the sweep can tell ours
// apart from unrelated browsers on the host.
const childEnvMarker = "GEMINI_AUTOMATION_MARKER"

// runnerCommand resolves the automation runner invocation. The runner speaks
// the line protocol: params JSON on stdin, LOG:<level>:<message> lines on
// stderr, a final RESULT:<json> line on stdout.
func runnerCommand() (string, []string) {
	if custom := os.Getenv("AUTOMATION_RUNNER"); custom != "" {
		parts := strings.Fields(custom)
		return parts[0], parts[1:]
	}
	return "python3", []string{"scripts/browser_runner.py"}
}

// subprocessResult is the decoded RESULT payload plus the captured stderr
// tail for diagnostics when the child failed without reporting.
type subprocessResult struct {
	Result     map[string]any
	StderrTail []string
	ExitErr    error
}

// runSubprocess drives one automation child to completion. logCb receives
// every LOG: line; the call returns when the child exits, times out, or the
// context is cancelled (the whole process group is killed in the latter two
// cases).
func runSubprocess(ctx context.Context, params map[string]any, timeout time.Duration, logCb func(level, msg string)) (map[string]any, error) {
	bin, args := runnerCommand()
	cmd := exec.Command(bin, args...)
	cmd.Env = append(os.Environ(), childEnvMarker+"=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("subprocess stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("subprocess stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("subprocess stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("subprocess start: %w", err)
	}
	pid := cmd.Process.Pid

	payload, err := json.Marshal(params)
	if err != nil {
		killProcessTree(pid)
		_ = cmd.Wait()
		return nil, fmt.Errorf("subprocess params: %w", err)
	}
	go func() {
		_, _ = stdin.Write(payload)
		_, _ = stdin.Write([]byte("\n"))
		_ = stdin.Close()
	}()

	var tail []string
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimRight(scanner.Text(), "\r")
			if level, msg, ok := parseLogLine(line); ok {
				logCb(level, msg)
				continue
			}
			if line == "" {
				continue
			}
			tail = append(tail, line)
			if len(tail) > 30 {
				tail = tail[len(tail)-30:]
			}
		}
	}()

	var result map[string]any
	stdoutDone := make(chan struct{})
	go func() {
		defer close(stdoutDone)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "RESULT:") {
				continue
			}
			var decoded map[string]any
			if err := json.Unmarshal([]byte(line[len("RESULT:"):]), &decoded); err != nil {
				logCb("warning", fmt.Sprintf("unparseable RESULT line: %v", err))
				continue
			}
			result = decoded
		}
	}()

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var runErr error
	select {
	case err := <-waitErr:
		runErr = err
	case <-timer.C:
		logCb("error", fmt.Sprintf("subprocess timed out after %s, killing", timeout))
		killProcessTree(pid)
		<-waitErr
		runErr = fmt.Errorf("subprocess timed out after %s", timeout)
	case <-ctx.Done():
		logCb("warning", "cancel requested: terminating subprocess")
		killProcessTree(pid)
		<-waitErr
		runErr = ctx.Err()
	}

	<-stderrDone
	<-stdoutDone

	if result != nil {
		return result, nil
	}
	if runErr == nil {
		runErr = fmt.Errorf("subprocess exited without a RESULT line")
	}
	if len(tail) > 0 {
		runErr = fmt.Errorf("%w (stderr: %s)", runErr, strings.Join(tail, " | "))
	}
	return nil, runErr
}

// parseLogLine splits a LOG:<level>:<message> protocol line.
func parseLogLine(line string) (level, msg string, ok bool) {
	if !strings.HasPrefix(line, "LOG:") {
		return "", "", false
	}
	rest := line[len("LOG:"):]
	idx := strings.Index(rest, ":")
	if idx < 0 {
		return "info", rest, true
	}
	level = strings.ToLower(strings.TrimSpace(rest[:idx]))
	switch level {
	case "debug", "info", "warning", "error":
	default:
		level = "info"
	}
	return level, strings.TrimSpace(rest[idx+1:]), true
}

// killProcessTree kills the child's process group and then any surviving
// descendants gopsutil can still see.
func killProcessTree(pid int) {
	if pgid, err := syscall.Getpgid(pid); err == nil {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return
	}
	children, err := proc.Children()
	if err == nil {
		for _, child := range children {
			_ = child.Kill()
		}
	}
	_ = proc.Kill()
}

// browserProcessNames matches the automation browser binaries the sweep may
// reclaim.
var browserProcessNames = []string{
	"chrome", "chromium", "msedge", "firefox",
	"chromedriver", "geckodriver", "playwright", "webdriver",
}

// sweepDisabled reports whether the operator turned the orphan sweep off via
// STRICT_AUTOMATION_CLEANUP. The sweep is on unless the value is falsey.
func sweepDisabled() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("STRICT_AUTOMATION_CLEANUP"))) {
	case "0", "false", "no", "off":
		return true
	}
	return false
}

// SweepOrphans kills browser processes left behind by crashed automation
// runs. Only processes carrying the automation marker are touched, and the
// sweep is skipped entirely while any task is running.
func SweepOrphans() int {
	if activeTasks.Load() > 0 {
		return 0
	}
	if sweepDisabled() {
		return 0
	}
	procs, err := process.Processes()
	if err != nil {
		log.Warnf("[task] orphan sweep: list processes: %v", err)
		return 0
	}
	killed := 0
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue
		}
		lower := strings.ToLower(name)
		matched := false
		for _, candidate := range browserProcessNames {
			if strings.Contains(lower, candidate) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		environ, err := p.Environ()
		if err != nil {
			continue
		}
		tagged := false
		for _, kv := range environ {
			if strings.HasPrefix(kv, childEnvMarker+"=") {
				tagged = true
				break
			}
		}
		if !tagged {
			continue
		}
		if err := p.Kill(); err == nil {
			killed++
		}
	}
	if killed > 0 {
		log.Infof("[task] orphan sweep killed %d stale browser processes", killed)
	}
	return killed
}

// StartOrphanSweeper runs the sweep on the task cadence until ctx ends.
func StartOrphanSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(constant.AutoRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				SweepOrphans()
			}
		}
	}()
}
