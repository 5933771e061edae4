// Package supervisor owns the lifecycle of the single supervised core
// process: spawning it, capturing its output, detecting crashes, reconciling
// the virtual interfaces it claims, and applying/restoring the machine-wide
// proxy override around it.
//
// All mutable state lives behind one mutex; the control channel serializes
// commands on top of that, so interleaved start/stop requests cannot race.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/Finesssee/CoreWarden/internal/config"
	"github.com/Finesssee/CoreWarden/internal/coreconfig"
	"github.com/Finesssee/CoreWarden/internal/corelog"
	apperrors "github.com/Finesssee/CoreWarden/internal/errors"
	"github.com/Finesssee/CoreWarden/internal/netif"
	"github.com/Finesssee/CoreWarden/internal/oscmd"
	"github.com/Finesssee/CoreWarden/internal/sysproxy"
)

// crashTailLines is how many trailing log lines are folded into crash
// reasons and start-failure details.
const crashTailLines = 8

// StartRequest carries everything needed to start the core process.
type StartRequest struct {
	ConfigPath string
	CorePath   string
	// Proxy, when non-nil, overrides the hint scanned from the config.
	Proxy *sysproxy.Override
}

// StartResult reports a successful start. ConfigPath is the path actually
// spawned, which differs from the request when the sidecar fallback was used.
type StartResult struct {
	PID        int    `json:"pid"`
	ConfigPath string `json:"config_path"`
}

// StatusReport is the derived read view over the supervisor's state.
type StatusReport struct {
	State         string `json:"state"` // stopped | running | crashed
	PID           int    `json:"pid,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds,omitempty"`
	LastExitCode  *int   `json:"last_exit_code,omitempty"`
	ErrorReason   string `json:"error_reason,omitempty"`
}

// handle tracks the live core process. At most one exists at a time.
type handle struct {
	pid        int
	startedAt  time.Time
	configPath string
	corePath   string
}

// Supervisor supervises the single core process instance.
type Supervisor struct {
	cfg       *config.Config
	logs      *corelog.Buffer
	proxy     *sysproxy.Controller
	ifaces    *netif.Reconciler
	runner    oscmd.Runner
	statePath string

	// opMu serializes the long-running operations (start/stop/restart) so
	// interleaved control commands queue instead of racing.
	opMu sync.Mutex

	// mu guards all fields below, including writes from the async exit
	// observer.
	mu          sync.Mutex
	cmd         *exec.Cmd
	tracked     *handle
	lastReq     *StartRequest
	gen         int // spawn generation; guards stale exit observers
	waitDone    chan struct{}
	stopping    bool
	crashed     bool
	hasExitCode bool
	lastExit    int
	crashReason string
	proxySnap   sysproxy.Snapshot
}

// New builds a Supervisor from the daemon config and its collaborators.
func New(cfg *config.Config, runner oscmd.Runner) *Supervisor {
	statePath := cfg.StateFile
	if statePath == "" {
		statePath = defaultStatePath()
	}
	return &Supervisor{
		cfg:    cfg,
		logs:   corelog.NewBuffer(cfg.LogBufferSize),
		proxy:  sysproxy.NewController(runner),
		ifaces: netif.NewReconciler(runner, netif.Options{
			ReleaseTimeout:   cfg.ReleaseTimeout(),
			SettleTimeout:    cfg.SettleTimeout(),
			PollInterval:     cfg.ReleasePoll(),
			ReservedLowIndex: cfg.ReservedLowIndex,
			Rivals:           cfg.RivalProcesses,
		}),
		runner:    runner,
		statePath: statePath,
	}
}

// Logs exposes the core output ring buffer.
func (s *Supervisor) Logs() *corelog.Buffer {
	return s.logs
}

// CleanupOrphan kills a core process recorded by a previous daemon run that
// is still alive. Called once at daemon startup, before any command is
// served.
func (s *Supervisor) CleanupOrphan(ctx context.Context) {
	st, err := loadState(s.statePath)
	if err != nil || st == nil || st.PID <= 0 {
		return
	}
	if unix.Kill(st.PID, 0) != nil {
		return // not alive
	}
	log.WithFields(log.Fields{"pid": st.PID, "core": st.CorePath}).
		Warn("killing orphaned core process from a previous run")
	_ = unix.Kill(st.PID, unix.SIGKILL)
	s.ifaces.WaitSettle(ctx)
	_ = deleteState(s.statePath)
}

// Start launches the core process per req. Any currently tracked process is
// fully stopped first; starting always supersedes the prior instance.
func (s *Supervisor) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := s.ensureExecutable(req.CorePath); err != nil {
		return StartResult{}, err
	}

	raw, err := os.ReadFile(req.ConfigPath)
	if err != nil {
		return StartResult{}, apperrors.New(apperrors.CodeStartFailed, "config not readable", err)
	}

	if s.isTracked() {
		log.Info("superseding running core instance")
		s.stopTracked(ctx)
		time.Sleep(s.cfg.SettleDelay())
	}

	// Crashed state is cleared unconditionally at the start of every start.
	s.mu.Lock()
	s.crashed = false
	s.crashReason = ""
	s.hasExitCode = false
	s.mu.Unlock()

	s.applyProxyOverride(ctx, req, raw)

	coreName := filepath.Base(req.CorePath)
	required := coreconfig.TunInterfaces(raw)
	for _, name := range required {
		if err := s.ifaces.ForceRelease(ctx, name, coreName); err != nil {
			log.Warnf("interface release: %v", err)
		}
	}

	// Catch-all: kill any other instances of the core binary left behind by
	// unclean shutdowns.
	if coreconfig.ValidInterfaceName(coreName) {
		_, _ = s.runner.Run(ctx, "pkill", "-9", "-x", coreName)
	}

	finalPath, err := s.resolveConfigPath(ctx, req.ConfigPath, raw, required)
	if err != nil {
		return StartResult{}, err
	}

	res, err := s.spawn(ctx, req, finalPath)
	if err != nil {
		return StartResult{}, err
	}

	s.mu.Lock()
	reqCopy := req
	s.lastReq = &reqCopy
	s.mu.Unlock()
	_ = saveState(s.statePath, &runtimeState{
		PID:        res.PID,
		ConfigPath: req.ConfigPath,
		CorePath:   req.CorePath,
		StartedAt:  time.Now(),
	})
	return res, nil
}

// Stop terminates the tracked process, restores proxy state and waits for
// interface release. Stopping with nothing tracked is a success; the
// residual interface wait still runs.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.stopTracked(ctx)
	_ = deleteState(s.statePath)
	return nil
}

// Restart re-runs Start with the most recent start request.
func (s *Supervisor) Restart(ctx context.Context) (StartResult, error) {
	s.mu.Lock()
	req := s.lastReq
	s.mu.Unlock()
	if req == nil {
		return StartResult{}, apperrors.Newf(apperrors.CodeStartFailed, "nothing to restart: no prior start request")
	}
	return s.Start(ctx, *req)
}

// Status derives the externally visible state.
func (s *Supervisor) Status() StatusReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	var report StatusReport
	switch {
	case s.tracked != nil:
		report.State = "running"
		report.PID = s.tracked.pid
		report.UptimeSeconds = int64(time.Since(s.tracked.startedAt).Seconds())
	case s.crashed:
		report.State = "crashed"
		code := s.lastExit
		report.LastExitCode = &code
		report.ErrorReason = s.crashReason
	default:
		report.State = "stopped"
		if s.hasExitCode {
			code := s.lastExit
			report.LastExitCode = &code
		}
	}
	return report
}

// ensureExecutable verifies the core binary exists and is runnable,
// attempting to mark it executable when it is not.
func (s *Supervisor) ensureExecutable(corePath string) error {
	info, err := os.Stat(corePath)
	if err != nil {
		if os.IsNotExist(err) {
			return apperrors.Newf(apperrors.CodeBinaryNotFound, "core binary not found: %s", corePath)
		}
		return apperrors.New(apperrors.CodeBinaryNotFound, "core binary not accessible", err)
	}
	if info.Mode()&0o111 == 0 {
		if err := os.Chmod(corePath, info.Mode()|0o755); err != nil {
			return apperrors.New(apperrors.CodeNotExecutable,
				fmt.Sprintf("core binary not executable: %s", corePath), err)
		}
	}
	return nil
}

// restoreOutstandingSnapshot consumes and restores a proxy snapshot left
// behind by a spawn that failed before an exit observer existed. With a live
// process the observer owns the snapshot and this is a no-op.
func (s *Supervisor) restoreOutstandingSnapshot(ctx context.Context) {
	s.mu.Lock()
	snap := s.proxySnap
	s.proxySnap = nil
	s.mu.Unlock()
	if snap == nil {
		return
	}
	if err := s.proxy.Restore(ctx, snap); err != nil {
		log.Warnf("system proxy restore failed: %v", err)
	}
}

// applyProxyOverride resolves and applies the system proxy override.
// An explicit caller override wins; otherwise the config's tun http_proxy
// hint is used. Apply failures are soft: logged, never aborting start.
func (s *Supervisor) applyProxyOverride(ctx context.Context, req StartRequest, raw []byte) {
	// A snapshot may still be pending from an earlier start whose spawn
	// failed. Restore it before capturing new state, otherwise the true
	// pre-override settings would be lost.
	s.restoreOutstandingSnapshot(ctx)

	ov := req.Proxy
	if ov == nil {
		hint, ok := coreconfig.ProxyHintFrom(raw)
		if !ok {
			return
		}
		ov = &sysproxy.Override{Enabled: true, Host: hint.Host, Port: hint.Port, BypassDomains: hint.Bypass}
	}
	if !ov.Enabled {
		return
	}

	snap, err := s.proxy.Apply(ctx, *ov)
	if err != nil {
		log.Warnf("system proxy apply failed (continuing): %v", err)
	}
	if len(snap) > 0 {
		s.mu.Lock()
		s.proxySnap = snap
		s.mu.Unlock()
	}
}

// resolveConfigPath re-checks interface availability after cleanup. If a
// required interface is still occupied, a patched sidecar copy of the config
// substitutes a free high-index name; the original file is never modified.
func (s *Supervisor) resolveConfigPath(ctx context.Context, configPath string, raw []byte, required []string) (string, error) {
	patched := raw
	dirty := false
	var chosen []string
	for _, name := range required {
		if !s.ifaces.Present(ctx, name) {
			continue
		}
		substitute := s.ifaces.NextFreeName(ctx, s.cfg.FallbackIndexBase, chosen...)
		log.WithFields(log.Fields{"occupied": name, "substitute": substitute}).
			Warn("interface still occupied, patching sidecar config")
		out, err := coreconfig.ReplaceInterfaceName(patched, name, substitute)
		if err != nil {
			return "", apperrors.New(apperrors.CodeStartFailed, "patching sidecar config failed", err)
		}
		patched = out
		dirty = true
		chosen = append(chosen, substitute)
	}
	if !dirty {
		return configPath, nil
	}
	sidecar, err := coreconfig.WriteSidecar(configPath, patched)
	if err != nil {
		return "", apperrors.New(apperrors.CodeStartFailed, "writing sidecar config failed", err)
	}
	return sidecar, nil
}

// spawn starts the core process and waits out the grace window.
func (s *Supervisor) spawn(ctx context.Context, req StartRequest, finalPath string) (StartResult, error) {
	cmd := exec.Command(req.CorePath, "run", "-c", finalPath)
	cmd.Dir = filepath.Dir(finalPath)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return StartResult{}, apperrors.New(apperrors.CodeStartFailed, "stdout pipe failed", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return StartResult{}, apperrors.New(apperrors.CodeStartFailed, "stderr pipe failed", err)
	}

	if err = cmd.Start(); err != nil {
		return StartResult{}, apperrors.New(apperrors.CodeStartFailed, "spawning core process failed", err)
	}

	var pumps sync.WaitGroup
	pumps.Add(2)
	go s.pump(stdout, &pumps)
	go s.pump(stderr, &pumps)

	done := make(chan struct{})
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.cmd = cmd
	s.waitDone = done
	s.tracked = &handle{
		pid:        cmd.Process.Pid,
		startedAt:  time.Now(),
		configPath: finalPath,
		corePath:   req.CorePath,
	}
	s.mu.Unlock()

	go s.observeExit(gen, cmd, &pumps, done)

	select {
	case <-done:
		// Died inside the grace window: hard failure with log context.
		s.mu.Lock()
		code := s.lastExit
		s.crashed = false
		s.crashReason = ""
		s.mu.Unlock()
		detail := s.logs.TailText(crashTailLines)
		return StartResult{}, apperrors.Newf(apperrors.CodeStartFailed,
			"core process exited immediately (code %d): %s", code, detail).
			WithDetail("exit_code", code)
	case <-time.After(s.cfg.StartGrace()):
	}

	log.WithFields(log.Fields{"pid": cmd.Process.Pid, "config": finalPath}).Info("core process started")
	return StartResult{PID: cmd.Process.Pid, ConfigPath: finalPath}, nil
}

// pump streams one output pipe into the ring buffer line by line. It returns
// on EOF, which the process's exit guarantees.
func (s *Supervisor) pump(rc io.ReadCloser, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), 512*1024)
	for scanner.Scan() {
		s.logs.Append(scanner.Text())
	}
}

// observeExit is the async termination callback. It records the exit code,
// transitions to crashed on unexpected non-zero exits, clears the tracked
// handle and restores any outstanding proxy snapshot exactly once.
func (s *Supervisor) observeExit(gen int, cmd *exec.Cmd, pumps *sync.WaitGroup, done chan struct{}) {
	// Reads from the pipes must complete before Wait reaps the process.
	pumps.Wait()
	_ = cmd.Wait()
	code := cmd.ProcessState.ExitCode()

	s.mu.Lock()
	var snap sysproxy.Snapshot
	current := s.gen == gen
	if current {
		s.tracked = nil
		s.cmd = nil
		s.hasExitCode = true
		s.lastExit = code
		if code != 0 && !s.stopping {
			s.crashed = true
			reason := fmt.Sprintf("core process exited with code %d", code)
			if tail := s.logs.TailText(crashTailLines); tail != "" {
				reason += ": " + tail
			}
			s.crashReason = reason
			log.Error(reason)
		} else {
			s.crashed = false
			s.crashReason = ""
		}
		snap = s.proxySnap
		s.proxySnap = nil
	}
	s.mu.Unlock()

	if snap != nil {
		if err := s.proxy.Restore(context.Background(), snap); err != nil {
			log.Warnf("system proxy restore failed: %v", err)
		}
	}
	if current {
		_ = deleteState(s.statePath)
	}
	close(done)
}

func (s *Supervisor) isTracked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracked != nil
}

// stopTracked runs the full stop sequence: graceful signal, bounded wait,
// force kill, proxy restore (via the exit observer) and interface settle.
func (s *Supervisor) stopTracked(ctx context.Context) {
	s.mu.Lock()
	cmd := s.cmd
	done := s.waitDone
	if cmd == nil {
		s.mu.Unlock()
		// Residual cleanup still runs without an active handle, including a
		// snapshot orphaned by a spawn failure.
		s.restoreOutstandingSnapshot(ctx)
		s.ifaces.WaitSettle(ctx)
		return
	}
	s.stopping = true
	pid := cmd.Process.Pid
	s.mu.Unlock()

	log.WithField("pid", pid).Info("stopping core process")
	_ = cmd.Process.Signal(unix.SIGTERM)
	select {
	case <-done:
	case <-time.After(s.cfg.StopTimeout()):
		log.WithField("pid", pid).Warn("graceful stop timed out, killing")
		_ = cmd.Process.Kill()
		<-done
	}

	s.mu.Lock()
	s.stopping = false
	s.mu.Unlock()

	s.ifaces.WaitSettle(ctx)
}
