package supervisor

import (
	"context"
	stderrors "errors"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/core-tools/hsu-fixture/pkg/errors"
	"github.com/core-tools/hsu-fixture/pkg/events"
	"github.com/core-tools/hsu-fixture/pkg/logcollection"
	"github.com/core-tools/hsu-fixture/pkg/logging"
	"github.com/core-tools/hsu-fixture/pkg/metrics"
	"github.com/core-tools/hsu-fixture/pkg/process"

	"go.uber.org/multierr"
)

const (
	DefaultStartupTimeout  = 30 * time.Second
	DefaultGracefulTimeout = 10 * time.Second

	forceKillWait        = 5 * time.Second
	collectorJoinTimeout = 2 * time.Second
	scratchFilePrefix    = "kvs-app-"
)

// CommandBuilder renders the launch command for a given scratch storage path.
type CommandBuilder interface {
	BuildCommand(scratchPath string) ([]string, error)
}

type Options struct {
	ID      string
	Builder CommandBuilder

	// StorageDir receives the scratch KVS file; empty means os.TempDir().
	StorageDir string

	Sink      logcollection.LineSink
	LogPrefix string

	// ReadyMarker is matched as a substring of each output line. Empty means
	// the fixture is ready as soon as it is spawned.
	ReadyMarker     string
	StartupTimeout  time.Duration
	GracefulTimeout time.Duration

	// StrictPauseResume turns a redundant pause or resume into an InvalidStateError.
	StrictPauseResume bool

	Environment      []string
	WorkingDirectory string

	ExecuteCmd process.ExecuteCmd
	Suspender  Suspender
	Events     *events.Bus
}

// processHandle is the resource group created by one spawn: the process, its
// output collector and its scratch file. It is released as a unit.
type processHandle struct {
	proc        *os.Process
	stdout      io.ReadCloser
	collector   *logcollection.Collector
	scratchPath string

	exited  chan struct{}
	exitErr error // written before exited is closed
}

func (h *processHandle) hasExited() bool {
	select {
	case <-h.exited:
		return true
	default:
		return false
	}
}

type readySignal struct {
	once sync.Once
	ch   chan struct{}
}

func newReadySignal() *readySignal {
	return &readySignal{ch: make(chan struct{})}
}

func (r *readySignal) fire() {
	r.once.Do(func() { close(r.ch) })
}

// Supervisor owns at most one fixture process at a time.
type Supervisor struct {
	options    Options
	logger     logging.Logger
	executeCmd process.ExecuteCmd
	suspender  Suspender

	handle   *processHandle
	state    State
	lastErr  error
	stopDone chan struct{} // non-nil while a stop is in progress

	// Non-nil while a start is in progress. Stop closes startAbort and waits on startDone.
	startAbort chan struct{}
	startDone  chan struct{}

	mutex sync.RWMutex
}

func New(options Options, logger logging.Logger) (*Supervisor, error) {
	if options.ID == "" {
		return nil, errors.NewValidationError("supervisor ID is required", nil)
	}
	if options.Builder == nil {
		return nil, errors.NewValidationError("command builder is required", nil).WithContext("fixture", options.ID)
	}
	if options.StartupTimeout <= 0 {
		options.StartupTimeout = DefaultStartupTimeout
	}
	if options.GracefulTimeout <= 0 {
		options.GracefulTimeout = DefaultGracefulTimeout
	}
	if options.StorageDir == "" {
		options.StorageDir = os.TempDir()
	}
	if options.Sink != nil && options.LogPrefix != "" {
		options.Sink = logcollection.NewPrefixedSink(options.LogPrefix, options.Sink)
	}

	executeCmd := options.ExecuteCmd
	if executeCmd == nil {
		executeCmd = process.NewStdExecuteCmd(options.ID, logger)
	}
	suspender := options.Suspender
	if suspender == nil {
		suspender = defaultSuspender()
	}

	return &Supervisor{
		options:    options,
		logger:     logger,
		executeCmd: executeCmd,
		suspender:  suspender,
		state:      StateNotStarted,
	}, nil
}

func (s *Supervisor) ID() string {
	return s.options.ID
}

func (s *Supervisor) State() State {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.state
}

// Pid returns the process id of the attached process, or 0.
func (s *Supervisor) Pid() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.handle == nil {
		return 0
	}
	return s.handle.proc.Pid
}

// Err returns the error that last moved the supervisor to Failed.
func (s *Supervisor) Err() error {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.lastErr
}

// ScratchPath returns the scratch KVS file of the attached process, or "".
func (s *Supervisor) ScratchPath() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.handle == nil {
		return ""
	}
	return s.handle.scratchPath
}

// Done is closed when the attached process exits. With no process attached it is already closed.
func (s *Supervisor) Done() <-chan struct{} {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.handle == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.handle.exited
}

// Start spawns the fixture and blocks until it is Ready, the startup timeout
// elapses, the process exits, ctx is cancelled or Stop aborts it. On any failure the process
// is killed and its resources released before Start returns.
func (s *Supervisor) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.NewValidationError("context cannot be nil", nil)
	}

	plan, err := s.validateAndPlanStart()
	if err != nil {
		return err
	}

	s.logger.Infof("Starting fixture %s, command: %v", s.options.ID, plan.command)

	startedAt := time.Now()
	proc, stdout, err := s.executeCmd(ctx, process.ExecutionConfig{
		ExecutablePath:   plan.command[0],
		Args:             plan.command[1:],
		Environment:      s.options.Environment,
		WorkingDirectory: s.options.WorkingDirectory,
	})
	if err != nil {
		if rmErr := removeScratch(plan.scratchPath); rmErr != nil {
			s.logger.Warnf("Failed to remove scratch file, fixture: %s, error: %v", s.options.ID, rmErr)
		}
		s.finalizeFailedStart(plan, nil, err)
		metrics.RecordStart(s.options.ID, metrics.OutcomeError, time.Since(startedAt))
		return err
	}

	handle := s.attach(proc, stdout, plan)

	err = s.awaitReadiness(ctx, handle, plan, startedAt)
	if err == nil {
		err = s.finalizeStart(plan, handle)
	}
	if err != nil {
		s.logger.Errorf("Fixture %s failed to start: %v", s.options.ID, err)
		// A cancelled ctx must not cut cleanup short.
		if _, releaseErr := s.release(context.Background(), handle, false, false); releaseErr != nil {
			s.logger.Warnf("Cleanup after failed start reported errors, fixture: %s, error: %v", s.options.ID, releaseErr)
		}
		s.finalizeFailedStart(plan, handle, err)
		metrics.RecordStart(s.options.ID, startOutcome(err), time.Since(startedAt))
		return err
	}

	elapsed := time.Since(startedAt)
	metrics.RecordStart(s.options.ID, metrics.OutcomeReady, elapsed)
	s.logger.Infof("Fixture %s ready, PID: %d, elapsed: %v", s.options.ID, proc.Pid, elapsed)
	return nil
}

func startOutcome(err error) string {
	switch {
	case errors.IsStartupTimeoutError(err):
		return metrics.OutcomeTimeout
	case errors.IsProcessExitError(err):
		return metrics.OutcomeExited
	default:
		return metrics.OutcomeError
	}
}

type startPlan struct {
	command     []string
	scratchPath string
	ready       *readySignal
	abort       chan struct{}
	done        chan struct{}
}

// validateAndPlanStart checks the state, creates the scratch file and renders the command (defer-only lock)
func (s *Supervisor) validateAndPlanStart() (*startPlan, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !canStartFromState(s.state) || s.handle != nil || s.stopDone != nil {
		return nil, errors.NewInvalidStateError("cannot start fixture: operation not allowed", nil).
			WithContext("fixture", s.options.ID).WithContext("current_state", string(s.state))
	}

	if err := os.MkdirAll(s.options.StorageDir, 0755); err != nil {
		return nil, errors.NewIOError("failed to create storage directory", err).WithContext("dir", s.options.StorageDir)
	}
	scratch, err := os.CreateTemp(s.options.StorageDir, scratchFilePrefix)
	if err != nil {
		return nil, errors.NewIOError("failed to create scratch file", err).WithContext("dir", s.options.StorageDir)
	}
	scratchPath := scratch.Name()
	scratch.Close()

	command, err := s.options.Builder.BuildCommand(scratchPath)
	if err == nil && len(command) == 0 {
		err = errors.NewConfigurationError("empty launch command", nil).WithContext("fixture", s.options.ID)
	}
	if err != nil {
		os.Remove(scratchPath)
		return nil, err
	}

	plan := &startPlan{
		command:     command,
		scratchPath: scratchPath,
		ready:       newReadySignal(),
		abort:       make(chan struct{}),
		done:        make(chan struct{}),
	}
	s.startAbort = plan.abort
	s.startDone = plan.done

	s.lastErr = nil
	s.transitionLocked(StateStarting)

	return plan, nil
}

// attach records the spawned process and starts its exit watcher and output collector (defer-only lock)
func (s *Supervisor) attach(proc *os.Process, stdout io.ReadCloser, plan *startPlan) *processHandle {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	handle := &processHandle{
		proc:        proc,
		stdout:      stdout,
		scratchPath: plan.scratchPath,
		exited:      make(chan struct{}),
	}

	marker := s.options.ReadyMarker
	id := s.options.ID
	bus := s.options.Events
	handle.collector = logcollection.NewCollector(id, s.options.Sink, func(line string) {
		metrics.RecordOutputLine(id)
		bus.Publish(events.OutputLineEvent{FixtureID: id, Line: line})
		if marker != "" && strings.Contains(line, marker) {
			plan.ready.fire()
		}
	}, s.logger)

	go s.watchExit(handle)
	handle.collector.Start(stdout)

	if marker == "" {
		plan.ready.fire()
	}

	s.handle = handle
	return handle
}

func (s *Supervisor) watchExit(handle *processHandle) {
	pid := handle.proc.Pid
	state, err := handle.proc.Wait()

	var exitErr *errors.DomainError
	if err != nil {
		s.logger.Infof("Process PID %d wait failed: %v", pid, err)
		exitErr = errors.NewProcessExitError("fixture process wait failed", err)
	} else {
		s.logger.Infof("Process PID %d exited with status: %v", pid, state)
		exitErr = errors.NewProcessExitError("fixture process exited unexpectedly", nil).
			WithContext("status", state.String())
	}
	exitErr.WithContext("fixture", s.options.ID).WithContext("pid", pid)

	s.handleExit(handle, exitErr)
}

// handleExit publishes the exit and fails a live fixture that nobody asked to stop (defer-only lock)
func (s *Supervisor) handleExit(handle *processHandle, exitErr error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	handle.exitErr = exitErr
	close(handle.exited)

	if s.handle != handle || !hasLiveProcess(s.state) {
		return
	}
	s.logger.Errorf("Fixture %s exited while %s: %v", s.options.ID, s.state, exitErr)
	s.lastErr = exitErr
	s.transitionLocked(StateFailed)
	metrics.RecordExit(s.options.ID)
}

func (s *Supervisor) awaitReadiness(ctx context.Context, handle *processHandle, plan *startPlan, startedAt time.Time) error {
	timeout := s.options.StartupTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-plan.ready.ch:
		return nil
	case <-handle.exited:
		return handle.exitErr
	case <-timer.C:
		return errors.NewStartupTimeoutError("readiness marker not observed", nil).
			WithContext("marker", s.options.ReadyMarker).
			WithContext("timeout", timeout).
			WithContext("waited", time.Since(startedAt).Round(time.Millisecond))
	case <-ctx.Done():
		return errors.NewCancelledError("start cancelled while awaiting readiness", ctx.Err()).
			WithContext("fixture", s.options.ID).
			WithContext("waited", time.Since(startedAt).Round(time.Millisecond))
	case <-plan.abort:
		return s.abortedStartError()
	}
}

func (s *Supervisor) abortedStartError() error {
	return errors.NewCancelledError("start aborted by stop", nil).WithContext("fixture", s.options.ID)
}

// finalizeStart moves Starting to Ready unless the process already died or a stop aborted the start (defer-only lock)
func (s *Supervisor) finalizeStart(plan *startPlan, handle *processHandle) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if handle.hasExited() {
		return handle.exitErr
	}
	select {
	case <-plan.abort:
		return s.abortedStartError()
	default:
	}
	s.transitionLocked(StateReady)
	s.clearStartLocked(plan)
	return nil
}

// finalizeFailedStart detaches a released handle and records the failure (defer-only lock)
func (s *Supervisor) finalizeFailedStart(plan *startPlan, handle *processHandle, err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if handle != nil && s.handle == handle {
		s.handle = nil
	}
	s.lastErr = err
	s.transitionLocked(StateFailed)
	s.clearStartLocked(plan)
}

// clearStartLocked must be called with the mutex held.
func (s *Supervisor) clearStartLocked(plan *startPlan) {
	if s.startDone == plan.done {
		s.startAbort = nil
		s.startDone = nil
	}
	close(plan.done)
}

// Stop terminates the fixture and releases its resources. Stopping a fixture
// that was never started or is already stopped is a no-op. Concurrent callers
// wait for the stop in progress. A start in progress is aborted and its
// process killed before Stop returns.
func (s *Supervisor) Stop(ctx context.Context) error {
	if ctx == nil {
		return errors.NewValidationError("context cannot be nil", nil)
	}

	plan := s.validateAndPlanStop()
	if plan.waitStart != nil {
		s.logger.Infof("Aborting start of fixture %s", s.options.ID)
		select {
		case <-plan.waitStart:
		case <-ctx.Done():
			return errors.NewCancelledError("waiting for aborted start cancelled", ctx.Err()).
				WithContext("fixture", s.options.ID)
		}
		// The failed start released its resources; settle Failed into Stopped.
		return s.Stop(ctx)
	}
	if plan.waitFor != nil {
		select {
		case <-plan.waitFor:
			return nil
		case <-ctx.Done():
			return errors.NewCancelledError("waiting for stop in progress cancelled", ctx.Err()).
				WithContext("fixture", s.options.ID)
		}
	}
	if !plan.shouldProceed {
		return nil
	}

	s.logger.Infof("Stopping fixture %s, state: %s", s.options.ID, plan.fromState)

	forced, err := s.release(ctx, plan.handle, plan.fromState == StatePaused, true)

	s.finalizeStop(plan, forced)

	if err != nil {
		s.logger.Errorf("Fixture %s stopped with errors: %v", s.options.ID, err)
		return err
	}
	s.logger.Infof("Fixture %s stopped", s.options.ID)
	return nil
}

// stopPlan holds data extracted under lock for stop operations
type stopPlan struct {
	handle        *processHandle
	fromState     State
	done          chan struct{}
	waitFor       <-chan struct{}
	waitStart     <-chan struct{}
	shouldProceed bool
}

// validateAndPlanStop validates state and creates stop plan (defer-only lock)
func (s *Supervisor) validateAndPlanStop() *stopPlan {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	plan := &stopPlan{fromState: s.state}

	if s.stopDone != nil {
		plan.waitFor = s.stopDone
		return plan
	}

	switch s.state {
	case StateNotStarted, StateStopped:
		s.logger.Debugf("Fixture %s already stopped", s.options.ID)
		return plan
	case StateStarting:
		select {
		case <-s.startAbort:
		default:
			close(s.startAbort)
		}
		plan.waitStart = s.startDone
		return plan
	}

	if s.handle == nil {
		// Failed start: resources were released already.
		s.transitionLocked(StateStopped)
		return plan
	}

	plan.handle = s.handle
	plan.done = make(chan struct{})
	s.stopDone = plan.done
	s.handle = nil

	plan.shouldProceed = true
	return plan
}

// finalizeStop completes stop operation (defer-only lock)
func (s *Supervisor) finalizeStop(plan *stopPlan, forced bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if plan.fromState != StateFailed {
		metrics.RecordStop(s.options.ID, forced)
	}
	s.transitionLocked(StateStopped)
	s.stopDone = nil
	close(plan.done)
}

// release tears down a resource group. Every step runs regardless of earlier
// failures: resume if paused, terminate (graceful or immediate kill), join the
// collector, remove the scratch file. It reports whether a kill was needed.
func (s *Supervisor) release(ctx context.Context, handle *processHandle, paused, graceful bool) (bool, error) {
	var result error
	forced := false
	pid := handle.proc.Pid

	if paused && s.suspender != nil {
		if err := s.suspender.Resume(pid); err != nil {
			s.logger.Warnf("Failed to resume paused process PID %d before stop: %v", pid, err)
		}
	}

	if !handle.hasExited() {
		var err error
		if graceful {
			forced, err = s.terminate(ctx, handle)
		} else {
			forced, err = true, s.kill(handle)
		}
		result = multierr.Append(result, err)
	}
	if handle.hasExited() {
		if running, err := process.IsProcessRunning(pid); err == nil && running {
			s.logger.Warnf("Process PID %d reaped but still present, fixture: %s", pid, s.options.ID)
		}
	}

	handle.collector.RequestStop()
	stdoutClosed := false
	if !handle.collector.Join(collectorJoinTimeout) {
		s.logger.Warnf("Output collector did not finish, closing stream, fixture: %s", s.options.ID)
		stdoutClosed = true
		handle.stdout.Close()
		if !handle.collector.Join(collectorJoinTimeout) {
			s.logger.Errorf("Output collector still running after stream close, fixture: %s", s.options.ID)
		}
	}
	if !stdoutClosed {
		handle.stdout.Close()
	}

	if err := removeScratch(handle.scratchPath); err != nil {
		result = multierr.Append(result, err)
	}

	return forced, result
}

// terminate sends the graceful signal, waits for the grace period or ctx, then kills
func (s *Supervisor) terminate(ctx context.Context, handle *processHandle) (bool, error) {
	pid := handle.proc.Pid
	gracefulTimeout := s.options.GracefulTimeout

	s.logger.Infof("Sending termination signal to PID %d, timeout: %v", pid, gracefulTimeout)
	if err := process.SendTerminationSignal(pid); err != nil {
		s.logger.Warnf("Failed to send termination signal for PID %d: %v", pid, err)
	}

	timer := time.NewTimer(gracefulTimeout)
	defer timer.Stop()

	select {
	case <-handle.exited:
		s.logger.Infof("Process PID %d terminated gracefully", pid)
		return false, nil
	case <-timer.C:
		s.logger.Warnf("Process PID %d did not terminate within %v, forcing termination", pid, gracefulTimeout)
	case <-ctx.Done():
		s.logger.Warnf("Context cancelled during graceful termination of PID %d, forcing termination", pid)
	}

	return true, s.kill(handle)
}

func (s *Supervisor) kill(handle *processHandle) error {
	pid := handle.proc.Pid
	s.logger.Warnf("Force killing process PID %d", pid)

	if err := process.KillProcessGroup(pid); err != nil {
		s.logger.Debugf("Process group kill failed for PID %d, killing process only: %v", pid, err)
		if err := handle.proc.Kill(); err != nil && !stderrors.Is(err, os.ErrProcessDone) {
			return errors.NewProcessError("failed to kill process", err).WithContext("pid", pid)
		}
	}

	select {
	case <-handle.exited:
		s.logger.Infof("Process PID %d force terminated", pid)
		return nil
	case <-time.After(forceKillWait):
		return errors.NewTimeoutError("process did not terminate even after force termination", nil).WithContext("pid", pid)
	}
}

func removeScratch(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("failed to remove scratch file", err).WithContext("path", path)
	}
	return nil
}

// Pause suspends scheduling of a Ready fixture without terminating it.
func (s *Supervisor) Pause() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.state == StateFailed && errors.IsProcessExitError(s.lastErr) {
		return s.lastErr
	}

	switch s.state {
	case StateReady:
	case StatePaused:
		if s.options.StrictPauseResume {
			return errors.NewInvalidStateError("fixture is already paused", nil).WithContext("fixture", s.options.ID)
		}
		s.logger.Debugf("Fixture %s already paused", s.options.ID)
		return nil
	default:
		return errors.NewInvalidStateError("cannot pause fixture: operation not allowed", nil).
			WithContext("fixture", s.options.ID).WithContext("current_state", string(s.state))
	}

	if s.suspender == nil {
		return errors.NewUnsupportedError("pause is not supported for this fixture", nil).WithContext("fixture", s.options.ID)
	}
	pid := s.handle.proc.Pid
	if err := s.suspender.Suspend(pid); err != nil {
		return errors.NewProcessError("failed to suspend process", err).WithContext("pid", pid)
	}

	s.transitionLocked(StatePaused)
	metrics.RecordSuspension(s.options.ID, true)
	s.logger.Infof("Fixture %s paused, PID: %d", s.options.ID, pid)
	return nil
}

// Resume continues a Paused fixture.
func (s *Supervisor) Resume() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.state == StateFailed && errors.IsProcessExitError(s.lastErr) {
		return s.lastErr
	}

	if s.state != StatePaused {
		if s.options.StrictPauseResume {
			return errors.NewInvalidStateError("fixture is not paused", nil).
				WithContext("fixture", s.options.ID).WithContext("current_state", string(s.state))
		}
		s.logger.Debugf("Fixture %s not paused, resume ignored", s.options.ID)
		return nil
	}

	pid := s.handle.proc.Pid
	if err := s.suspender.Resume(pid); err != nil {
		return errors.NewProcessError("failed to resume process", err).WithContext("pid", pid)
	}

	s.transitionLocked(StateReady)
	metrics.RecordSuspension(s.options.ID, false)
	s.logger.Infof("Fixture %s resumed, PID: %d", s.options.ID, pid)
	return nil
}

// transitionLocked must be called with the mutex held.
func (s *Supervisor) transitionLocked(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.logger.Debugf("State transition: %s -> %s, fixture: %s", from, to, s.options.ID)

	ev := events.StateChangedEvent{FixtureID: s.options.ID, From: string(from), To: string(to)}
	if to == StateFailed {
		ev.Err = s.lastErr
	}
	s.options.Events.Publish(ev)
}
