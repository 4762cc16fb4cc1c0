// pattern: Imperative Shell

// Package supervisor implements the Supervisor: the reconciliation core of
// spec.md section 4.4. It is the single writer of every TaskInstance's
// state, multiplexing timers, child-exit notifications, operator
// commands, and reload requests on one goroutine.
package supervisor

import (
	"fmt"
	"sort"
	"syscall"
	"time"

	"taskmasterd/internal/config"
	"taskmasterd/internal/launcher"
	"taskmasterd/internal/logging"
	"taskmasterd/internal/taskgroup"
	"taskmasterd/internal/taskinstance"
)

// Op names one of the six operator commands of spec.md section 6.
type Op string

const (
	OpStart    Op = "start"
	OpStop     Op = "stop"
	OpRestart  Op = "restart"
	OpStatus   Op = "status"
	OpReload   Op = "reload"
	OpShutdown Op = "shutdown"
)

// Command is one operator request, enqueued by a ControlSurface. Program
// is required for start/stop/restart, optional (meaning "every program")
// for status, and ignored for reload/shutdown.
type Command struct {
	Op      Op
	Program string
	Reply   chan Response
}

// Response is returned to exactly one Command, matching spec.md section
// 4.5's "one request, one response".
type Response struct {
	OK      bool
	Payload any // []taskinstance.Status, or a string message
	Err     error
}

// LaunchFunc spawns one instance; substituted with a fake in tests.
type LaunchFunc func(config.ProgramConfig, int) (*launcher.ChildHandle, error)

// SignalFunc delivers a signal to an instance's process group; substituted
// with a fake in tests so unit tests never call syscall.Kill against a
// fabricated PID.
type SignalFunc func(pid int, sig syscall.Signal) error

// ConfigLoader re-reads and validates the configuration document from its
// source, used by the reload path. The core never parses configuration
// itself (spec.md section 1): this is the seam where the already-parsed
// value re-enters.
type ConfigLoader func() (config.Document, error)

type timerKind int

const (
	timerStartTime timerKind = iota
	timerStopTime
	timerBackoffRetry
	timerShutdownDeadline
)

type timerEvent struct {
	key        taskinstance.Key
	generation int
	kind       timerKind
}

type exitEvent struct {
	key        taskinstance.Key
	generation int
	result     launcher.ExitResult
}

type reloadRequest struct{}

// InternalInvariantViolation reports a runtime contradiction of the
// TaskInstance invariants in spec.md section 3 (e.g. an Alive instance
// observed with no live PID). It is never expected to occur; detecting
// one logs at fatal severity and aborts the daemon rather than risk
// acting on corrupted state (spec.md section 7).
type InternalInvariantViolation struct {
	Detail string
}

func (e *InternalInvariantViolation) Error() string {
	return fmt.Sprintf("internal invariant violated: %s", e.Detail)
}

// Supervisor is the reconciliation core. Construct with New, load an
// initial configuration with LoadInitial, then run it with Run.
type Supervisor struct {
	launch LaunchFunc
	signal SignalFunc
	loader ConfigLoader
	logs   logging.LoggerProvider

	groups         map[string]*taskgroup.Group
	pendingReplace map[string]*config.ProgramConfig // nil value means "remove"
	loggers        map[string]*logging.ScopedLogger

	cmdCh    chan Command
	exitCh   chan exitEvent
	timerCh  chan timerEvent
	reloadCh chan reloadRequest

	shuttingDown  bool
	shutdownReply chan Response
	done          chan struct{}
}

func New(launch LaunchFunc, signal SignalFunc, loader ConfigLoader, logs logging.LoggerProvider) *Supervisor {
	return &Supervisor{
		launch:         launch,
		signal:         signal,
		loader:         loader,
		logs:           logs,
		groups:         make(map[string]*taskgroup.Group),
		pendingReplace: make(map[string]*config.ProgramConfig),
		loggers:        make(map[string]*logging.ScopedLogger),
		cmdCh:          make(chan Command, 16),
		exitCh:         make(chan exitEvent, 64),
		timerCh:        make(chan timerEvent, 64),
		reloadCh:       make(chan reloadRequest, 4),
		done:           make(chan struct{}),
	}
}

// Commands returns the channel ControlSurface enqueues operator commands
// on.
func (s *Supervisor) Commands() chan<- Command { return s.cmdCh }

// TriggerReload enqueues a reload event, the same one a SIGHUP or an
// operator `reload` command enqueues (spec.md section 4.4).
func (s *Supervisor) TriggerReload() {
	select {
	case s.reloadCh <- reloadRequest{}:
	case <-s.done:
	}
}

func (s *Supervisor) log(program string) *logging.ScopedLogger {
	if l, ok := s.loggers[program]; ok {
		return l
	}
	l := s.logs.For("program." + program)
	s.loggers[program] = l
	return l
}

// LoadInitial populates the group map from doc and honors autostart for
// every program, matching daemon boot.
func (s *Supervisor) LoadInitial(doc config.Document) {
	for name, pc := range doc.Programs {
		g := taskgroup.New(name, pc)
		s.groups[name] = g
		if pc.AutoStart {
			for _, inst := range g.Instances {
				s.beginStart(inst)
			}
		}
	}
}

// Run is the single event loop. It returns once shutdown has completed
// (every instance Stopped or force-killed).
func (s *Supervisor) Run() {
	defer close(s.done)
	for {
		select {
		case cmd := <-s.cmdCh:
			s.handleCommand(cmd)
		case ev := <-s.exitCh:
			s.handleExit(ev)
		case ev := <-s.timerCh:
			s.handleTimer(ev)
		case <-s.reloadCh:
			if err := s.reload(); err != nil {
				s.log("daemon").Warn("reload rejected", "error", err)
			}
		}
		if s.shuttingDown && s.allIdle() {
			if s.shutdownReply != nil {
				s.shutdownReply <- Response{OK: true, Payload: "shutdown complete"}
				s.shutdownReply = nil
			}
			return
		}
	}
}

func (s *Supervisor) allIdle() bool {
	for _, g := range s.groups {
		if !g.AllTerminalOrIdle() {
			return false
		}
	}
	return true
}

// --- spawning and timers -----------------------------------------------

func (s *Supervisor) beginStart(inst *taskinstance.Instance) {
	if !inst.CanStart() {
		return
	}
	inst.BeginStartEpisode()
	s.doSpawn(inst)
}

func (s *Supervisor) doSpawn(inst *taskinstance.Instance) {
	handle, gen, err := inst.Spawn(s.launch)
	key := inst.Key()
	if err != nil {
		s.log(key.Program).Warn("spawn failed", "instance", key.Index, "error", err)
		s.afterFailedAttempt(inst)
		return
	}
	s.log(key.Program).Info("spawned", "instance", key.Index, "pid", handle.PID)
	s.checkAlive(inst)
	s.forwardExit(key, gen, handle)

	switch inst.Kind() {
	case taskinstance.Running:
		s.log(key.Program).Info("running", "instance", key.Index, "pid", handle.PID)
	case taskinstance.Starting:
		s.scheduleTimer(time.Duration(inst.Config().StartTime)*time.Second, key, gen, timerStartTime)
	}
}

func (s *Supervisor) afterFailedAttempt(inst *taskinstance.Instance) {
	kind := inst.RecordFailedAttempt()
	s.onBackoffOutcome(inst, kind)
}

// onBackoffOutcome logs and, for Backoff, schedules the zero-delay retry
// timer that drives the instance back through doSpawn. Shared by the
// synchronous spawn-error path (afterFailedAttempt) and the asynchronous
// pre-starttime exit path (handleExit), since spec.md section 4.2 treats
// the two identically.
func (s *Supervisor) onBackoffOutcome(inst *taskinstance.Instance, kind taskinstance.Kind) {
	key := inst.Key()
	switch kind {
	case taskinstance.Fatal:
		s.log(key.Program).Error("exhausted startretries, instance is fatal", "instance", key.Index)
	case taskinstance.Backoff:
		s.log(key.Program).Warn("backing off", "instance", key.Index, "attempts", inst.State().Attempts)
		s.scheduleTimer(0, key, inst.Generation(), timerBackoffRetry)
	}
}

// forwardExit starts the cooperative, mutation-free goroutine that
// delivers a child's single exit observation onto the Supervisor's queue
// (spec.md section 5).
func (s *Supervisor) forwardExit(key taskinstance.Key, gen int, handle *launcher.ChildHandle) {
	go func() {
		select {
		case result := <-handle.Exit():
			select {
			case s.exitCh <- exitEvent{key: key, generation: gen, result: result}:
			case <-s.done:
			}
		case <-s.done:
		}
	}()
}

func (s *Supervisor) scheduleTimer(d time.Duration, key taskinstance.Key, gen int, kind timerKind) {
	time.AfterFunc(d, func() {
		select {
		case s.timerCh <- timerEvent{key: key, generation: gen, kind: kind}:
		case <-s.done:
		}
	})
}

// checkAlive enforces spec.md section 3's invariant that a TaskInstance in
// {Starting, Running, Stopping} owns exactly one live PID. A violation
// here means the state machine itself is corrupted, not a recoverable
// race, so it is fatal.
func (s *Supervisor) checkAlive(inst *taskinstance.Instance) {
	if inst.Kind().Alive() && inst.PID() <= 0 {
		v := &InternalInvariantViolation{
			Detail: fmt.Sprintf("%s: %s instance has no live PID", inst.Key(), inst.Kind()),
		}
		s.log(inst.Key().Program).Fatal(v.Error())
	}
}

func (s *Supervisor) instance(key taskinstance.Key) *taskinstance.Instance {
	g, ok := s.groups[key.Program]
	if !ok || key.Index < 0 || key.Index >= len(g.Instances) {
		return nil
	}
	return g.Instances[key.Index]
}

// --- event handlers ------------------------------------------------------

func (s *Supervisor) handleExit(ev exitEvent) {
	inst := s.instance(ev.key)
	if inst == nil || inst.Generation() != ev.generation {
		return // stale: a faster transition already resolved this instance.
	}
	wasStopping := inst.Kind() == taskinstance.Stopping
	wasStarting := inst.Kind() == taskinstance.Starting
	outcome := inst.HandleExit(ev.result)
	s.log(ev.key.Program).Info("exited", "instance", ev.key.Index, "state", outcome.Kind.String())

	if wasStopping {
		s.maybeFinishPendingReplacement(ev.key.Program)
		s.maybeFollowUpRestart(inst)
		return
	}
	if wasStarting {
		// Exited before starttime elapsed: HandleExit already folded this
		// into RecordFailedAttempt; drive the same Backoff/Fatal follow-up
		// as a synchronous spawn error (spec.md section 4.2).
		s.onBackoffOutcome(inst, outcome.Kind)
		return
	}
	if outcome.ShouldAutoStart {
		inst.BeginStartEpisode()
		s.doSpawn(inst)
	}
}

func (s *Supervisor) handleTimer(ev timerEvent) {
	if ev.kind == timerShutdownDeadline {
		// Not tied to any one instance: no stale-generation check applies.
		s.forceKillEverything()
		return
	}

	inst := s.instance(ev.key)
	if inst == nil || inst.Generation() != ev.generation {
		return // invalidated by a faster transition; inert.
	}
	switch ev.kind {
	case timerStartTime:
		if inst.Kind() == taskinstance.Starting {
			inst.PromoteToRunning()
			s.log(ev.key.Program).Info("running", "instance", ev.key.Index, "pid", inst.PID())
		}
	case timerStopTime:
		if inst.Kind() == taskinstance.Stopping {
			inst.EscalateToKill(s.signal)
			s.log(ev.key.Program).Warn("stoptime elapsed, sent SIGKILL", "instance", ev.key.Index)
		}
	case timerBackoffRetry:
		if inst.Kind() == taskinstance.Backoff {
			s.doSpawn(inst)
		}
	}
}

// reload re-reads configuration from the loader and applies it, per
// spec.md section 4.4. A load/validation error rejects the reload and
// leaves every group untouched.
func (s *Supervisor) reload() error {
	doc, err := s.loader()
	if err != nil {
		return fmt.Errorf("reload rejected: %w", err)
	}
	s.applyReload(doc)
	return nil
}

func (s *Supervisor) handleCommand(cmd Command) {
	switch cmd.Op {
	case OpStart:
		s.handleStart(cmd)
	case OpStop:
		s.handleStop(cmd)
	case OpRestart:
		s.handleRestart(cmd)
	case OpStatus:
		s.handleStatus(cmd)
	case OpReload:
		if err := s.reload(); err != nil {
			cmd.Reply <- Response{OK: false, Err: err}
			return
		}
		cmd.Reply <- Response{OK: true, Payload: "reload applied"}
	case OpShutdown:
		s.handleShutdown(cmd)
	default:
		cmd.Reply <- Response{OK: false, Err: fmt.Errorf("unknown op %q", cmd.Op)}
	}
}

func (s *Supervisor) handleStart(cmd Command) {
	g, ok := s.groups[cmd.Program]
	if !ok {
		cmd.Reply <- Response{OK: false, Err: fmt.Errorf("no such program %q", cmd.Program)}
		return
	}
	for _, inst := range g.Instances {
		s.beginStart(inst)
	}
	cmd.Reply <- Response{OK: true, Payload: "start initiated"}
}

func (s *Supervisor) handleStop(cmd Command) {
	g, ok := s.groups[cmd.Program]
	if !ok {
		cmd.Reply <- Response{OK: false, Err: fmt.Errorf("no such program %q", cmd.Program)}
		return
	}
	for _, inst := range g.Instances {
		s.beginStop(inst)
	}
	cmd.Reply <- Response{OK: true, Payload: "stop initiated"}
}

func (s *Supervisor) handleRestart(cmd Command) {
	g, ok := s.groups[cmd.Program]
	if !ok {
		cmd.Reply <- Response{OK: false, Err: fmt.Errorf("no such program %q", cmd.Program)}
		return
	}
	for _, inst := range g.Instances {
		if inst.Kind().Alive() {
			inst.SetRestartPending(true)
			s.beginStop(inst)
		} else {
			s.beginStart(inst)
		}
	}
	cmd.Reply <- Response{OK: true, Payload: "restart initiated"}
}

func (s *Supervisor) handleStatus(cmd Command) {
	if cmd.Program != "" {
		g, ok := s.groups[cmd.Program]
		if !ok {
			cmd.Reply <- Response{OK: false, Err: fmt.Errorf("no such program %q", cmd.Program)}
			return
		}
		cmd.Reply <- Response{OK: true, Payload: g.Snapshot()}
		return
	}
	names := make([]string, 0, len(s.groups))
	for name := range s.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	all := make([]taskinstance.Status, 0)
	for _, name := range names {
		all = append(all, s.groups[name].Snapshot()...)
	}
	cmd.Reply <- Response{OK: true, Payload: all}
}

func (s *Supervisor) handleShutdown(cmd Command) {
	s.shuttingDown = true
	s.shutdownReply = cmd.Reply
	maxStop := 0
	for _, g := range s.groups {
		if g.Config.StopTime > maxStop {
			maxStop = g.Config.StopTime
		}
		for _, inst := range g.Instances {
			s.beginStop(inst)
		}
	}
	deadline := time.Duration(2*maxStop+1) * time.Second
	s.scheduleTimer(deadline, taskinstance.Key{}, 0, timerShutdownDeadline)
	if s.allIdle() {
		cmd.Reply <- Response{OK: true, Payload: "shutdown complete"}
		s.shutdownReply = nil
	}
}

func (s *Supervisor) forceKillEverything() {
	for _, g := range s.groups {
		for _, inst := range g.Instances {
			if inst.Kind() == taskinstance.Stopping {
				inst.EscalateToKill(s.signal)
			}
		}
	}
}

func (s *Supervisor) beginStop(inst *taskinstance.Instance) {
	key := inst.Key()
	if !inst.Kind().Alive() {
		return
	}
	s.checkAlive(inst)
	started := inst.BeginStop(s.signal)
	if !started {
		return
	}
	pc := inst.Config()
	if pc.StopTime == 0 {
		inst.EscalateToKill(s.signal)
		return
	}
	s.scheduleTimer(time.Duration(pc.StopTime)*time.Second, key, inst.Generation(), timerStopTime)
}

func (s *Supervisor) maybeFollowUpRestart(inst *taskinstance.Instance) {
	if inst.Kind() == taskinstance.Stopped && inst.RestartPending() {
		inst.SetRestartPending(false)
		// No restart while shutting down, or for an instance whose group is
		// being retired or has already been replaced by a reload.
		_, retiring := s.pendingReplace[inst.Key().Program]
		if !s.shuttingDown && !retiring && s.instance(inst.Key()) == inst {
			s.beginStart(inst)
		}
	}
}

// --- reload ---------------------------------------------------------------

// applyReload implements the algorithm of spec.md section 4.4: unchanged
// programs are swapped in place, execution-affecting changes (and
// numprocs changes) retire the old group and build a fresh one only once
// every instance has reached Stopped, absent programs are retired the same
// way and then removed, and new programs are created outright.
func (s *Supervisor) applyReload(doc config.Document) {
	for name, pc := range doc.Programs {
		g, exists := s.groups[name]
		if !exists {
			s.createGroup(name, pc)
			continue
		}
		if g.Config.Fingerprint() == pc.Fingerprint() {
			g.ApplyConfig(pc)
			continue
		}
		newPC := pc
		s.pendingReplace[name] = &newPC
		s.retireGroup(g)
	}
	for name, g := range s.groups {
		if _, stillPresent := doc.Programs[name]; stillPresent {
			continue
		}
		if _, pending := s.pendingReplace[name]; pending {
			continue
		}
		s.pendingReplace[name] = nil
		s.retireGroup(g)
	}
	// Programs with no live instances can resolve immediately.
	for name := range s.pendingReplace {
		s.maybeFinishPendingReplacement(name)
	}
}

func (s *Supervisor) retireGroup(g *taskgroup.Group) {
	for _, inst := range g.Instances {
		s.beginStop(inst)
	}
}

func (s *Supervisor) createGroup(name string, pc config.ProgramConfig) {
	g := taskgroup.New(name, pc)
	s.groups[name] = g
	if pc.AutoStart {
		for _, inst := range g.Instances {
			s.beginStart(inst)
		}
	}
}

func (s *Supervisor) maybeFinishPendingReplacement(name string) {
	newPC, pending := s.pendingReplace[name]
	if !pending {
		return
	}
	g, ok := s.groups[name]
	if !ok || !g.AllTerminalOrIdle() {
		return
	}
	delete(s.pendingReplace, name)
	delete(s.groups, name)
	s.log(name).Info("retired group", "numprocs", len(g.Instances))
	if newPC != nil {
		s.createGroup(name, *newPC)
	}
}
