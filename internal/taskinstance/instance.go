// pattern: Functional Core

// Package taskinstance implements TaskInstance: the per-slot state machine
// of spec.md section 4.2. An Instance owns at most one live child at a
// time and is mutated only by the Supervisor's single event loop — no
// internal locking is required or provided.
package taskinstance

import (
	"fmt"
	"syscall"
	"time"

	"taskmasterd/internal/config"
	"taskmasterd/internal/launcher"
)

// Kind discriminates the tagged InstanceState union of spec.md section 3.
type Kind int

const (
	NotStartedYet Kind = iota
	Starting
	Running
	Backoff
	Stopping
	Stopped
	ExitedExpectedly
	ExitedUnexpectedly
	Fatal
)

func (k Kind) String() string {
	switch k {
	case NotStartedYet:
		return "NotStartedYet"
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case Backoff:
		return "Backoff"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	case ExitedExpectedly:
		return "ExitedExpectedly"
	case ExitedUnexpectedly:
		return "ExitedUnexpectedly"
	case Fatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Alive reports whether a TaskInstance in this Kind owns a live PID, per
// the invariant in spec.md section 3.
func (k Kind) Alive() bool {
	return k == Starting || k == Running || k == Stopping
}

func (k Kind) Terminal() bool {
	switch k {
	case Stopped, ExitedExpectedly, ExitedUnexpectedly, Fatal:
		return true
	default:
		return false
	}
}

// State is the tagged InstanceState union. Only the fields that Kind
// documents as meaningful are populated; the rest are zero. This keeps
// impossible combinations (a PID alongside Fatal, for instance — PID
// lives on Instance.pid, which is cleared on every transition into a
// non-alive Kind) from arising.
type State struct {
	Kind         Kind
	SpawnAt      time.Time      // Starting, Running
	Attempts     int            // Backoff
	SignalSentAt time.Time      // Stopping
	ExitCode     int            // ExitedExpectedly, ExitedUnexpectedly (code exit)
	ExitSignal   syscall.Signal // ExitedUnexpectedly (signal-terminated), 0 otherwise
}

// Key identifies one TaskInstance within its TaskGroup.
type Key struct {
	Program string
	Index   int
}

func (k Key) String() string { return fmt.Sprintf("%s.%d", k.Program, k.Index) }

// Status is a read-only snapshot suitable for ControlSurface responses.
type Status struct {
	Program       string
	Index         int
	State         string
	PID           int
	UptimeSeconds float64
	HasUptime     bool
	LastExit      string
	HasLastExit   bool
}

// Instance is one supervised execution slot. It is re-used across process
// lifetimes: it holds the slot, not the OS child.
type Instance struct {
	key   Key
	pc    config.ProgramConfig
	state State

	// generation increments on every transition that invalidates a
	// previously scheduled timer, so stale timer fires can be ignored
	// without explicit cancellation bookkeeping.
	generation int

	// attempts counts consecutive Backoff re-entries within the current
	// operator start episode (spec.md section 4.2's restart counter
	// semantics). It lives here rather than in State because Spawn
	// replaces State wholesale on every launch; attempts must survive
	// that replacement and is reset only by BeginStartEpisode or by a
	// successful entry to Running.
	attempts int

	pid            int
	handle         *launcher.ChildHandle
	restartPending bool
}

func New(program string, index int, pc config.ProgramConfig) *Instance {
	return &Instance{
		key:   Key{Program: program, Index: index},
		pc:    pc,
		state: State{Kind: NotStartedYet},
	}
}

func (i *Instance) Key() Key                     { return i.key }
func (i *Instance) State() State                 { return i.state }
func (i *Instance) Kind() Kind                   { return i.state.Kind }
func (i *Instance) Generation() int              { return i.generation }
func (i *Instance) Config() config.ProgramConfig { return i.pc }

// SetConfig swaps in a new configuration for fields that affect only
// future transitions. Callers must not use this to change execution
// -affecting fields on a live instance; the Supervisor's reload algorithm
// enforces that by rebuilding the group instead, per spec.md section 4.4.
func (i *Instance) SetConfig(pc config.ProgramConfig) { i.pc = pc }

// CanStart reports whether an operator `start` (or autostart) applies.
func (i *Instance) CanStart() bool {
	return i.state.Kind == NotStartedYet || i.state.Kind.Terminal()
}

// RestartPending reports whether a `restart` command is waiting for this
// instance to reach Stopped before reissuing `start`.
func (i *Instance) RestartPending() bool     { return i.restartPending }
func (i *Instance) SetRestartPending(v bool) { i.restartPending = v }

// BeginStartEpisode resets the attempts counter for a fresh operator
// start, per spec.md section 4.2's restart counter semantics.
func (i *Instance) BeginStartEpisode() {
	i.state = State{Kind: NotStartedYet}
	i.attempts = 0
	i.generation++
}

// Spawn launches the child via launch, recording spawn_at and bumping the
// generation. If starttime is 0 the instance is Running immediately
// (spec.md section 4.2 boundary policy); otherwise it is Starting and the
// caller is responsible for scheduling the starttime timer against the
// returned generation.
func (i *Instance) Spawn(launch func(config.ProgramConfig, int) (*launcher.ChildHandle, error)) (*launcher.ChildHandle, int, error) {
	handle, err := launch(i.pc, i.key.Index)
	i.generation++
	if err != nil {
		return nil, i.generation, err
	}
	i.handle = handle
	i.pid = handle.PID
	now := time.Now()
	if i.pc.StartTime == 0 {
		i.state = State{Kind: Running, SpawnAt: now}
		i.restartPending = false
		i.attempts = 0
	} else {
		i.state = State{Kind: Starting, SpawnAt: now}
	}
	return handle, i.generation, nil
}

// RecordFailedAttempt accounts for a spawn error or a pre-starttime exit,
// which spec.md section 4.2 treats identically. It returns the resulting
// Kind: Backoff if retries remain, Fatal once startretries is exhausted.
func (i *Instance) RecordFailedAttempt() Kind {
	i.attempts++
	i.pid = 0
	i.handle = nil
	i.generation++
	if i.attempts >= i.pc.StartRetries {
		i.state = State{Kind: Fatal}
		return Fatal
	}
	i.state = State{Kind: Backoff, Attempts: i.attempts}
	return Backoff
}

// PromoteToRunning applies the Starting -> Running transition when
// starttime elapses with the child still alive. The caller must check
// Generation() against the generation the timer was scheduled for before
// calling this.
func (i *Instance) PromoteToRunning() {
	i.state = State{Kind: Running, SpawnAt: i.state.SpawnAt}
	i.attempts = 0
}

// ExitOutcome describes what HandleExit decided.
type ExitOutcome struct {
	Kind            Kind
	ShouldAutoStart bool // the exit's autorestart policy says Starting follows immediately
}

// HandleExit applies the exit-notification transitions of spec.md section
// 4.2, dispatching on the instance's current Kind. A Stopping exit is
// always consumed into Stopped, regardless of exit code — it is never
// classified as Expected/Unexpected (spec.md section 9, open question 2).
func (i *Instance) HandleExit(result launcher.ExitResult) ExitOutcome {
	i.pid = 0
	i.handle = nil

	switch i.state.Kind {
	case Stopping:
		i.generation++
		i.state = State{Kind: Stopped}
		return ExitOutcome{Kind: Stopped}

	case Starting:
		// Exited before starttime elapsed: equivalent to a failed attempt.
		kind := i.RecordFailedAttempt()
		return ExitOutcome{Kind: kind}

	case Running:
		i.generation++
		if result.Signal == 0 && i.pc.ExpectedExit(result.ExitCode) {
			i.state = State{Kind: ExitedExpectedly, ExitCode: result.ExitCode}
			should := i.pc.AutoRestart == config.RestartAlways
			return ExitOutcome{Kind: ExitedExpectedly, ShouldAutoStart: should}
		}
		i.state = State{Kind: ExitedUnexpectedly, ExitCode: result.ExitCode, ExitSignal: result.Signal}
		should := i.pc.AutoRestart == config.RestartAlways || i.pc.AutoRestart == config.RestartUnexpected
		return ExitOutcome{Kind: ExitedUnexpectedly, ShouldAutoStart: should}

	default:
		// An exit notification for an instance not currently tracking a
		// live child: a race already resolved by a prior event. Ignored.
		return ExitOutcome{Kind: i.state.Kind}
	}
}

// BeginStop sends stopsignal and transitions Starting/Running to Stopping.
// Returns false if the instance has no live child to stop (a no-op).
func (i *Instance) BeginStop(sendSignal func(pid int, sig syscall.Signal) error) bool {
	if !i.state.Kind.Alive() || i.state.Kind == Stopping {
		return false
	}
	pid := i.pid
	sig, _ := config.ResolveSignal(i.pc.StopSignal)
	i.generation++
	i.state = State{Kind: Stopping, SignalSentAt: time.Now()}
	_ = sendSignal(pid, sig) // SignalError is absorbed: the child may already be gone.
	return true
}

// EscalateToKill sends SIGKILL, used when stoptime elapses with the child
// still alive, or immediately when stoptime is 0 (spec.md section 4.2).
func (i *Instance) EscalateToKill(sendSignal func(pid int, sig syscall.Signal) error) {
	if i.state.Kind != Stopping {
		return
	}
	_ = sendSignal(i.pid, syscall.SIGKILL)
}

func (i *Instance) PID() int { return i.pid }

func (i *Instance) Snapshot() Status {
	st := Status{Program: i.key.Program, Index: i.key.Index, State: i.state.Kind.String()}
	if i.state.Kind.Alive() {
		st.PID = i.pid
		if !i.state.SpawnAt.IsZero() {
			st.UptimeSeconds = time.Since(i.state.SpawnAt).Seconds()
			st.HasUptime = true
		}
	}
	switch i.state.Kind {
	case ExitedExpectedly:
		st.LastExit = fmt.Sprintf("code %d", i.state.ExitCode)
		st.HasLastExit = true
	case ExitedUnexpectedly:
		if i.state.ExitSignal != 0 {
			st.LastExit = fmt.Sprintf("signal %s", i.state.ExitSignal)
		} else {
			st.LastExit = fmt.Sprintf("code %d", i.state.ExitCode)
		}
		st.HasLastExit = true
	}
	return st
}
