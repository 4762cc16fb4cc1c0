package taskinstance

import (
	"errors"
	"syscall"
	"testing"

	"taskmasterd/internal/config"
	"taskmasterd/internal/launcher"
)

func cfg(overrides func(*config.ProgramConfig)) config.ProgramConfig {
	pc := config.ProgramConfig{
		Cmd:          "/bin/true",
		NumProcs:     1,
		StartRetries: 3,
		StartTime:    1,
		StopTime:     1,
		StopSignal:   "SIGTERM",
		ExitCodes:    []int{0},
		AutoRestart:  config.RestartUnexpected,
	}
	if overrides != nil {
		overrides(&pc)
	}
	return pc
}

func fakeLaunch(handle *launcher.ChildHandle, err error) func(config.ProgramConfig, int) (*launcher.ChildHandle, error) {
	return func(config.ProgramConfig, int) (*launcher.ChildHandle, error) { return handle, err }
}

func TestStartTimeZeroIsImmediatelyRunning(t *testing.T) {
	inst := New("webapp", 0, cfg(func(pc *config.ProgramConfig) { pc.StartTime = 0 }))
	handle := &launcher.ChildHandle{PID: 42}
	_, _, err := inst.Spawn(fakeLaunch(handle, nil))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if inst.Kind() != Running {
		t.Errorf("Kind: got %v, want Running", inst.Kind())
	}
}

func TestStartTimeNonZeroIsStartingUntilPromoted(t *testing.T) {
	inst := New("webapp", 0, cfg(nil))
	handle := &launcher.ChildHandle{PID: 42}
	_, _, err := inst.Spawn(fakeLaunch(handle, nil))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if inst.Kind() != Starting {
		t.Errorf("Kind: got %v, want Starting", inst.Kind())
	}
	inst.PromoteToRunning()
	if inst.Kind() != Running {
		t.Errorf("Kind: got %v, want Running", inst.Kind())
	}
}

func TestSpawnFailureCountsAsAttempt(t *testing.T) {
	inst := New("flaky", 0, cfg(func(pc *config.ProgramConfig) { pc.StartRetries = 3 }))
	_, _, err := inst.Spawn(fakeLaunch(nil, errors.New("boom")))
	if err == nil {
		t.Fatal("expected spawn error")
	}
	kind := inst.RecordFailedAttempt()
	if kind != Backoff {
		t.Errorf("Kind: got %v, want Backoff", kind)
	}
	if inst.State().Attempts != 1 {
		t.Errorf("Attempts: got %d, want 1", inst.State().Attempts)
	}
}

func TestExhaustingStartRetriesReachesFatal(t *testing.T) {
	inst := New("flaky", 0, cfg(func(pc *config.ProgramConfig) { pc.StartRetries = 3 }))
	var lastKind Kind
	for n := 0; n < 3; n++ {
		lastKind = inst.RecordFailedAttempt()
	}
	if lastKind != Fatal {
		t.Errorf("after 3 failures with startretries=3: got %v, want Fatal", lastKind)
	}
	if inst.State().Attempts != 0 {
		t.Errorf("Fatal state should carry no Attempts payload, got %d", inst.State().Attempts)
	}
}

func TestAttemptsSurviveRespawnBetweenBackoffCycles(t *testing.T) {
	// spec.md section 4.2: a child that exits before starttime elapses is
	// a failed attempt, and attempts must accumulate across repeated
	// Backoff->Starting respawns within one start episode, not reset on
	// every successful exec.
	inst := New("flaky", 0, cfg(func(pc *config.ProgramConfig) { pc.StartRetries = 3 }))

	for n := 1; n <= 2; n++ {
		_, _, err := inst.Spawn(fakeLaunch(&launcher.ChildHandle{PID: 100 + n}, nil))
		if err != nil {
			t.Fatalf("Spawn %d: %v", n, err)
		}
		if inst.Kind() != Starting {
			t.Fatalf("Spawn %d: Kind = %v, want Starting", n, inst.Kind())
		}
		kind := inst.RecordFailedAttempt()
		if kind != Backoff {
			t.Fatalf("attempt %d: Kind = %v, want Backoff", n, kind)
		}
		if inst.State().Attempts != n {
			t.Fatalf("attempt %d: Attempts = %d, want %d", n, inst.State().Attempts, n)
		}
	}

	// Third respawn-then-exit exhausts startretries.
	if _, _, err := inst.Spawn(fakeLaunch(&launcher.ChildHandle{PID: 999}, nil)); err != nil {
		t.Fatalf("final Spawn: %v", err)
	}
	if kind := inst.RecordFailedAttempt(); kind != Fatal {
		t.Errorf("final attempt: Kind = %v, want Fatal", kind)
	}
}

func TestPromoteToRunningResetsAttempts(t *testing.T) {
	inst := New("flaky", 0, cfg(func(pc *config.ProgramConfig) { pc.StartRetries = 3 }))
	if _, _, err := inst.Spawn(fakeLaunch(&launcher.ChildHandle{PID: 1}, nil)); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if kind := inst.RecordFailedAttempt(); kind != Backoff {
		t.Fatalf("Kind: got %v, want Backoff", kind)
	}

	if _, _, err := inst.Spawn(fakeLaunch(&launcher.ChildHandle{PID: 2}, nil)); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	inst.PromoteToRunning()
	if inst.attempts != 0 {
		t.Fatalf("attempts after PromoteToRunning: got %d, want 0", inst.attempts)
	}

	// A fresh Backoff episode after a successful Running should start
	// counting from 1 again, not continue from the earlier attempt.
	if kind := inst.HandleExit(launcher.ExitResult{ExitCode: 1}); kind.Kind != ExitedUnexpectedly {
		t.Fatalf("HandleExit: got %v, want ExitedUnexpectedly", kind.Kind)
	}
	inst.BeginStartEpisode()
	if _, _, err := inst.Spawn(fakeLaunch(&launcher.ChildHandle{PID: 3}, nil)); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if kind := inst.RecordFailedAttempt(); kind != Backoff {
		t.Fatalf("Kind: got %v, want Backoff", kind)
	}
	if inst.State().Attempts != 1 {
		t.Errorf("Attempts: got %d, want 1 (reset after the earlier Running)", inst.State().Attempts)
	}
}

func TestRunningExitInExitCodesIsExpected(t *testing.T) {
	inst := New("webapp", 0, cfg(func(pc *config.ProgramConfig) {
		pc.ExitCodes = []int{0, 2}
		pc.AutoRestart = config.RestartUnexpected
	}))
	handle := &launcher.ChildHandle{PID: 1}
	inst.Spawn(fakeLaunch(handle, nil))
	inst.PromoteToRunning()

	outcome := inst.HandleExit(launcher.ExitResult{ExitCode: 2})
	if outcome.Kind != ExitedExpectedly {
		t.Errorf("Kind: got %v, want ExitedExpectedly", outcome.Kind)
	}
	if outcome.ShouldAutoStart {
		t.Errorf("autorestart=unexpected should not restart an expected exit")
	}
}

func TestRunningExitOutsideExitCodesIsUnexpected(t *testing.T) {
	inst := New("webapp", 0, cfg(func(pc *config.ProgramConfig) {
		pc.AutoRestart = config.RestartAlways
	}))
	handle := &launcher.ChildHandle{PID: 1}
	inst.Spawn(fakeLaunch(handle, nil))
	inst.PromoteToRunning()

	outcome := inst.HandleExit(launcher.ExitResult{ExitCode: 1})
	if outcome.Kind != ExitedUnexpectedly {
		t.Errorf("Kind: got %v, want ExitedUnexpectedly", outcome.Kind)
	}
	if !outcome.ShouldAutoStart {
		t.Errorf("autorestart=always should restart an unexpected exit")
	}
}

func TestExitDuringStoppingIsConsumedNeverClassified(t *testing.T) {
	inst := New("webapp", 0, cfg(func(pc *config.ProgramConfig) {
		pc.AutoRestart = config.RestartAlways
		pc.ExitCodes = []int{99} // exit(0) below would be unexpected if classified
	}))
	handle := &launcher.ChildHandle{PID: 1}
	inst.Spawn(fakeLaunch(handle, nil))
	inst.PromoteToRunning()
	inst.BeginStop(func(int, syscall.Signal) error { return nil })

	outcome := inst.HandleExit(launcher.ExitResult{ExitCode: 0})
	if outcome.Kind != Stopped {
		t.Errorf("Kind: got %v, want Stopped (exit during Stopping must be consumed)", outcome.Kind)
	}
	if outcome.ShouldAutoStart {
		t.Errorf("a consumed stop-induced exit must never trigger autorestart")
	}
}

func TestStopOnNonAliveInstanceIsNoOp(t *testing.T) {
	inst := New("webapp", 0, cfg(nil))
	if inst.BeginStop(func(int, syscall.Signal) error { return nil }) {
		t.Errorf("BeginStop on NotStartedYet should be a no-op")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	inst := New("webapp", 0, cfg(nil))
	handle := &launcher.ChildHandle{PID: 1}
	inst.Spawn(fakeLaunch(handle, nil))
	inst.PromoteToRunning()

	sent := 0
	send := func(int, syscall.Signal) error { sent++; return nil }
	if !inst.BeginStop(send) {
		t.Fatalf("first stop should transition to Stopping")
	}
	if inst.BeginStop(send) {
		t.Errorf("second stop on an already-Stopping instance should be a no-op")
	}
	if sent != 1 {
		t.Errorf("signal should be sent exactly once across both stop calls, got %d", sent)
	}
}

func TestCanStartAfterTerminalStates(t *testing.T) {
	for _, k := range []Kind{Stopped, ExitedExpectedly, ExitedUnexpectedly, Fatal} {
		inst := &Instance{key: Key{Program: "x"}, pc: cfg(nil), state: State{Kind: k}}
		if !inst.CanStart() {
			t.Errorf("CanStart() should be true in terminal state %v", k)
		}
	}
}
