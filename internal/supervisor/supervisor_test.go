package supervisor

import (
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"taskmasterd/internal/config"
	"taskmasterd/internal/launcher"
	"taskmasterd/internal/logging"
	"taskmasterd/internal/taskinstance"
)

func pc(overrides func(*config.ProgramConfig)) config.ProgramConfig {
	p := config.ProgramConfig{
		Cmd:          "/bin/true",
		NumProcs:     1,
		StartRetries: 3,
		StartTime:    0,
		StopTime:     0,
		StopSignal:   "SIGTERM",
		ExitCodes:    []int{0},
		AutoStart:    false,
		AutoRestart:  config.RestartNever,
	}
	if overrides != nil {
		overrides(&p)
	}
	return p
}

func pidAllocator() func(config.ProgramConfig, int) (*launcher.ChildHandle, error) {
	var mu sync.Mutex
	next := 1000
	return func(config.ProgramConfig, int) (*launcher.ChildHandle, error) {
		mu.Lock()
		next++
		pid := next
		mu.Unlock()
		return &launcher.ChildHandle{PID: pid}, nil
	}
}

func nopSignal(int, syscall.Signal) error { return nil }

func noReload() (config.Document, error) { return config.DefaultDocument(), nil }

func newTestSupervisor(launch LaunchFunc) *Supervisor {
	return New(launch, nopSignal, noReload, logging.NewTestLogManager(256))
}

func ask(t *testing.T, s *Supervisor, op Op, program string) Response {
	t.Helper()
	reply := make(chan Response, 1)
	s.Commands() <- Command{Op: op, Program: program, Reply: reply}
	select {
	case r := <-reply:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("command timed out")
		return Response{}
	}
}

func TestStartCommandRunsImmediatelyWithZeroStartTime(t *testing.T) {
	s := newTestSupervisor(pidAllocator())
	s.LoadInitial(config.Document{Programs: map[string]config.ProgramConfig{
		"webapp": pc(nil),
	}})
	go s.Run()
	defer s.requestStopForTest()

	resp := ask(t, s, OpStart, "webapp")
	if !resp.OK {
		t.Fatalf("start: %v", resp.Err)
	}

	resp = ask(t, s, OpStatus, "webapp")
	statuses := resp.Payload.([]taskinstance.Status)
	if len(statuses) != 1 || statuses[0].State != "Running" {
		t.Fatalf("status: got %+v, want one Running instance", statuses)
	}
}

func TestStatusWithNoProgramReturnsEveryGroup(t *testing.T) {
	s := newTestSupervisor(pidAllocator())
	s.LoadInitial(config.Document{Programs: map[string]config.ProgramConfig{
		"webapp": pc(func(p *config.ProgramConfig) { p.NumProcs = 2 }),
		"worker": pc(nil),
	}})
	go s.Run()
	defer s.requestStopForTest()

	resp := ask(t, s, OpStatus, "")
	statuses := resp.Payload.([]taskinstance.Status)
	if len(statuses) != 3 {
		t.Fatalf("len(statuses): got %d, want 3", len(statuses))
	}
}

func TestAutoStartHonoredOnLoadInitial(t *testing.T) {
	s := newTestSupervisor(pidAllocator())
	s.LoadInitial(config.Document{Programs: map[string]config.ProgramConfig{
		"webapp": pc(func(p *config.ProgramConfig) { p.AutoStart = true }),
	}})
	go s.Run()
	defer s.requestStopForTest()

	resp := ask(t, s, OpStatus, "webapp")
	statuses := resp.Payload.([]taskinstance.Status)
	if statuses[0].State != "Running" {
		t.Errorf("State: got %s, want Running", statuses[0].State)
	}
}

func TestStopCommandMovesAliveInstanceOutOfRunning(t *testing.T) {
	s := newTestSupervisor(pidAllocator())
	s.LoadInitial(config.Document{Programs: map[string]config.ProgramConfig{
		"webapp": pc(func(p *config.ProgramConfig) { p.AutoStart = true }),
	}})
	go s.Run()
	defer s.requestStopForTest()

	ask(t, s, OpStatus, "webapp") // wait for the event loop to process LoadInitial's spawns
	resp := ask(t, s, OpStop, "webapp")
	if !resp.OK {
		t.Fatalf("stop: %v", resp.Err)
	}

	// StopTime defaults to 0 in pc(), so beginStop escalates straight to
	// SIGKILL without a live child ever reporting exit; the instance stays
	// Stopping until an exit notification arrives. Assert the transition
	// at least left Running.
	resp = ask(t, s, OpStatus, "webapp")
	statuses := resp.Payload.([]taskinstance.Status)
	if statuses[0].State == "Running" {
		t.Errorf("State: still Running after stop, want Stopping or terminal")
	}
}

func TestUnknownProgramCommandsReturnError(t *testing.T) {
	s := newTestSupervisor(pidAllocator())
	s.LoadInitial(config.Document{})
	go s.Run()
	defer s.requestStopForTest()

	for _, op := range []Op{OpStart, OpStop, OpRestart} {
		resp := ask(t, s, op, "ghost")
		if resp.OK {
			t.Errorf("%s on unknown program: expected failure", op)
		}
	}
}

func TestReloadInPlaceForUnchangedFingerprint(t *testing.T) {
	doc := config.Document{Programs: map[string]config.ProgramConfig{
		"webapp": pc(nil),
	}}
	loader := func() (config.Document, error) { return doc, nil }
	s := New(pidAllocator(), nopSignal, loader, logging.NewTestLogManager(256))
	s.LoadInitial(doc)
	go s.Run()
	defer s.requestStopForTest()

	resp := ask(t, s, OpReload, "")
	if !resp.OK {
		t.Fatalf("reload: %v", resp.Err)
	}
	if _, pending := s.pendingReplace["webapp"]; pending {
		t.Errorf("an unchanged fingerprint should never enter pendingReplace")
	}
}

func TestReloadRetiresGroupOnExecutionAffectingChange(t *testing.T) {
	original := pc(nil)
	changed := pc(func(p *config.ProgramConfig) { p.Cmd = "/bin/false" })
	var mu sync.Mutex
	current := original
	loader := func() (config.Document, error) {
		mu.Lock()
		defer mu.Unlock()
		return config.Document{Programs: map[string]config.ProgramConfig{"webapp": current}}, nil
	}
	s := New(pidAllocator(), nopSignal, loader, logging.NewTestLogManager(256))
	s.LoadInitial(config.Document{Programs: map[string]config.ProgramConfig{"webapp": original}})

	mu.Lock()
	current = changed
	mu.Unlock()

	go s.Run()
	defer s.requestStopForTest()

	resp := ask(t, s, OpReload, "")
	if !resp.OK {
		t.Fatalf("reload: %v", resp.Err)
	}
	// The fresh group carries the new Cmd immediately since the instance
	// never started running (NumProcs=1, AutoStart=false in both configs).
	resp = ask(t, s, OpStatus, "webapp")
	statuses := resp.Payload.([]taskinstance.Status)
	if len(statuses) != 1 {
		t.Fatalf("len(statuses): got %d, want 1", len(statuses))
	}
}

// TestQuickExitRetriesThenReachesFatal covers spec.md section 8 scenario
// 2: a program that execs successfully but exits before starttime elapses
// must count each such exit as a failed attempt and retry until
// startretries is exhausted, landing on Fatal rather than getting stuck
// in Backoff forever. Uses a real spawned /bin/false, exercising
// internal/launcher end to end, since the bug this guards against was in
// the interaction between the real exit-notification path and the
// Backoff retry scheduling.
func TestQuickExitRetriesThenReachesFatal(t *testing.T) {
	dir := t.TempDir()
	program := pc(func(p *config.ProgramConfig) {
		p.Cmd = "/bin/false"
		p.StartTime = 1
		p.StartRetries = 3
		p.AutoStart = true
		p.Umask = "022"
		p.WorkingDir = dir
		p.Stdout = filepath.Join(dir, "stdout.log")
		p.Stderr = filepath.Join(dir, "stderr.log")
	})

	s := New(launcher.Spawn, nopSignal, noReload, logging.NewTestLogManager(256))
	s.LoadInitial(config.Document{Programs: map[string]config.ProgramConfig{"webapp": program}})
	go s.Run()
	defer s.requestStopForTest()

	deadline := time.After(5 * time.Second)
	for {
		resp := ask(t, s, OpStatus, "webapp")
		statuses := resp.Payload.([]taskinstance.Status)
		if statuses[0].State == "Fatal" {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("instance never reached Fatal; last state %s", statuses[0].State)
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// requestStopForTest drives the Supervisor through a real shutdown so that
// Run returns and closes its done channel. Instances launched by
// pidAllocator's fake handles never report an exit, so once they are
// alive shutdown cannot complete; the wait is therefore bounded, and in
// that case Run's goroutine stays blocked for the rest of the test binary.
func (s *Supervisor) requestStopForTest() {
	reply := make(chan Response, 1)
	select {
	case s.cmdCh <- Command{Op: OpShutdown, Reply: reply}:
		select {
		case <-reply:
		case <-time.After(2 * time.Second):
		}
	case <-s.done:
	}
}
