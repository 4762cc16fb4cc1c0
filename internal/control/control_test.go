package control

import (
	"path/filepath"
	"testing"
	"time"

	"taskmasterd/internal/logging"
	"taskmasterd/internal/supervisor"
)

func startTestSurface(t *testing.T) (*Surface, chan supervisor.Command) {
	t.Helper()
	dir := t.TempDir()
	cmds := make(chan supervisor.Command, 8)
	s := New(filepath.Join(dir, "ctl.sock"), cmds, logging.NewTestLogManager(64))
	if err := s.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go s.Serve()
	t.Cleanup(func() { s.Close() })
	return s, cmds
}

func TestStatusRoundTrip(t *testing.T) {
	s, cmds := startTestSurface(t)

	go func() {
		cmd := <-cmds
		if cmd.Op != supervisor.OpStatus {
			t.Errorf("Op: got %v, want OpStatus", cmd.Op)
		}
		cmd.Reply <- supervisor.Response{OK: true, Payload: []string{"webapp.0"}}
	}()

	reply, err := Dial(s.socketPath, Request{Op: "status"}, time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if !reply.OK {
		t.Errorf("reply.OK: got false")
	}
}

func TestUnknownOpRejectedWithoutReachingSupervisor(t *testing.T) {
	s, cmds := startTestSurface(t)

	reply, err := Dial(s.socketPath, Request{Op: "frobnicate"}, time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if reply.OK {
		t.Errorf("reply.OK: got true, want false for an unknown op")
	}
	select {
	case <-cmds:
		t.Errorf("an unknown op should never reach the supervisor's command queue")
	default:
	}
}

func TestErrorResponseCarriesErrorString(t *testing.T) {
	s, cmds := startTestSurface(t)

	go func() {
		cmd := <-cmds
		cmd.Reply <- supervisor.Response{OK: false, Err: errNoSuchProgram("ghost")}
	}()

	reply, err := Dial(s.socketPath, Request{Op: "stop", Program: "ghost"}, time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if reply.OK || reply.Error == "" {
		t.Errorf("reply: got %+v, want OK=false with a non-empty Error", reply)
	}
}

type errNoSuchProgram string

func (e errNoSuchProgram) Error() string { return "no such program: " + string(e) }
