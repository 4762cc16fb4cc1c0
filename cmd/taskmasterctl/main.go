// pattern: Imperative Shell

// Command taskmasterctl is the external control-protocol client: a thin
// collaborator with no domain logic of its own, grounded on the teacher's
// internal/cli command dispatch and internal/instance discovery, adapted
// from an HTTP health check to a direct Unix socket dial. The operator's
// request is sent as-is; no separate `status` probe is made first.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"taskmasterd/internal/config"
	"taskmasterd/internal/control"
)

var version = "dev"

func main() {
	socketOverride := pflag.String("socket", "", "control socket path (default: from the default config location)")
	timeout := pflag.Duration("timeout", 5*time.Second, "request timeout")
	showVersion := pflag.BoolP("version", "v", false, "print version and exit")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: taskmasterctl [options] <start|stop|restart|status|reload|shutdown> [program]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	args := pflag.Args()
	if len(args) < 1 {
		pflag.Usage()
		os.Exit(2)
	}

	op := args[0]
	program := ""
	if len(args) > 1 {
		program = args[1]
	}

	socketPath := *socketOverride
	if socketPath == "" {
		socketPath = discoverSocketPath()
	}

	reply, err := control.Dial(socketPath, control.Request{Op: op, Program: program}, *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskmasterctl: %v\n", err)
		os.Exit(1)
	}
	if !reply.OK {
		fmt.Fprintf(os.Stderr, "taskmasterctl: %s\n", reply.Error)
		os.Exit(1)
	}
	printPayload(reply.Payload)
}

// discoverSocketPath falls back to the default per-user socket location
// a daemon started without an explicit socket_path override would use,
// matching the teacher's internal/instance.Discover fallback to a
// well-known per-user path when no explicit address is given.
func discoverSocketPath() string {
	return config.DefaultDocument().SocketPath
}

func printPayload(payload any) {
	if payload == nil {
		return
	}
	if s, ok := payload.(string); ok {
		fmt.Println(s)
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
