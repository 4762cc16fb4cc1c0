// pattern: Imperative Shell

// Package config loads and validates the daemon's configuration document:
// the set of supervised programs plus the ambient settings (log file,
// socket path) a running daemon needs.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"gopkg.in/yaml.v3"
)

// AutoRestart selects when a finished instance is restarted.
type AutoRestart string

const (
	RestartAlways     AutoRestart = "always"
	RestartNever      AutoRestart = "never"
	RestartUnexpected AutoRestart = "unexpected"
)

// ProgramConfig is the immutable, validated description of one supervised
// program. Field semantics match spec.md section 3 exactly.
type ProgramConfig struct {
	Cmd          string            `yaml:"cmd"`
	NumProcs     int               `yaml:"numprocs"`
	Umask        string            `yaml:"umask"`
	WorkingDir   string            `yaml:"workingdir"`
	AutoStart    bool              `yaml:"autostart"`
	AutoRestart  AutoRestart       `yaml:"autorestart"`
	ExitCodes    []int             `yaml:"exitcodes"`
	StartRetries int               `yaml:"startretries"`
	StartTime    int               `yaml:"starttime"`
	StopSignal   string            `yaml:"stopsignal"`
	StopTime     int               `yaml:"stoptime"`
	Stdout       string            `yaml:"stdout"`
	Stderr       string            `yaml:"stderr"`
	Env          map[string]string `yaml:"env"`
}

// Document is the top-level configuration document: the program set plus
// the ambient daemon settings (logging, control socket) that are outside
// the supervision engine's own state but are needed to actually run it.
type Document struct {
	Programs   map[string]ProgramConfig `yaml:"programs"`
	LogFile    string                   `yaml:"log_file"`
	LogLevel   string                   `yaml:"log_level"`
	SocketPath string                   `yaml:"socket_path"`
}

// ConfigError reports a document that failed validation: unknown fields,
// a bad signal name, a non-absolute workingdir, and similar load-time
// problems. It is always fatal at initial load; at reload it causes the
// reload to be rejected and current state left untouched.
type ConfigError struct {
	Program string // empty for document-level errors
	Field   string
	Reason  string
}

func (e *ConfigError) Error() string {
	if e.Program == "" {
		return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("config: program %q: %s: %s", e.Program, e.Field, e.Reason)
}

func DefaultDocument() Document {
	return Document{
		Programs:   map[string]ProgramConfig{},
		LogFile:    defaultLogFile(),
		LogLevel:   "info",
		SocketPath: defaultSocketPath(),
	}
}

// Load reads and validates the configuration document at path.
func Load(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates and decodes a configuration document from raw bytes.
// Unknown fields are rejected, matching spec.md section 6.
func Parse(data []byte) (Document, error) {
	doc := DefaultDocument()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return Document{}, &ConfigError{Field: "document", Reason: err.Error()}
	}

	if doc.LogLevel == "" {
		doc.LogLevel = "info"
	}
	if doc.LogFile == "" {
		doc.LogFile = defaultLogFile()
	}
	if doc.SocketPath == "" {
		doc.SocketPath = defaultSocketPath()
	}

	for name, pc := range doc.Programs {
		normalized, err := normalize(name, pc)
		if err != nil {
			return Document{}, err
		}
		doc.Programs[name] = normalized
	}

	return doc, nil
}

// normalize fills defaults and validates one program's configuration,
// returning a ConfigError describing the first problem found.
func normalize(name string, pc ProgramConfig) (ProgramConfig, error) {
	if strings.TrimSpace(pc.Cmd) == "" {
		return pc, &ConfigError{Program: name, Field: "cmd", Reason: "must be non-empty"}
	}
	if pc.NumProcs <= 0 {
		pc.NumProcs = 1
	}
	if pc.WorkingDir == "" {
		pc.WorkingDir = "/"
	}
	if !filepath.IsAbs(pc.WorkingDir) {
		return pc, &ConfigError{Program: name, Field: "workingdir", Reason: "must be absolute"}
	}
	if pc.Umask == "" {
		pc.Umask = "022"
	}
	if _, err := ParseUmask(pc.Umask); err != nil {
		return pc, &ConfigError{Program: name, Field: "umask", Reason: err.Error()}
	}
	if pc.AutoRestart == "" {
		pc.AutoRestart = RestartUnexpected
	}
	switch pc.AutoRestart {
	case RestartAlways, RestartNever, RestartUnexpected:
	default:
		return pc, &ConfigError{Program: name, Field: "autorestart", Reason: "must be always, never, or unexpected"}
	}
	if len(pc.ExitCodes) == 0 {
		pc.ExitCodes = []int{0}
	}
	if pc.StartRetries <= 0 {
		pc.StartRetries = 3
	}
	if pc.StartTime < 0 {
		return pc, &ConfigError{Program: name, Field: "starttime", Reason: "must be >= 0"}
	}
	if pc.StopTime < 0 {
		return pc, &ConfigError{Program: name, Field: "stoptime", Reason: "must be >= 0"}
	}
	if pc.StopSignal == "" {
		pc.StopSignal = "SIGTERM"
	}
	if _, err := ResolveSignal(pc.StopSignal); err != nil {
		return pc, &ConfigError{Program: name, Field: "stopsignal", Reason: err.Error()}
	}
	return pc, nil
}

// ExpectedExit reports whether code is in the program's exitcodes set.
func (pc ProgramConfig) ExpectedExit(code int) bool {
	for _, c := range pc.ExitCodes {
		if c == code {
			return true
		}
	}
	return false
}

// Argv splits Cmd on whitespace into argv[0..], matching spec.md section 3.
func (pc ProgramConfig) Argv() []string {
	return strings.Fields(pc.Cmd)
}

// ExecutionFingerprint returns the fields spec.md section 4.4 says matter
// to process execution, used by the reload algorithm to decide whether
// existing instances can be preserved unchanged.
type ExecutionFingerprint struct {
	Cmd        string
	Env        string
	WorkingDir string
	Umask      string
	Stdout     string
	Stderr     string
	NumProcs   int
}

func (pc ProgramConfig) Fingerprint() ExecutionFingerprint {
	keys := make([]string, 0, len(pc.Env))
	for k := range pc.Env {
		keys = append(keys, k)
	}
	sortStrings(keys)
	var env strings.Builder
	for _, k := range keys {
		env.WriteString(k)
		env.WriteByte('=')
		env.WriteString(pc.Env[k])
		env.WriteByte('\n')
	}
	return ExecutionFingerprint{
		Cmd:        pc.Cmd,
		Env:        env.String(),
		WorkingDir: pc.WorkingDir,
		Umask:      pc.Umask,
		Stdout:     pc.Stdout,
		Stderr:     pc.Stderr,
		NumProcs:   pc.NumProcs,
	}
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// ParseUmask parses an octal umask string such as "022".
func ParseUmask(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid octal umask %q", s)
	}
	if v > 0o777 {
		return 0, fmt.Errorf("umask %q out of range", s)
	}
	return uint32(v), nil
}

// ResolveSignal resolves a symbolic signal name (e.g. "SIGTERM") to the
// numeric syscall.Signal it names.
func ResolveSignal(name string) (syscall.Signal, error) {
	if sig, ok := signalsByName[strings.ToUpper(name)]; ok {
		return sig, nil
	}
	return 0, fmt.Errorf("unknown signal %q", name)
}

var signalsByName = map[string]syscall.Signal{
	"SIGHUP":  syscall.SIGHUP,
	"SIGINT":  syscall.SIGINT,
	"SIGQUIT": syscall.SIGQUIT,
	"SIGILL":  syscall.SIGILL,
	"SIGTRAP": syscall.SIGTRAP,
	"SIGABRT": syscall.SIGABRT,
	"SIGBUS":  syscall.SIGBUS,
	"SIGFPE":  syscall.SIGFPE,
	"SIGKILL": syscall.SIGKILL,
	"SIGUSR1": syscall.SIGUSR1,
	"SIGSEGV": syscall.SIGSEGV,
	"SIGUSR2": syscall.SIGUSR2,
	"SIGPIPE": syscall.SIGPIPE,
	"SIGALRM": syscall.SIGALRM,
	"SIGTERM": syscall.SIGTERM,
	"SIGCHLD": syscall.SIGCHLD,
	"SIGCONT": syscall.SIGCONT,
	"SIGSTOP": syscall.SIGSTOP,
	"SIGTSTP": syscall.SIGTSTP,
	"SIGTTIN": syscall.SIGTTIN,
	"SIGTTOU": syscall.SIGTTOU,
}

func defaultConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "taskmasterd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "taskmasterd")
	}
	return filepath.Join(home, ".config", "taskmasterd")
}

func defaultLogFile() string {
	return filepath.Join(defaultConfigDir(), "taskmasterd.log")
}

func defaultSocketPath() string {
	return filepath.Join(defaultConfigDir(), "taskmasterd.sock")
}
