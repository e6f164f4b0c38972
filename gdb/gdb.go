// Package gdb is the crash capture analyzer. For each unit it launches gdb
// with an injected bootstrap that exposes gdb's Python API over a loopback
// channel, arms a stop observer, runs the target under an address space
// ceiling and a wall clock ceiling, and extracts the stop reason, backtrace
// and registers if the target faults.
//
// Sessions are strictly sequential. Running several Engines at once needs a
// distinct Port and ScriptPath per Engine.
package gdb

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"triagewalk"
	"triagewalk/crash"
)

// Name is the key the analyzer's records are stored under.
const Name = "gdb"

//go:embed bootstrap.py
var bootstrap []byte

// Config is used to set the assorted configuration options for New()
type Config struct {
	GDB          string        // gdb executable
	Binary       string        // target binary
	Args         []string      // target arguments, @@ is replaced by the unit path
	Stdin        bool          // feed the unit on the target's stdin
	Timeout      time.Duration // wall clock ceiling per unit
	WaitTime     time.Duration // initial wait for the bootstrap listener
	ReadyTimeout time.Duration // how long to keep retrying the connection after WaitTime
	Grace        time.Duration // how long gdb gets to wind down after the ceiling or a hangup
	PollInterval time.Duration
	Memory       int64  // address space ceiling for the target in bytes, <= 0 for none
	ScriptPath   string // where the bootstrap is written
	Host         string // rendezvous address
	Port         int    // rendezvous port
}

// DefaultConfig returns the defaults for everything but the target.
func DefaultConfig() Config {
	return Config{
		GDB:          "gdb",
		Timeout:      30 * time.Second,
		WaitTime:     500 * time.Millisecond,
		ReadyTimeout: 5 * time.Second,
		Grace:        2 * time.Second,
		PollInterval: 10 * time.Millisecond,
		Memory:       500000000,
		ScriptPath:   defaultScriptPath(),
		Host:         "127.0.0.1",
		Port:         1337,
	}
}

// defaultScriptPath is per user, so two users on one host don't share a
// bootstrap.
func defaultScriptPath() string {
	return filepath.Join(os.TempDir(), fmt.Sprintf(".triagewalk-%d-gdb.py", os.Getuid()))
}

// Engine implements triagewalk.Analyzer.
type Engine struct {
	config Config
}

// New checks config, filling zero durations and addresses from
// DefaultConfig.
func New(config Config) (*Engine, error) {

	def := DefaultConfig()
	if config.GDB == "" {
		config.GDB = def.GDB
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.WaitTime < 0 {
		config.WaitTime = def.WaitTime
	}
	if config.ReadyTimeout <= 0 {
		config.ReadyTimeout = def.ReadyTimeout
	}
	if config.Grace <= 0 {
		config.Grace = def.Grace
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.ScriptPath == "" {
		config.ScriptPath = def.ScriptPath
	}
	if config.Host == "" {
		config.Host = def.Host
	}
	if config.Port == 0 {
		config.Port = def.Port
	}

	if config.Binary == "" {
		return nil, errors.New("no target binary")
	}
	if config.Port < 0 || config.Port > 65535 {
		return nil, fmt.Errorf("bad port %d", config.Port)
	}
	if _, err := exec.LookPath(config.GDB); err != nil {
		return nil, fmt.Errorf("couldn't find gdb: %w", err)
	}
	return &Engine{config: config}, nil
}

func (e *Engine) Name() string { return Name }

func (e *Engine) Details() map[string]string {
	return map[string]string{
		"gdb":     e.config.GDB,
		"binary":  e.config.Binary,
		"args":    strings.Join(e.config.Args, " "),
		"stdin":   strconv.FormatBool(e.config.Stdin),
		"timeout": e.config.Timeout.String(),
		"memory":  strconv.FormatInt(e.config.Memory, 10),
		"channel": e.addr(),
	}
}

func (e *Engine) addr() string {
	return net.JoinHostPort(e.config.Host, strconv.Itoa(e.config.Port))
}

// Analyze runs one unit under gdb. A clean exit, or a run cut short by the
// ceiling, yields an empty record. Launch and channel failures yield an
// empty record carrying the error.
func (e *Engine) Analyze(ctx context.Context, u *triagewalk.Unit) (any, error) {
	rec, err := e.capture(ctx, u)
	if err != nil {
		rec.Error = err.Error()
		return rec, err
	}
	return rec, nil
}

func (e *Engine) capture(ctx context.Context, u *triagewalk.Unit) (crash.Record, error) {

	l := log.WithFields(log.Fields{
		"session": uuid.NewString(),
		"unit":    u.Name,
	})

	// renamed into place, so an existing file or symlink at the path is
	// replaced rather than written through
	if err := renameio.WriteFile(e.config.ScriptPath, bootstrap, 0o600); err != nil {
		return crash.Empty(), fmt.Errorf("couldn't write bootstrap: %w", err)
	}

	// procCtx is the ceiling, gdb is interrupted when it expires. Calls on
	// the channel get the grace period on top so they can see the
	// interrupt through.
	procCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()
	callCtx, callCancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.Timeout+e.config.Grace)
	defer callCancel()

	s, err := launch(procCtx, e.config, l)
	if err != nil {
		return crash.Empty(), err
	}
	defer s.Close()

	obs := newObserver(callCtx, nil, l)
	obs.ceiling = procCtx.Done()
	if err := s.connect(procCtx, e.addr(), e.config.WaitTime, e.config.ReadyTimeout); err != nil {
		return outcome(procCtx, obs, false, err)
	}
	obs.remote = s.remote

	err = e.drive(callCtx, s, u, obs, l)
	return outcome(procCtx, obs, s.resumed, err)
}

// drive arms the observer, starts the target, limits it, then resumes it and
// waits for it to stop or go away.
func (e *Engine) drive(ctx context.Context, s *session, u *triagewalk.Unit, obs *observer, l *log.Entry) error {

	r := s.remote
	if _, err := r.Execute(ctx, "set pagination off"); err != nil {
		return fmt.Errorf("set pagination: %w", err)
	}
	// must be connected before anything runs, an earlier crash is invisible
	if err := r.OnStop(ctx, obs.handle); err != nil {
		return fmt.Errorf("connect stop handler: %w", err)
	}

	start := startCommand(e.config, u.Path)
	l.WithField("command", start).Debug("Starting inferior")
	if _, err := r.Execute(ctx, start); err != nil {
		return fmt.Errorf("starti: %w", err)
	}

	pid, err := r.InferiorPID(ctx)
	if err != nil {
		return fmt.Errorf("inferior pid: %w", err)
	}
	if pid <= 0 {
		return errors.New("inferior didn't start")
	}
	s.track(pid)

	coreErr, err := limitInferior(pid, e.config.Memory)
	if coreErr != nil {
		l.WithError(coreErr).Debug("Core size left as is")
	}
	if err != nil {
		return err
	}

	s.resumed = true
	resumed := make(chan struct{})
	var resumeErr error
	go func() {
		resumeErr = r.Resume(ctx)
		close(resumed)
	}()

	budget := pollBudget(e.config.Timeout+e.config.Grace, e.config.PollInterval)
	if err := supervise(ctx, r, resumed, e.config.PollInterval, budget); err != nil {
		return err
	}

	// The thread has stopped; the resume call completes once the observer
	// has finished with the frames.
	select {
	case <-resumed:
		return resumeErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// outcome turns the observer state and the driving error into the record.
// A hangup means gdb went away, normally because the ceiling fired, and is
// not an error. A SIGINT stop after the ceiling is gdb relaying the ceiling,
// not a crash. The ceiling only counts as a timeout once the target has been
// resumed; before that the session failed to come up in time.
func outcome(procCtx context.Context, obs *observer, resumed bool, err error) (crash.Record, error) {

	rec, fired := obs.result()
	if errors.Is(procCtx.Err(), context.DeadlineExceeded) {
		if !resumed {
			if err == nil || isHangup(err) {
				err = context.DeadlineExceeded
			}
			return crash.Empty(), fmt.Errorf("ceiling reached before the target ran: %w", err)
		}
		if !fired || obs.stopSignal() == "SIGINT" {
			out := crash.Empty()
			out.TimedOut = true
			return out, nil
		}
	}
	if err == nil || isHangup(err) {
		return rec, nil
	}
	return rec, err
}

// startCommand builds the starti line. gdb hands the arguments to a shell,
// so they are quoted.
func startCommand(cfg Config, path string) string {
	var b strings.Builder
	b.WriteString("starti")
	for _, a := range triagewalk.Substitute(cfg.Args, path) {
		b.WriteByte(' ')
		b.WriteString(shellQuote(a))
	}
	if cfg.Stdin {
		b.WriteString(" < ")
		b.WriteString(shellQuote(path))
	}
	b.WriteString(" 2>/dev/null")
	return b.String()
}

func gdbArgs(cfg Config) []string {
	return []string{
		"-nx", "--batch-silent",
		"-ex", fmt.Sprintf("py HOSTNAME=%q;PORT=%d", cfg.Host, cfg.Port),
		"-x", cfg.ScriptPath,
		cfg.Binary,
	}
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,+@%", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
