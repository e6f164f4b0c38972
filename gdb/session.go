package gdb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	log "github.com/sirupsen/logrus"
)

var (
	ErrNotReady = errors.New("gdb channel not ready")
	ErrExited   = errors.New("gdb exited before the channel came up")
)

const retryInterval = 50 * time.Millisecond

// session owns one gdb process and the channel to its bootstrap. Close
// releases both, along with any inferior left behind.
type session struct {
	cmd    *exec.Cmd
	stderr *lockedBuffer
	exited chan struct{}
	grace  time.Duration
	log    *log.Entry

	remote   *client
	inferior *process.Process
	resumed  bool // the target has been let go past its entry stop
}

// launch starts gdb under procCtx. When procCtx ends gdb is sent SIGINT,
// giving it a chance to stop the inferior, hand over the frames, and exit on
// its own. Killing it is left to Close; WaitDelay is only a backstop for a
// session that is never closed.
func launch(procCtx context.Context, cfg Config, l *log.Entry) (*session, error) {

	cmd := exec.CommandContext(procCtx, cfg.GDB, gdbArgs(cfg)...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = cfg.Timeout + cfg.Grace
	stderr := &lockedBuffer{}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("error launching %s: %w", cfg.GDB, err)
	}
	l.WithFields(log.Fields{
		"pid":  cmd.Process.Pid,
		"args": strings.Join(cmd.Args, " "),
	}).Debug("Launched gdb")

	s := &session{
		cmd:    cmd,
		stderr: stderr,
		exited: make(chan struct{}),
		grace:  cfg.Grace,
		log:    l,
	}
	go func() {
		err := cmd.Wait()
		l.WithError(err).Debug("gdb exited")
		close(s.exited)
	}()
	return s, nil
}

// connect gives gdb wait to bring up its listener, then retries the
// connection until it succeeds, readyTimeout passes, or gdb exits.
func (s *session) connect(ctx context.Context, addr string, wait, readyTimeout time.Duration) error {

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.exited:
		return s.exitedEarly()
	case <-time.After(wait):
	}

	deadline := time.Now().Add(readyTimeout)
	var d net.Dialer
	for attempt := 1; ; attempt++ {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			s.log.WithField("attempts", attempt).Debug("Connected to gdb")
			s.remote = newClient(conn)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w after %d attempts: %v", ErrNotReady, attempt, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.exited:
			return s.exitedEarly()
		case <-time.After(retryInterval):
		}
	}
}

func (s *session) exitedEarly() error {
	msg := strings.TrimSpace(s.stderr.String())
	if msg == "" {
		return ErrExited
	}
	return fmt.Errorf("%w: %s", ErrExited, msg)
}

// track remembers the inferior so Close can make sure it is gone.
func (s *session) track(pid int) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		s.log.WithError(err).WithField("pid", pid).Debug("Can't track inferior")
		return
	}
	s.inferior = p
}

// Close hangs up the channel, which makes the bootstrap kill the inferior
// and quit. gdb is killed if it hasn't exited within the grace period, and
// any process it left behind is killed after it.
func (s *session) Close() error {

	var orphans []*process.Process
	if p, err := process.NewProcess(int32(s.cmd.Process.Pid)); err == nil {
		children, err := p.Children()
		if err != nil && !errors.Is(err, process.ErrorNoChildren) {
			s.log.WithError(err).Debug("Can't list gdb's children, only the inferior will be cleaned up")
		}
		orphans = children
	}
	if s.inferior != nil {
		orphans = append(orphans, s.inferior)
	}

	if s.remote != nil {
		if err := s.remote.Close(); err != nil {
			s.log.WithError(err).Debug("Closing channel")
		}
	}

	select {
	case <-s.exited:
	case <-time.After(s.grace):
		s.log.WithField("pid", s.cmd.Process.Pid).Warning("gdb didn't exit, killing it")
		if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.log.WithError(err).Warning("Can't kill gdb")
		}
	}

	killed := make(map[int32]bool)
	for _, p := range orphans {
		if killed[p.Pid] {
			continue
		}
		killed[p.Pid] = true
		running, err := p.IsRunning()
		if err != nil || !running {
			continue
		}
		s.log.WithField("pid", p.Pid).Debug("Killing leftover process")
		if err := p.Kill(); err != nil {
			s.log.WithError(err).WithField("pid", p.Pid).Warning("Can't kill leftover process")
		}
	}
	// after the leftovers, one of them may hold gdb's stderr open
	<-s.exited
	return nil
}

// lockedBuffer collects gdb's stderr. exec copies into it from its own
// goroutine while connect may read it.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// keep the head, gdb can be chatty when it dies
	if room := 64*1024 - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
