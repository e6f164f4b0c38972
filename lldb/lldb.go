// Package lldb is the alternate debugger analyzer, for hosts where gdb isn't
// available. It drives lldb through francis and converts the crashwalk
// crash.Info it produces into the same record the gdb engine emits.
package lldb

import (
	"context"
	"errors"
	"fmt"
	"go/build"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	cwcrash "github.com/bnagy/crashwalk/crash"
	"github.com/bnagy/francis"
	"github.com/shirou/gopsutil/v3/process"
	log "github.com/sirupsen/logrus"

	"triagewalk"
	"triagewalk/crash"
)

// Name is the key the analyzer's records are stored under.
const Name = "lldb"

// Runner is a simple interface that allows different lldb drivers to be
// used. francis.Engine is the default; it takes its timeout from its own
// Timeout field and ignores memlimit and timeout.
type Runner interface {
	Run(command []string, filename string, memlimit, timeout int) (cwcrash.Info, error)
}

// Config is used to set the assorted configuration options for New()
type Config struct {
	Binary  string
	Args    []string // @@ is replaced by the unit path
	Timeout time.Duration
	Memory  int64         // bytes, <= 0 for none
	Grace   time.Duration // on top of Timeout before the run is abandoned
	Runner  Runner        // nil for francis
}

const defaultGrace = 5 * time.Second

// noOutput prefixes the error francis returns when the target exited or was
// killed by its timeout without faulting.
const noOutput = "no exploitaben.py output"

// Engine implements triagewalk.Analyzer.
type Engine struct {
	config Config
	tool   string // exploitaben.py, when driving francis
}

// locateTool finds the exploitaben.py script francis runs, the same way
// francis does.
var locateTool = func() (string, error) {
	pkg, err := build.Import("github.com/bnagy/francis", ".", build.FindOnly)
	if err != nil {
		return "", fmt.Errorf("couldn't find francis: %w", err)
	}
	tool := filepath.Join(pkg.Dir, "exploitaben", "exploitaben.py")
	if _, err := os.Stat(tool); err != nil {
		return "", fmt.Errorf("francis has no exploitaben.py: %w", err)
	}
	return tool, nil
}

// New checks config. lldb can't redirect the target's stdin, so the unit
// must be passed by path.
func New(config Config) (*Engine, error) {
	if config.Binary == "" {
		return nil, errors.New("no target binary")
	}
	if !triagewalk.HasMarker(config.Args) {
		return nil, fmt.Errorf("lldb needs %s in the target arguments", triagewalk.Marker)
	}
	if config.Grace <= 0 {
		config.Grace = defaultGrace
	}
	e := &Engine{config: config}
	if config.Runner == nil {
		if _, err := exec.LookPath("lldb"); err != nil {
			return nil, fmt.Errorf("couldn't find lldb: %w", err)
		}
		tool, err := locateTool()
		if err != nil {
			return nil, err
		}
		e.tool = tool
		e.config.Runner = &francis.Engine{Timeout: max(seconds(config.Timeout), 0)}
	}
	return e, nil
}

func (e *Engine) Name() string { return Name }

func (e *Engine) Details() map[string]string {
	return map[string]string{
		"binary":  e.config.Binary,
		"args":    strings.Join(e.config.Args, " "),
		"timeout": e.config.Timeout.String(),
		"memory":  strconv.FormatInt(e.config.Memory, 10),
	}
}

// Analyze runs the unit under lldb. francis has no cancellation, so when ctx
// ends or the run outlives Timeout plus Grace the run is abandoned and its
// exploitaben.py process tree killed. An overrun yields an empty timed out
// record.
func (e *Engine) Analyze(ctx context.Context, u *triagewalk.Unit) (any, error) {

	command := append([]string{e.config.Binary}, triagewalk.Substitute(e.config.Args, u.Path)...)
	l := log.WithFields(log.Fields{"unit": u.Name, "command": strings.Join(command, " ")})

	runCtx := ctx
	if e.config.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.config.Timeout+e.config.Grace)
		defer cancel()
	}

	type run struct {
		info cwcrash.Info
		err  error
	}
	done := make(chan run, 1)
	go func() {
		// francis panics on lldb output it can't parse
		defer func() {
			if r := recover(); r != nil {
				done <- run{err: fmt.Errorf("francis: %v", r)}
			}
		}()
		info, err := e.config.Runner.Run(command, u.Path, megabytes(e.config.Memory), seconds(e.config.Timeout))
		done <- run{info, err}
	}()

	select {
	case <-runCtx.Done():
		e.abandon(l)
		if ctx.Err() != nil {
			rec := crash.Empty()
			rec.Error = ctx.Err().Error()
			return rec, ctx.Err()
		}
		l.Debug("lldb run overran its ceiling")
		rec := crash.Empty()
		rec.TimedOut = true
		return rec, nil
	case r := <-done:
		if r.err != nil {
			if strings.HasPrefix(r.err.Error(), noOutput) {
				return crash.Empty(), nil
			}
			l.WithError(r.err).Debug("lldb run failed")
			rec := crash.Empty()
			rec.Error = r.err.Error()
			return rec, r.err
		}
		return Convert(r.info), nil
	}
}

// abandon kills whatever exploitaben.py processes this process still has
// running, along with their children.
func (e *Engine) abandon(l *log.Entry) {
	if e.tool == "" {
		return
	}
	self, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return
	}
	children, err := self.Children()
	if err != nil {
		l.WithError(err).Debug("Can't list children")
		return
	}
	for _, p := range children {
		cmdline, err := p.Cmdline()
		if err != nil || !strings.Contains(cmdline, e.tool) {
			continue
		}
		if err := killTree(p); err != nil {
			l.WithError(err).WithField("pid", p.Pid).Warning("Can't kill abandoned lldb run")
		}
	}
}

func killTree(p *process.Process) error {
	kids, _ := p.Children()
	for _, k := range kids {
		killTree(k)
	}
	return p.Kill()
}

// Convert maps a crashwalk crash.Info onto a record. The stop description
// becomes the reason and the general purpose registers are kept.
func Convert(ci cwcrash.Info) crash.Record {

	if len(ci.Stack) == 0 && stopDesc(ci.Extra) == "" {
		return crash.Empty()
	}

	pcs := make([]uint64, 0, len(ci.Stack))
	names := make([]string, 0, len(ci.Stack))
	for _, f := range ci.Stack {
		pcs = append(pcs, f.Address)
		sym := f.Symbol
		if sym == "???" {
			sym = ""
		}
		names = append(names, sym)
	}

	regs := make(map[string]uint64, len(crash.Registers))
	for _, r := range ci.Registers {
		if slices.Contains(crash.Registers, r.Name) {
			regs[r.Name] = r.Value
		}
	}

	reason := stopDesc(ci.Extra)
	if reason == "" {
		reason = "unknown"
	}
	return crash.Record{
		Reason:    reason,
		Backtrace: crash.NewBacktrace(pcs, names, regs),
	}
}

func stopDesc(extra []string) string {
	for _, l := range extra {
		if rest, ok := strings.CutPrefix(l, "StopDesc:"); ok {
			return strings.TrimSpace(rest)
		}
	}
	return ""
}

// megabytes rounds up, -1 means no limit.
func megabytes(b int64) int {
	if b <= 0 {
		return -1
	}
	const mb = 1024 * 1024
	return int((b + mb - 1) / mb)
}

func seconds(d time.Duration) int {
	if d <= 0 {
		return -1
	}
	s := int(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	return s
}
