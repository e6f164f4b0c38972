package gdb

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"triagewalk/crash"
)

// maxFrames bounds the frame walk. Runaway recursion can leave hundreds of
// thousands of frames, each costing several round trips.
const maxFrames = 4096

// observer records the first abnormal stop seen in a session.
type observer struct {
	ctx    context.Context
	remote Remote
	log    *log.Entry
	// closed once the wall clock ceiling has fired, nil if there is none
	ceiling <-chan struct{}

	mu     sync.Mutex
	fired  bool
	signal string
	record crash.Record
}

func newObserver(ctx context.Context, r Remote, l *log.Entry) *observer {
	return &observer{ctx: ctx, remote: r, log: l, record: crash.Empty()}
}

// abnormal reports whether a stop signal means the target faulted, as
// opposed to the entry stop from starti or a breakpoint trap.
func abnormal(signal string) bool {
	switch signal {
	case "", "0", "SIGTRAP":
		return false
	}
	return true
}

func (o *observer) handle(ev StopEvent) {

	if !abnormal(ev.Signal) {
		o.log.WithField("signal", ev.Signal).Debug("Ignoring stop")
		return
	}

	o.mu.Lock()
	fired := o.fired
	o.mu.Unlock()
	if fired {
		return
	}

	if ev.Signal == "SIGINT" && o.ceilingFired() {
		// gdb relaying our own interrupt, there is nothing to walk
		o.log.Debug("Stopped by the ceiling")
		o.mu.Lock()
		o.fired = true
		o.signal = ev.Signal
		o.mu.Unlock()
		return
	}

	rec, err := extract(o.ctx, o.remote, ev.Signal)
	if err != nil {
		// The remote side often becomes inconsistent as the inferior is
		// torn down. Keep the stop but mark it unreadable.
		o.log.WithError(err).WithField("signal", ev.Signal).Debug("Frame extraction failed")
		rec = crash.Empty()
		rec.Incomplete = true
		rec.Error = err.Error()
	}

	o.mu.Lock()
	o.fired = true
	o.signal = ev.Signal
	o.record = rec
	o.mu.Unlock()
}

func (o *observer) ceilingFired() bool {
	if o.ceiling == nil {
		return false
	}
	select {
	case <-o.ceiling:
		return true
	default:
		return false
	}
}

// stopSignal is the signal of the recorded stop. It survives a failed frame
// walk, unlike the record's reason.
func (o *observer) stopSignal() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.signal
}

// result returns the recorded crash, if any.
func (o *observer) result() (crash.Record, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.record, o.fired
}

// extract reads the register snapshot at the innermost frame and walks the
// older frame chain out to the outermost frame.
func extract(ctx context.Context, r Remote, reason string) (crash.Record, error) {

	f, err := r.NewestFrame(ctx)
	if err != nil {
		return crash.Record{}, fmt.Errorf("newest frame: %w", err)
	}

	regs := make(map[string]uint64, len(crash.Registers))
	for _, name := range crash.Registers {
		v, err := r.ReadRegister(ctx, f, name)
		if err != nil {
			return crash.Record{}, fmt.Errorf("register %s: %w", name, err)
		}
		regs[name] = v
	}

	var pcs []uint64
	var names []string
	for {
		pc, err := r.PC(ctx, f)
		if err != nil {
			return crash.Record{}, fmt.Errorf("frame %d pc: %w", len(pcs), err)
		}
		name, err := r.FunctionName(ctx, f)
		if err != nil {
			return crash.Record{}, fmt.Errorf("frame %d name: %w", len(pcs), err)
		}
		pcs = append(pcs, pc)
		names = append(names, name)

		if len(pcs) >= maxFrames {
			log.WithField("frames", len(pcs)).Warning("Backtrace truncated")
			break
		}

		older, ok, err := r.Older(ctx, f)
		if err != nil {
			return crash.Record{}, fmt.Errorf("frame %d older: %w", len(pcs)-1, err)
		}
		if !ok {
			break
		}
		f = older
	}

	return crash.Record{
		Reason:    reason,
		Backtrace: crash.NewBacktrace(pcs, names, regs),
	}, nil
}
