package gdb

import (
	"context"
	"errors"
	"sync"

	"triagewalk/crash"
)

// fakeRemote serves a fixed stack of frames, innermost first.
type fakeRemote struct {
	mu     sync.Mutex
	pcs    []uint64
	names  []string
	regs   map[string]uint64
	failAt string // method name that fails
	states []ThreadState
	polls  int
	calls  []string
}

var errFake = errors.New("remote exploded")

func (f *fakeRemote) record(m string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, m)
	if m == f.failAt {
		return errFake
	}
	return nil
}

func (f *fakeRemote) Execute(_ context.Context, cmd string) (string, error) {
	return "", f.record("Execute")
}

func (f *fakeRemote) NewestFrame(context.Context) (FrameRef, error) {
	return 0, f.record("NewestFrame")
}

func (f *fakeRemote) Older(_ context.Context, fr FrameRef) (FrameRef, bool, error) {
	if err := f.record("Older"); err != nil {
		return 0, false, err
	}
	if int(fr)+1 >= len(f.pcs) {
		return 0, false, nil
	}
	return fr + 1, true, nil
}

func (f *fakeRemote) PC(_ context.Context, fr FrameRef) (uint64, error) {
	return f.pcs[fr], f.record("PC")
}

func (f *fakeRemote) FunctionName(_ context.Context, fr FrameRef) (string, error) {
	return f.names[fr], f.record("FunctionName")
}

func (f *fakeRemote) ReadRegister(_ context.Context, fr FrameRef, name string) (uint64, error) {
	if fr != 0 {
		return 0, errors.New("registers read from an outer frame")
	}
	return f.regs[name], f.record("ReadRegister")
}

func (f *fakeRemote) InferiorPID(context.Context) (int, error) {
	return 4242, f.record("InferiorPID")
}

func (f *fakeRemote) ThreadState(context.Context) (ThreadState, error) {
	if err := f.record("ThreadState"); err != nil {
		return ThreadState{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if len(f.states) == 0 {
		return ThreadState{Present: true, Running: true}, nil
	}
	st := f.states[0]
	if len(f.states) > 1 {
		f.states = f.states[1:]
	}
	return st, nil
}

func (f *fakeRemote) Resume(context.Context) error {
	return f.record("Resume")
}

func (f *fakeRemote) OnStop(context.Context, func(StopEvent)) error {
	return f.record("OnStop")
}

func stackRemote() *fakeRemote {
	regs := make(map[string]uint64)
	for i, name := range crash.Registers {
		regs[name] = uint64(0x1000 + i)
	}
	return &fakeRemote{
		pcs:   []uint64{0x401136, 0x401180, 0x7ffff7dea083, 0x40105e},
		names: []string{"crash_here", "main", "__libc_start_main", ""},
		regs:  regs,
	}
}
