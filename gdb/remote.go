package gdb

import "context"

// Remote is the live debugger object exposed by the bootstrap running
// inside gdb. Calls are answered in order by gdb's main thread, except
// ThreadState which is answered from cached event state and so stays
// responsive while the inferior runs.
type Remote interface {
	Execute(ctx context.Context, cmd string) (string, error)
	NewestFrame(ctx context.Context) (FrameRef, error)
	// Older returns the caller of f, ok is false at the outermost frame.
	Older(ctx context.Context, f FrameRef) (older FrameRef, ok bool, err error)
	PC(ctx context.Context, f FrameRef) (uint64, error)
	FunctionName(ctx context.Context, f FrameRef) (string, error)
	ReadRegister(ctx context.Context, f FrameRef, name string) (uint64, error)
	InferiorPID(ctx context.Context) (int, error)
	ThreadState(ctx context.Context) (ThreadState, error)
	// Resume continues the inferior and returns once gdb has control again
	// and every stop handler has been acknowledged.
	Resume(ctx context.Context) error
	// OnStop connects fn to the stop event stream. fn runs on its own
	// goroutine and may call back into the Remote; the inferior stays
	// stopped until fn returns.
	OnStop(ctx context.Context, fn func(StopEvent)) error
}

// FrameRef is a handle to a gdb.Frame held by the bootstrap. Handles are
// invalidated when the inferior resumes.
type FrameRef int

// ThreadState is the selected thread as last reported by gdb's events.
type ThreadState struct {
	Present bool `json:"present"`
	Running bool `json:"running"`
}

// StopEvent is one event from gdb's stop stream. Signal is empty for stops
// that weren't caused by a signal.
type StopEvent struct {
	ID     int    `json:"id"`
	Signal string `json:"signal"`
}
