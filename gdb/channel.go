package gdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/rpc"
	"sync"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// The bootstrap speaks newline delimited JSON. Responses carry the request
// id; stop events arrive on the same stream with a null id and a method.

type wireRequest struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

type wireResponse struct {
	ID     *uint64         `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  any             `json:"error"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// codec is an rpc.ClientCodec that peels notifications off the response
// stream before net/rpc sees them.
type codec struct {
	rwc    io.ReadWriteCloser
	enc    *json.Encoder
	dec    *json.Decoder
	result json.RawMessage
	notify func(method string, params json.RawMessage)
}

func newCodec(rwc io.ReadWriteCloser, notify func(string, json.RawMessage)) *codec {
	return &codec{
		rwc:    rwc,
		enc:    json.NewEncoder(rwc),
		dec:    json.NewDecoder(rwc),
		notify: notify,
	}
}

func (c *codec) WriteRequest(r *rpc.Request, params any) error {
	return c.enc.Encode(wireRequest{ID: r.Seq, Method: r.ServiceMethod, Params: params})
}

func (c *codec) ReadResponseHeader(r *rpc.Response) error {
	for {
		var resp wireResponse
		if err := c.dec.Decode(&resp); err != nil {
			return err
		}
		if resp.ID == nil {
			if resp.Method != "" && c.notify != nil {
				c.notify(resp.Method, resp.Params)
			}
			continue
		}

		r.Seq = *resp.ID
		r.Error = ""
		c.result = resp.Result
		if resp.Error != nil {
			if s, ok := resp.Error.(string); ok {
				r.Error = s
			} else {
				r.Error = fmt.Sprint(resp.Error)
			}
			if r.Error == "" {
				r.Error = "unspecified error"
			}
		}
		return nil
	}
}

func (c *codec) ReadResponseBody(x any) error {
	if x == nil || len(c.result) == 0 {
		return nil
	}
	return json.Unmarshal(c.result, x)
}

func (c *codec) Close() error {
	return c.rwc.Close()
}

// client implements Remote over a connection to the bootstrap.
type client struct {
	rpc    *rpc.Client
	events chan StopEvent
	done   chan struct{}
	once   sync.Once

	mu        sync.Mutex
	observing bool
}

func newClient(conn io.ReadWriteCloser) *client {
	c := &client{
		events: make(chan StopEvent, 16),
		done:   make(chan struct{}),
	}
	c.rpc = rpc.NewClientWithCodec(newCodec(conn, c.notify))
	return c
}

func (c *client) notify(method string, params json.RawMessage) {
	if method != "Events.Stop" {
		log.WithField("method", method).Debug("Ignoring unknown notification")
		return
	}
	var evs []StopEvent
	if err := json.Unmarshal(params, &evs); err != nil || len(evs) == 0 {
		log.WithField("params", string(params)).Warning("Malformed stop event")
		return
	}
	select {
	case c.events <- evs[0]:
	case <-c.done:
	}
}

func (c *client) call(ctx context.Context, method string, reply any, params ...any) error {
	if params == nil {
		params = []any{}
	}
	call := c.rpc.Go(method, params, reply, make(chan *rpc.Call, 1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-call.Done:
		return res.Error
	}
}

func (c *client) Execute(ctx context.Context, cmd string) (string, error) {
	var out string
	err := c.call(ctx, "Gdb.Execute", &out, cmd)
	return out, err
}

func (c *client) NewestFrame(ctx context.Context) (FrameRef, error) {
	var f FrameRef
	err := c.call(ctx, "Gdb.NewestFrame", &f)
	return f, err
}

func (c *client) Older(ctx context.Context, f FrameRef) (FrameRef, bool, error) {
	var older *FrameRef
	if err := c.call(ctx, "Frame.Older", &older, f); err != nil {
		return 0, false, err
	}
	if older == nil {
		return 0, false, nil
	}
	return *older, true, nil
}

func (c *client) PC(ctx context.Context, f FrameRef) (uint64, error) {
	var pc uint64
	err := c.call(ctx, "Frame.PC", &pc, f)
	return pc, err
}

func (c *client) FunctionName(ctx context.Context, f FrameRef) (string, error) {
	var name string
	err := c.call(ctx, "Frame.Name", &name, f)
	return name, err
}

func (c *client) ReadRegister(ctx context.Context, f FrameRef, reg string) (uint64, error) {
	var v uint64
	err := c.call(ctx, "Frame.ReadRegister", &v, f, reg)
	return v, err
}

func (c *client) InferiorPID(ctx context.Context) (int, error) {
	var pid int
	err := c.call(ctx, "Inferior.Pid", &pid)
	return pid, err
}

func (c *client) ThreadState(ctx context.Context) (ThreadState, error) {
	var st ThreadState
	err := c.call(ctx, "Thread.State", &st)
	return st, err
}

func (c *client) Resume(ctx context.Context) error {
	return c.call(ctx, "Inferior.Resume", nil)
}

func (c *client) OnStop(ctx context.Context, fn func(StopEvent)) error {
	c.mu.Lock()
	if c.observing {
		c.mu.Unlock()
		return errors.New("stop handler already connected")
	}
	c.observing = true
	c.mu.Unlock()

	go c.dispatch(fn)
	return c.call(ctx, "Events.Connect", nil, "stop")
}

// dispatch runs the stop handler off the rpc input goroutine, so the
// handler's own calls can be answered, then releases the inferior.
func (c *client) dispatch(fn func(StopEvent)) {
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.events:
			fn(ev)
			if err := c.call(context.Background(), "Events.Ack", nil, ev.ID); err != nil && !isHangup(err) {
				log.WithError(err).WithField("event", ev.ID).Warning("Failed to ack stop event")
			}
		}
	}
}

func (c *client) Close() error {
	c.once.Do(func() { close(c.done) })
	err := c.rpc.Close()
	if errors.Is(err, rpc.ErrShutdown) {
		return nil
	}
	return err
}

// isHangup reports whether err means the far end of the channel is gone,
// typically because the ceiling fired and gdb exited.
func isHangup(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, rpc.ErrShutdown) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
