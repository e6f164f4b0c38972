package gdb

import (
	"context"
	"encoding/json"
	"net"
	"net/rpc"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type serverRequest struct {
	ID     uint64            `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// fakeBootstrap mimics the gdb side of the channel.
type fakeBootstrap struct {
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder

	mu      sync.Mutex
	methods []string
	acked   []int
}

func newFakeBootstrap(t *testing.T) (*fakeBootstrap, *client) {
	srv, cli := net.Pipe()
	b := &fakeBootstrap{conn: srv, enc: json.NewEncoder(srv), dec: json.NewDecoder(srv)}
	go b.serve(0)
	c := newClient(cli)
	t.Cleanup(func() {
		c.Close()
		srv.Close()
	})
	return b, c
}

func (b *fakeBootstrap) reply(id uint64, result any, errMsg any) {
	b.enc.Encode(map[string]any{"id": id, "result": result, "error": errMsg})
}

func (b *fakeBootstrap) serve(untilAck int) bool {
	for {
		var req serverRequest
		if err := b.dec.Decode(&req); err != nil {
			return false
		}
		b.mu.Lock()
		b.methods = append(b.methods, req.Method)
		b.mu.Unlock()

		switch req.Method {
		case "Events.Ack":
			var id int
			json.Unmarshal(req.Params[0], &id)
			b.mu.Lock()
			b.acked = append(b.acked, id)
			b.mu.Unlock()
			b.reply(req.ID, nil, nil)
			if id == untilAck {
				return true
			}
		case "Events.Connect":
			b.reply(req.ID, nil, nil)
		case "Inferior.Resume":
			b.enc.Encode(map[string]any{
				"id":     nil,
				"method": "Events.Stop",
				"params": []any{map[string]any{"id": 7, "signal": "SIGSEGV"}},
			})
			if !b.serve(7) {
				return false
			}
			b.reply(req.ID, nil, nil)
		case "Gdb.Execute":
			var cmd string
			json.Unmarshal(req.Params[0], &cmd)
			b.reply(req.ID, "ran "+cmd, nil)
		case "Gdb.NewestFrame":
			b.reply(req.ID, 1, nil)
		case "Frame.Older":
			b.reply(req.ID, nil, nil)
		case "Frame.PC":
			b.reply(req.ID, uint64(0xffffffffffffffff), nil)
		case "Frame.Name":
			b.reply(req.ID, "crash_here", nil)
		case "Thread.State":
			b.reply(req.ID, map[string]bool{"present": true, "running": false}, nil)
		case "Inferior.Pid":
			b.reply(req.ID, 4242, nil)
		default:
			b.reply(req.ID, nil, "gdb.error: No frame is currently selected.")
		}
	}
}

func TestChannelCalls(t *testing.T) {
	_, c := newFakeBootstrap(t)
	ctx := context.Background()

	out, err := c.Execute(ctx, "set pagination off")
	require.NoError(t, err)
	assert.Equal(t, "ran set pagination off", out)

	f, err := c.NewestFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, FrameRef(1), f)

	_, ok, err := c.Older(ctx, f)
	require.NoError(t, err)
	assert.False(t, ok)

	pc, err := c.PC(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, ^uint64(0), pc)

	st, err := c.ThreadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, ThreadState{Present: true}, st)

	pid, err := c.InferiorPID(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)

	_, err = c.ReadRegister(ctx, f, "rax")
	var serr rpc.ServerError
	require.ErrorAs(t, err, &serr)
	assert.Contains(t, string(serr), "No frame")
	assert.False(t, isHangup(err))
}

func TestChannelStopEvents(t *testing.T) {
	b, c := newFakeBootstrap(t)
	ctx := context.Background()

	var got []StopEvent
	var name string
	require.NoError(t, c.OnStop(ctx, func(ev StopEvent) {
		got = append(got, ev)
		// the handler can talk to gdb while the inferior is held
		name, _ = c.FunctionName(ctx, 1)
	}))
	assert.Error(t, c.OnStop(ctx, func(StopEvent) {}))

	require.NoError(t, c.Resume(ctx))
	assert.Equal(t, []StopEvent{{ID: 7, Signal: "SIGSEGV"}}, got)
	assert.Equal(t, "crash_here", name)

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, []int{7}, b.acked)
	assert.Equal(t, []string{"Events.Connect", "Inferior.Resume", "Frame.Name", "Events.Ack"}, b.methods)
}

func TestChannelHangup(t *testing.T) {
	b, c := newFakeBootstrap(t)
	b.conn.Close()

	_, err := c.Execute(context.Background(), "info registers")
	require.Error(t, err)
	assert.True(t, isHangup(err), "%v", err)
}

func TestChannelCallCancelled(t *testing.T) {
	srv, cli := net.Pipe()
	defer srv.Close()
	// nobody answers
	go func() {
		buf := make([]byte, 1024)
		for {
			if _, err := srv.Read(buf); err != nil {
				return
			}
		}
	}()
	c := newClient(cli)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Execute(ctx, "continue")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
