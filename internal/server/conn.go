package server

import (
	"context"
	"errors"
	"io"
	"net"

	"go.uber.org/zap"

	"respkv/internal/pubsub"
	"respkv/internal/resp"
)

// conn is the per-client state machine: subscribe-mode and multi-mode
// flags, the queued transaction commands, and the event loop that
// multiplexes inbound frames with the outbound mailbox.
type conn struct {
	id   uint64
	sock net.Conn
	r    *resp.Reader
	w    *resp.Writer
	mb   *pubsub.Mailbox
	srv  *Server
	log  *zap.Logger

	subscribeMode bool
	multiMode     bool
	queued        [][]string
	inExec        bool
	closing       bool
}

func newConn(id uint64, sock net.Conn, mb *pubsub.Mailbox, srv *Server, log *zap.Logger) *conn {
	return &conn{
		id:   id,
		sock: sock,
		r:    resp.NewReader(sock),
		w:    resp.NewWriter(sock),
		mb:   mb,
		srv:  srv,
		log:  log,
	}
}

type frameResult struct {
	v   resp.Value
	err error
}

// run is the connection event loop. One goroutine pulls frames off the
// socket; the loop selects between those, the outbound mailbox and
// shutdown. Closing the socket on exit unblocks a reader stuck in a
// read; cancelling the per-connection context unblocks one stuck
// handing over a frame.
func (c *conn) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan frameResult)
	go func() {
		for {
			v, err := c.r.ReadValue()
			select {
			case frames <- frameResult{v: v, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for !c.closing {
		select {
		case <-ctx.Done():
			return
		case fr := <-frames:
			if fr.err != nil {
				c.logReadError(fr.err)
				return
			}
			if !c.handleFrame(ctx, fr.v) {
				return
			}
		case frame := <-c.mb.C():
			if err := c.w.WriteRaw(frame); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *conn) logReadError(err error) {
	switch {
	case errors.Is(err, io.EOF):
		// Clean close on a frame boundary.
	case errors.Is(err, resp.ErrMalformed):
		c.srv.metrics.ProtocolErrors.Inc()
		c.log.Warn("protocol error, closing connection", zap.Error(err))
	case errors.Is(err, io.ErrUnexpectedEOF):
		c.log.Debug("client disconnected mid-frame")
	default:
		c.log.Debug("read failed", zap.Error(err))
	}
}

// handleFrame dispatches one inbound frame and writes the response. It
// reports false when the connection should close because of a write
// failure.
func (c *conn) handleFrame(ctx context.Context, v resp.Value) bool {
	if v.Kind != resp.KindArray || len(v.Elems) == 0 {
		return true
	}
	args, ok := stringArgs(v.Elems)
	if !ok {
		return c.reply(resp.Err("ERR Protocol error: expected bulk string arguments"))
	}

	reply := c.dispatch(ctx, args)

	c.srv.metrics.Keys.Set(float64(c.srv.store.Len()))
	if reply.Kind == resp.KindError {
		c.srv.metrics.CommandErrors.Inc()
	}
	return c.reply(reply)
}

func (c *conn) reply(v resp.Value) bool {
	if err := c.w.WriteValue(v); err != nil {
		c.log.Debug("write failed", zap.Error(err))
		return false
	}
	return true
}

// stringArgs flattens a command frame into its string arguments.
func stringArgs(elems []resp.Value) ([]string, bool) {
	args := make([]string, len(elems))
	for i, e := range elems {
		s, ok := e.Text()
		if !ok {
			return nil, false
		}
		args[i] = s
	}
	return args, true
}
