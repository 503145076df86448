package server

import (
	"context"
	"strconv"
	"strings"
	"time"

	"respkv/internal/resp"
	"respkv/internal/store"
)

func entryValue(e store.StreamEntry) resp.Value {
	fields := make([]resp.Value, 0, len(e.Fields)*2)
	for _, f := range e.Fields {
		fields = append(fields, resp.Bulk(f.Name), resp.Bulk(f.Value))
	}
	return resp.Array(resp.Bulk(e.ID.String()), resp.Array(fields...))
}

func entriesValue(entries []store.StreamEntry) resp.Value {
	elems := make([]resp.Value, len(entries))
	for i, e := range entries {
		elems[i] = entryValue(e)
	}
	return resp.Array(elems...)
}

func (c *conn) cmdXAdd(args []string) resp.Value {
	if len(args) < 5 || (len(args)-3)%2 != 0 {
		return errWrongArgs("XADD")
	}
	id, err := store.ParseXAddID(args[2])
	if err != nil {
		return resp.Err("ERR Invalid stream ID specified as stream command argument")
	}
	fields := make([]store.Field, 0, (len(args)-3)/2)
	for i := 3; i < len(args); i += 2 {
		fields = append(fields, store.Field{Name: args[i], Value: args[i+1]})
	}
	resolved, err := c.srv.store.XAdd(args[1], id, fields)
	if err != nil {
		return storeErr(err)
	}
	return resp.Bulk(resolved.String())
}

func (c *conn) cmdXRange(args []string) resp.Value {
	if len(args) != 4 {
		return errWrongArgs("XRANGE")
	}
	lo, err := store.ParseRangeStart(args[2])
	if err != nil {
		return resp.Err("ERR Invalid stream ID specified as stream command argument")
	}
	hi, err := store.ParseRangeEnd(args[3])
	if err != nil {
		return resp.Err("ERR Invalid stream ID specified as stream command argument")
	}
	entries, err := c.srv.store.XRange(args[1], lo, hi)
	if err != nil {
		return storeErr(err)
	}
	return entriesValue(entries)
}

// xreadRequest is the parsed argument layout of XREAD: an optional BLOCK
// clause followed by STREAMS, keys, then one id per key.
type xreadRequest struct {
	block   bool
	blockMs int64
	keys    []string
	afters  []store.StreamID
}

func (c *conn) parseXRead(args []string) (xreadRequest, resp.Value) {
	req := xreadRequest{}
	i := 1
	if i < len(args) && strings.ToUpper(args[i]) == "BLOCK" {
		if i+1 >= len(args) {
			return req, resp.Err("ERR syntax error")
		}
		ms, err := strconv.ParseInt(args[i+1], 10, 64)
		if err != nil || ms < 0 {
			return req, resp.Err("ERR timeout is not an integer or out of range")
		}
		req.block = true
		req.blockMs = ms
		i += 2
	}
	if i >= len(args) || strings.ToUpper(args[i]) != "STREAMS" {
		return req, resp.Err("ERR syntax error")
	}
	rest := args[i+1:]
	if len(rest) == 0 || len(rest)%2 != 0 {
		return req, resp.Err("ERR Unbalanced XREAD list of streams: for each stream key an ID or '$' must be specified.")
	}
	n := len(rest) / 2
	req.keys = rest[:n]
	req.afters = make([]store.StreamID, n)
	for j, raw := range rest[n:] {
		if raw == "$" {
			last, err := c.srv.store.LastStreamID(req.keys[j])
			if err != nil {
				return req, storeErr(err)
			}
			req.afters[j] = last
			continue
		}
		id, err := store.ParseRangeStart(raw)
		if err != nil {
			return req, resp.Err("ERR Invalid stream ID specified as stream command argument")
		}
		req.afters[j] = id
	}
	return req, resp.Value{}
}

func xreadResponse(keys []string, results [][]store.StreamEntry) resp.Value {
	elems := []resp.Value{}
	for i, entries := range results {
		if len(entries) == 0 {
			continue
		}
		elems = append(elems, resp.Array(resp.Bulk(keys[i]), entriesValue(entries)))
	}
	return resp.Array(elems...)
}

// cmdXRead returns entries strictly after the per-key bounds. With BLOCK
// and nothing to return, it registers one shared waiter across all
// requested keys and blocks until the first qualifying entry, the
// timeout, or shutdown. Inside EXEC, BLOCK degrades to the non-blocking
// form.
func (c *conn) cmdXRead(ctx context.Context, args []string) resp.Value {
	req, errReply := c.parseXRead(args)
	if errReply.Kind == resp.KindError {
		return errReply
	}

	if !req.block || c.inExec {
		results, err := c.srv.store.XRead(req.keys, req.afters)
		if err != nil {
			return storeErr(err)
		}
		return xreadResponse(req.keys, results)
	}

	w := store.NewStreamWaiter()
	results, registered, err := c.srv.store.XReadSubscribe(req.keys, req.afters, w)
	if err != nil {
		return storeErr(err)
	}
	if !registered {
		return xreadResponse(req.keys, results)
	}

	c.srv.metrics.BlockedClients.Inc()
	defer c.srv.metrics.BlockedClients.Dec()

	var timeoutC <-chan time.Time
	if req.blockMs > 0 {
		timer := time.NewTimer(time.Duration(req.blockMs) * time.Millisecond)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case d := <-w.C():
		return resp.Array(resp.Array(resp.Bulk(d.Key), resp.Array(entryValue(d.Entry))))
	case <-timeoutC:
	case <-ctx.Done():
		c.closing = true
	}

	w.Close()
	if d, ok := w.TryDrain(); ok {
		return resp.Array(resp.Array(resp.Bulk(d.Key), resp.Array(entryValue(d.Entry))))
	}
	return resp.NilArray()
}
