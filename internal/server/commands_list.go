package server

import (
	"context"
	"strconv"
	"time"

	"respkv/internal/resp"
	"respkv/internal/store"
)

func (c *conn) cmdPush(args []string, front bool) resp.Value {
	if len(args) < 3 {
		return errWrongArgs(args[0])
	}
	n, err := c.srv.store.Push(args[1], args[2:], front)
	if err != nil {
		return storeErr(err)
	}
	return resp.Int(int64(n))
}

func (c *conn) cmdLLen(args []string) resp.Value {
	if len(args) != 2 {
		return errWrongArgs("LLEN")
	}
	n, err := c.srv.store.LLen(args[1])
	if err != nil {
		return storeErr(err)
	}
	return resp.Int(int64(n))
}

func (c *conn) cmdLPop(args []string) resp.Value {
	switch len(args) {
	case 2:
		v, ok, err := c.srv.store.LPop(args[1])
		if err != nil {
			return storeErr(err)
		}
		if !ok {
			return resp.NilBulk()
		}
		return resp.Bulk(v)
	case 3:
		count, err := strconv.Atoi(args[2])
		if err != nil || count < 0 {
			return resp.Err("ERR value is out of range, must be positive")
		}
		vs, err := c.srv.store.LPopCount(args[1], count)
		if err != nil {
			return storeErr(err)
		}
		elems := make([]resp.Value, len(vs))
		for i, v := range vs {
			elems[i] = resp.Bulk(v)
		}
		return resp.Array(elems...)
	default:
		return errWrongArgs("LPOP")
	}
}

func (c *conn) cmdLRange(args []string) resp.Value {
	if len(args) != 4 {
		return errWrongArgs("LRANGE")
	}
	start, err1 := strconv.Atoi(args[2])
	stop, err2 := strconv.Atoi(args[3])
	if err1 != nil || err2 != nil {
		return storeErr(store.ErrNotInteger)
	}
	vs, err := c.srv.store.LRange(args[1], start, stop)
	if err != nil {
		return storeErr(err)
	}
	elems := make([]resp.Value, len(vs))
	for i, v := range vs {
		elems[i] = resp.Bulk(v)
	}
	return resp.Array(elems...)
}

// cmdBLPop pops immediately when the list has an element; otherwise it
// registers a waiter and blocks outside the store lock until a push, the
// timeout, or shutdown. A zero timeout waits forever. Inside EXEC the
// command degrades to a non-blocking pop.
func (c *conn) cmdBLPop(ctx context.Context, args []string) resp.Value {
	if len(args) != 3 {
		return errWrongArgs("BLPOP")
	}
	key := args[1]
	seconds, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return resp.Err("ERR timeout is not a float or out of range")
	}
	if seconds < 0 {
		return resp.Err("ERR timeout is negative")
	}

	if c.inExec {
		v, ok, err := c.srv.store.LPop(key)
		if err != nil {
			return storeErr(err)
		}
		if !ok {
			return resp.NilArray()
		}
		return resp.Array(resp.Bulk(key), resp.Bulk(v))
	}

	w := store.NewListWaiter()
	v, ok, err := c.srv.store.BLPop(key, w)
	if err != nil {
		return storeErr(err)
	}
	if ok {
		return resp.Array(resp.Bulk(key), resp.Bulk(v))
	}

	c.srv.metrics.BlockedClients.Inc()
	defer c.srv.metrics.BlockedClients.Dec()

	var timeoutC <-chan time.Time
	if seconds > 0 {
		timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case v := <-w.C():
		return resp.Array(resp.Bulk(key), resp.Bulk(v))
	case <-timeoutC:
	case <-ctx.Done():
		c.closing = true
	}

	// Close the waiter so producers skip it, then pick up a value that
	// raced in just before the close.
	w.Close()
	if v, ok := w.TryDrain(); ok {
		return resp.Array(resp.Bulk(key), resp.Bulk(v))
	}
	return resp.NilArray()
}
