package server

import (
	"context"
	"strings"

	"respkv/internal/resp"
)

func (c *conn) cmdMulti(args []string) resp.Value {
	if len(args) != 1 {
		return errWrongArgs("MULTI")
	}
	if c.multiMode {
		return resp.Err("ERR MULTI calls can not be nested")
	}
	c.multiMode = true
	return resp.Simple("OK")
}

// cmdExec replays the queued commands in order. A failing command
// contributes its error as that element of the result array and the
// batch continues. Blocking commands run in their non-blocking form.
func (c *conn) cmdExec(ctx context.Context, args []string) resp.Value {
	if len(args) != 1 {
		return errWrongArgs("EXEC")
	}
	if !c.multiMode {
		return resp.Err("ERR EXEC without MULTI")
	}
	queued := c.queued
	c.queued = nil
	c.multiMode = false

	c.inExec = true
	defer func() { c.inExec = false }()

	results := make([]resp.Value, len(queued))
	for i, cmdArgs := range queued {
		results[i] = c.execute(ctx, strings.ToUpper(cmdArgs[0]), cmdArgs)
	}
	return resp.Array(results...)
}

func (c *conn) cmdDiscard(args []string) resp.Value {
	if len(args) != 1 {
		return errWrongArgs("DISCARD")
	}
	if !c.multiMode {
		return resp.Err("ERR DISCARD without MULTI")
	}
	c.queued = nil
	c.multiMode = false
	return resp.Simple("OK")
}
