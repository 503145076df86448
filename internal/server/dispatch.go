package server

import (
	"context"
	"strings"

	"respkv/internal/resp"
)

// subscribeModeCommands are the only commands accepted while a
// connection has active subscriptions.
var subscribeModeCommands = map[string]bool{
	"SUBSCRIBE":    true,
	"UNSUBSCRIBE":  true,
	"PSUBSCRIBE":   true,
	"PUNSUBSCRIBE": true,
	"PING":         true,
	"QUIT":         true,
}

// dispatch applies the per-connection state machine (multi-mode queuing,
// subscribe-mode restriction) and executes the command.
func (c *conn) dispatch(ctx context.Context, args []string) resp.Value {
	cmd := strings.ToUpper(args[0])

	if c.multiMode && cmd != "MULTI" && cmd != "EXEC" && cmd != "DISCARD" {
		// Arity is validated at EXEC time, not here.
		c.queued = append(c.queued, args)
		return resp.Simple("QUEUED")
	}

	if c.subscribeMode && !subscribeModeCommands[cmd] {
		return resp.Err("ERR Can't execute '" + cmd + "' in subscribed mode")
	}

	c.srv.metrics.Commands.WithLabelValues(cmd).Inc()
	return c.execute(ctx, cmd, args)
}

// execute runs a single command. It is shared by the normal path and the
// EXEC replay of queued commands.
func (c *conn) execute(ctx context.Context, cmd string, args []string) resp.Value {
	switch cmd {
	case "PING":
		return c.cmdPing(args)
	case "ECHO":
		return c.cmdEcho(args)
	case "SET":
		return c.cmdSet(args)
	case "GET":
		return c.cmdGet(args)
	case "TYPE":
		return c.cmdType(args)
	case "INCR":
		return c.cmdIncr(args)
	case "RPUSH":
		return c.cmdPush(args, false)
	case "LPUSH":
		return c.cmdPush(args, true)
	case "LLEN":
		return c.cmdLLen(args)
	case "LPOP":
		return c.cmdLPop(args)
	case "LRANGE":
		return c.cmdLRange(args)
	case "BLPOP":
		return c.cmdBLPop(ctx, args)
	case "XADD":
		return c.cmdXAdd(args)
	case "XRANGE":
		return c.cmdXRange(args)
	case "XREAD":
		return c.cmdXRead(ctx, args)
	case "SUBSCRIBE":
		return c.cmdSubscribe(args)
	case "UNSUBSCRIBE":
		return c.cmdUnsubscribe(args)
	case "PUBLISH":
		return c.cmdPublish(args)
	case "MULTI":
		return c.cmdMulti(args)
	case "EXEC":
		return c.cmdExec(ctx, args)
	case "DISCARD":
		return c.cmdDiscard(args)
	case "REPLCONF":
		return resp.Simple("OK")
	case "PSYNC":
		return c.cmdPSync(args)
	case "QUIT":
		c.closing = true
		return resp.Simple("OK")
	default:
		return resp.Err("ERR unknown command '" + args[0] + "'")
	}
}

func errWrongArgs(cmd string) resp.Value {
	return resp.Err("ERR wrong number of arguments for '" + strings.ToLower(cmd) + "' command")
}

func storeErr(err error) resp.Value {
	return resp.Err(err.Error())
}
