package server

import (
	"strconv"
	"strings"
	"time"

	"respkv/internal/resp"
)

func (c *conn) cmdPing(args []string) resp.Value {
	if c.subscribeMode {
		return resp.Array(resp.Bulk("pong"), resp.Bulk(""))
	}
	switch len(args) {
	case 1:
		return resp.Simple("PONG")
	case 2:
		return resp.Bulk(args[1])
	default:
		return errWrongArgs("PING")
	}
}

func (c *conn) cmdEcho(args []string) resp.Value {
	if len(args) != 2 {
		return errWrongArgs("ECHO")
	}
	return resp.Bulk(args[1])
}

func (c *conn) cmdSet(args []string) resp.Value {
	if len(args) < 3 {
		return errWrongArgs("SET")
	}
	var ttl time.Duration
	if len(args) > 3 {
		if len(args) != 5 {
			return resp.Err("ERR syntax error")
		}
		n, err := strconv.ParseInt(args[4], 10, 64)
		if err != nil || n <= 0 {
			return resp.Err("ERR invalid expire time in 'set' command")
		}
		switch strings.ToUpper(args[3]) {
		case "PX":
			ttl = time.Duration(n) * time.Millisecond
		case "EX":
			ttl = time.Duration(n) * time.Second
		default:
			return resp.Err("ERR syntax error")
		}
	}
	c.srv.store.Set(args[1], resp.Bulk(args[2]), ttl)
	return resp.Simple("OK")
}

func (c *conn) cmdGet(args []string) resp.Value {
	if len(args) != 2 {
		return errWrongArgs("GET")
	}
	v, ok, err := c.srv.store.Get(args[1])
	if err != nil {
		return storeErr(err)
	}
	if !ok {
		return resp.NilBulk()
	}
	// Stored simple strings are re-emitted bulk.
	text, _ := v.Text()
	return resp.Bulk(text)
}

func (c *conn) cmdType(args []string) resp.Value {
	if len(args) != 2 {
		return errWrongArgs("TYPE")
	}
	return resp.Simple(c.srv.store.Type(args[1]))
}

func (c *conn) cmdIncr(args []string) resp.Value {
	if len(args) != 2 {
		return errWrongArgs("INCR")
	}
	n, err := c.srv.store.Incr(args[1])
	if err != nil {
		return storeErr(err)
	}
	return resp.Int(n)
}

func (c *conn) cmdPSync(args []string) resp.Value {
	if len(args) != 3 {
		return errWrongArgs("PSYNC")
	}
	return resp.Simple("FULLRESYNC " + c.srv.cfg.Replication.ID + " 0")
}
