package server

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"respkv/internal/resp"
)

// Handshake registers this instance with its master: PING, two REPLCONF
// rounds, then PSYNC. Each response is read in full before the next
// command is sent. The connection is returned open; no replication
// stream is consumed beyond the handshake.
func Handshake(ctx context.Context, masterAddr string, listenPort int, log *zap.Logger) (net.Conn, error) {
	var d net.Dialer
	sock, err := d.DialContext(ctx, "tcp", masterAddr)
	if err != nil {
		return nil, fmt.Errorf("dial master: %w", err)
	}

	r := resp.NewReader(sock)
	w := resp.NewWriter(sock)

	steps := []struct {
		name string
		args []string
	}{
		{"PING", []string{"PING"}},
		{"REPLCONF listening-port", []string{"REPLCONF", "listening-port", strconv.Itoa(listenPort)}},
		{"REPLCONF capa", []string{"REPLCONF", "capa", "psync2"}},
		{"PSYNC", []string{"PSYNC", "?", "-1"}},
	}

	for _, step := range steps {
		elems := make([]resp.Value, len(step.args))
		for i, a := range step.args {
			elems[i] = resp.Bulk(a)
		}
		if err := w.WriteValue(resp.Array(elems...)); err != nil {
			_ = sock.Close()
			return nil, fmt.Errorf("handshake %s: %w", step.name, err)
		}
		reply, err := r.ReadValue()
		if err != nil {
			_ = sock.Close()
			return nil, fmt.Errorf("handshake %s: %w", step.name, err)
		}
		if reply.Kind == resp.KindError {
			_ = sock.Close()
			return nil, fmt.Errorf("handshake %s: master replied %q", step.name, reply.Str)
		}
		log.Debug("handshake step complete",
			zap.String("step", step.name),
			zap.String("reply", strings.TrimSpace(reply.Str)))
	}

	log.Info("replica handshake complete", zap.String("master", masterAddr))
	return sock, nil
}
