package server

import "respkv/internal/resp"

func (c *conn) cmdSubscribe(args []string) resp.Value {
	if len(args) != 2 {
		return errWrongArgs("SUBSCRIBE")
	}
	channel := args[1]
	count := c.srv.registry.Subscribe(c.id, channel)
	c.subscribeMode = true
	return resp.Array(resp.Bulk("subscribe"), resp.Bulk(channel), resp.Int(int64(count)))
}

func (c *conn) cmdUnsubscribe(args []string) resp.Value {
	if len(args) != 2 {
		return errWrongArgs("UNSUBSCRIBE")
	}
	channel := args[1]
	count := c.srv.registry.Unsubscribe(c.id, channel)
	if count == 0 {
		c.subscribeMode = false
	}
	return resp.Array(resp.Bulk("unsubscribe"), resp.Bulk(channel), resp.Int(int64(count)))
}

func (c *conn) cmdPublish(args []string) resp.Value {
	if len(args) != 3 {
		return errWrongArgs("PUBLISH")
	}
	channel, message := args[1], args[2]
	frame := resp.Array(resp.Bulk("message"), resp.Bulk(channel), resp.Bulk(message)).Encode()
	n := c.srv.registry.Publish(channel, frame)
	c.srv.metrics.PubSubPublished.Inc()
	c.srv.metrics.PubSubDelivered.Add(float64(n))
	return resp.Int(int64(n))
}
