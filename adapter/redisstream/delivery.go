package redisstream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xhist"
)

// delivery implements xhist.Delivery for one stream entry.
// The bus settles each delivery exactly once.
type delivery struct {
	t      *Transport
	stream string
	group  string
	id     string
	msg    *xhist.Message
}

func (d *delivery) Message() *xhist.Message { return d.msg }

// Ack removes the entry from the group's pending list.
func (d *delivery) Ack(ctx context.Context) error {
	if err := d.t.client.XAck(ctx, d.stream, d.group, d.id).Err(); err != nil {
		return err
	}
	d.t.metrics.acked.Add(1)
	if d.t.cfg.AutoDeleteOnAck {
		_ = d.t.client.XDel(ctx, d.stream, d.id).Err()
	}
	return nil
}

// Reject copies the entry to the dead-letter stream when configured, then acknowledges it
// so the group never sees it again.
func (d *delivery) Reject(ctx context.Context, reason error) error {
	d.t.metrics.rejected.Add(1)

	if dl := d.t.cfg.DeadLetter; dl != "" {
		values := encodeValues(d.msg)
		values["origStream"] = d.stream
		values["origId"] = d.id
		values["error"] = fmt.Sprint(reason)

		if err := d.t.client.XAdd(ctx, &redis.XAddArgs{Stream: dl, ID: "*", Values: values}).Err(); err != nil {
			return fmt.Errorf("redisstream: dead-letter %s: %w", d.id, err)
		}
		d.t.metrics.deadLettered.Add(1)
	}

	return d.t.client.XAck(ctx, d.stream, d.group, d.id).Err()
}

func encodeValues(m *xhist.Message) map[string]any {
	vals := make(map[string]any, 7+len(m.Metadata))
	if m.ID != "" {
		vals[fieldID] = m.ID
	}
	vals[fieldName] = m.Name
	vals[fieldRoutingKey] = m.RoutingKey
	if m.CorrelationID != "" {
		vals[fieldCorrelationID] = m.CorrelationID
	}
	if m.ReplyTo != "" {
		vals[fieldReplyTo] = m.ReplyTo
	}
	vals[fieldPayload] = m.Payload
	vals[fieldProducedAt] = m.ProducedAt.UnixNano()
	for k, v := range m.Metadata {
		vals[fieldMetaPrefix+k] = v
	}
	return vals
}

// decodeMessage rebuilds a message from stream entry values. The entry ID is used
// when the producer did not set one.
func decodeMessage(stream, entryID string, vals map[string]any) *xhist.Message {
	msg := &xhist.Message{
		ID:         entryID,
		RoutingKey: stream,
		Metadata:   make(map[string]string),
	}

	for k, v := range vals {
		switch k {
		case fieldID:
			if s := asString(v); s != "" {
				msg.ID = s
			}
		case fieldName:
			msg.Name = asString(v)
		case fieldRoutingKey:
			if s := asString(v); s != "" {
				msg.RoutingKey = s
			}
		case fieldCorrelationID:
			msg.CorrelationID = asString(v)
		case fieldReplyTo:
			msg.ReplyTo = asString(v)
		case fieldPayload:
			switch p := v.(type) {
			case []byte:
				msg.Payload = p
			case string:
				msg.Payload = []byte(p)
			}
		case fieldProducedAt:
			if ns, ok := toInt64(v); ok && ns > 0 {
				msg.ProducedAt = time.Unix(0, ns)
			}
		default:
			if name, ok := strings.CutPrefix(k, fieldMetaPrefix); ok {
				msg.Metadata[name] = asString(v)
			}
		}
	}
	return msg
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(s)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	case []byte:
		return toInt64(string(n))
	}
	return 0, false
}
