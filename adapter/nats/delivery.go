package nats

import (
	"context"
	"fmt"

	"github.com/trickstertwo/xhist"
)

// delivery settles one core NATS message. Core NATS has no acknowledgements, so Ack only
// counts and Reject optionally republishes to the dead-letter routing key.
type delivery struct {
	t   *Transport
	msg *xhist.Message
}

func (d *delivery) Message() *xhist.Message { return d.msg }

func (d *delivery) Ack(context.Context) error {
	d.t.metrics.acked.Add(1)
	return nil
}

func (d *delivery) Reject(ctx context.Context, reason error) error {
	d.t.metrics.rejected.Add(1)

	dl := d.t.cfg.DeadLetter
	if dl == "" {
		return nil
	}
	cp := *d.msg
	cp.Metadata = make(map[string]string, len(d.msg.Metadata)+2)
	for k, v := range d.msg.Metadata {
		cp.Metadata[k] = v
	}
	cp.Metadata["origRoutingKey"] = d.msg.RoutingKey
	cp.Metadata["error"] = fmt.Sprint(reason)

	if err := d.t.Publish(ctx, dl, &cp); err != nil {
		return fmt.Errorf("nats: dead-letter %s: %w", d.msg.ID, err)
	}
	d.t.metrics.deadLettered.Add(1)
	return nil
}
