package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ggoodman/xrpc-server-go/xrpc"
)

// Decoder converts an event into an item for a subscription's output
// channel.
type Decoder func(Event) (any, error)

// JSONDecoder decodes Data as a JSON object and adds the event's sequence
// number as "seq" and its type as "$type".
func JSONDecoder(ev Event) (any, error) {
	body := map[string]any{}
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &body); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", ev.Seq, err)
		}
	}
	body["seq"] = ev.Seq
	if ev.Type != "" {
		body["$type"] = ev.Type
	}
	return body, nil
}

// Stream returns a subscription handler that follows topic. An integer
// "cursor" parameter resumes after that sequence number; without one only
// new events are sent. A nil decode uses JSONDecoder.
func Stream(b Broker, topic string, decode Decoder) xrpc.StreamHandler {
	if decode == nil {
		decode = JSONDecoder
	}
	return func(ctx context.Context, sc *xrpc.StreamContext, out chan<- any) error {
		var cursor *int64
		if c, ok := sc.Params["cursor"].(int64); ok {
			cursor = &c
		}

		sub, err := b.Subscribe(ctx, topic, cursor)
		if errors.Is(err, ErrFutureCursor) {
			return xrpc.NewError(xrpc.InvalidRequest, "FutureCursor", "Cursor in the future.")
		}
		if err != nil {
			return err
		}
		defer sub.Close()

		for {
			ev, err := sub.Next(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			item, err := decode(ev)
			if err != nil {
				return err
			}
			select {
			case out <- item:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
