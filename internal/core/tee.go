package core

import (
	"context"

	"tradelog/internal/schema"
)

type tee []schema.Consumer

// Tee delivers each event to every consumer in order and stops at the first
// error. Nil consumers are skipped.
func Tee(consumers ...schema.Consumer) schema.Consumer {
	out := make(tee, 0, len(consumers))
	for _, c := range consumers {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

func (t tee) OnEvent(ctx context.Context, e schema.Event) error {
	for _, c := range t {
		if err := c.OnEvent(ctx, e); err != nil {
			return err
		}
	}
	return nil
}
