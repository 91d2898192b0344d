package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
)

// ExecuteJSON is Execute for operations producing a JSON-serialisable
// value. It returns the decoded value together with the stored bytes, which
// are identical across the original run and every replay.
func ExecuteJSON[T any](ctx context.Context, e *Engine, key string, fp Fingerprint, op func(ctx context.Context) (T, error), opts ...ExecuteOption) (T, []byte, error) {
	var zero T
	raw, err := e.Execute(ctx, key, fp, func(ctx context.Context) ([]byte, error) {
		v, err := op(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	}, opts...)
	if err != nil {
		return zero, nil, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, raw, fmt.Errorf("idempotency: decode stored result: %w", err)
	}
	return out, raw, nil
}
