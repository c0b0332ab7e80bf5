package provider

import (
	"context"
	"encoding/json"
)

// EchoType is the type key for the built-in echo provider.
const EchoType = "echo"

// Echo is a trivial provider that returns its input unchanged.
// Registered by default for pipeline smoke tests.
type Echo struct{}

// Execute implements Provider.
func (Echo) Execute(ctx context.Context, input json.RawMessage, taskID string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(input) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return input, nil
}
