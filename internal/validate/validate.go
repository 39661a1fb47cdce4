// Package validate checks recipient reachability before delivery.
package validate

import (
	"context"
	"fmt"

	"github.com/zulandar/courier/internal/channel"
)

// Result is the outcome of a recipient check.
type Result struct {
	Reachable bool
	// Address is the form to use for the actual send: the adapter's
	// canonicalized address when it provided one, otherwise the input.
	Address string
}

// Validator confirms, via the channel adapter, that a target address is
// registered before a send is attempted. A negative result is final for
// that campaign message; there are no retries on other channels.
type Validator struct{}

// New creates a Validator.
func New() *Validator {
	return &Validator{}
}

// Check asks the adapter whether the address is reachable.
func (v *Validator) Check(ctx context.Context, a channel.Adapter, address string) (Result, error) {
	exists, canonical, err := a.Exists(ctx, address)
	if err != nil {
		return Result{}, fmt.Errorf("validate: %s: %w", a.Name(), err)
	}
	if !exists {
		return Result{Reachable: false}, nil
	}
	if canonical == "" {
		canonical = address
	}
	return Result{Reachable: true, Address: canonical}, nil
}
