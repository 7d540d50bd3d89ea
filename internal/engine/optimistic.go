// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"

	"github.com/jeranaias/nelson-client/internal/model"
)

// Optimistic is a two-phase commit: apply locally, then confirm remotely.
//
//   - Confirm succeeds: done.
//   - Confirm fails with a connectivity error: Defer records the intent
//     (usually by enqueueing) and the local change stays.
//   - Any other failure, or a failing Defer: Rollback undoes Apply and the
//     error is returned.
type Optimistic struct {
	// Apply makes the local change. Optional.
	Apply func() error

	// Confirm performs the remote mutation.
	Confirm func(ctx context.Context) error

	// Rollback restores the state before Apply. Optional.
	Rollback func(err error)

	// Defer handles a connectivity failure. Nil means connectivity
	// failures roll back like any other error.
	Defer func(ctx context.Context, err error) error
}

// Run executes the commit.
func (o Optimistic) Run(ctx context.Context) error {
	if o.Apply != nil {
		if err := o.Apply(); err != nil {
			return err
		}
	}

	err := o.Confirm(ctx)
	if err == nil {
		return nil
	}

	if o.Defer != nil && model.IsConnectivity(err) {
		derr := o.Defer(ctx, err)
		if derr == nil {
			return nil
		}
		err = derr
	}

	if o.Rollback != nil {
		o.Rollback(err)
	}
	return err
}
