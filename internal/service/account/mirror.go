// Package account exposes the compact per-account view other platform
// services read: the mirrored capability keyset and the billing summary.
package account

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrMirrorMiss is returned when an account has no mirrored keyset yet.
var ErrMirrorMiss = errors.New("entitlement keys not mirrored")

// Mirror stores each account's capability keyset outside the billing
// database. Reconciliation writes it, hot read paths consume it.
type Mirror interface {
	Put(ctx context.Context, accountID uuid.UUID, keys []string) error
	Get(ctx context.Context, accountID uuid.UUID) ([]string, error)
	Invalidate(ctx context.Context, accountID uuid.UUID) error
}
