package store

import (
	"context"

	"github.com/collapsinghierarchy/p12sign/model"
)

// Store persists the audit trail of signing runs.
type Store interface {
	InsertSigning(ctx context.Context, s *model.Signing) error
	StreamSignings(ctx context.Context, appName string, fn func(*model.Signing) error) error
}
