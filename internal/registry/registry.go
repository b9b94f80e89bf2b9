// Package registry maps protocol identifiers onto internal identities: idTag
// to user and transaction id to session. Entries live for the duration of a
// session and are rebuilt from the session store at startup.
package registry

import (
	"context"
	"strings"
)

// Registry is the identity mapping used by the event reconciler and the
// session API. Implementations must be safe for concurrent use.
type Registry interface {
	// RegisterTag stores tag -> userID. Idempotent upsert; the tag is
	// case-normalized before storage.
	RegisterTag(ctx context.Context, tag, userID string) error
	// ResolveTag returns the user bound to a tag.
	ResolveTag(ctx context.Context, tag string) (string, bool, error)
	// UnregisterTag removes a tag binding; a no-op when absent.
	UnregisterTag(ctx context.Context, tag string) error

	// BindTransaction stores transactionID -> sessionID.
	BindTransaction(ctx context.Context, transactionID int64, sessionID string) error
	// ResolveTransaction returns the session bound to a transaction.
	ResolveTransaction(ctx context.Context, transactionID int64) (string, bool, error)
	// UnbindTransaction removes a transaction binding; a no-op when absent.
	UnbindTransaction(ctx context.Context, transactionID int64) error
}

// NormalizeTag uppercases and trims a protocol tag. OCPP idTags are compared
// case-insensitively by the charge point.
func NormalizeTag(tag string) string {
	return strings.ToUpper(strings.TrimSpace(tag))
}
