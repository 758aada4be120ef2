package models

import "time"

// Entity is one synchronized item (contact, event or task).
type Entity struct {
	ID           string
	CollectionID string
	UUID         string

	// Content is the canonical local representation produced by the entity kind.
	Content []byte

	// Signature is the content hash of Content.
	Signature string

	// RemoteID is empty for local-only creations.
	RemoteID string

	// LastRemoteSignature is what both sides last agreed on. It is written
	// only by a successful reconciler commit.
	LastRemoteSignature string

	ModifiedAt time.Time

	// Deleted marks a local deletion waiting to be pushed to the remote.
	Deleted bool

	// Pinned entities survive remote deletion and are recreated remotely.
	Pinned bool
}

// LocallyChanged reports whether the entity differs from the agreed state.
func (e *Entity) LocallyChanged() bool {
	return e.RemoteID == "" || e.Deleted || e.Signature != e.LastRemoteSignature
}
