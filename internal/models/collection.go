package models

// Collection is one local container of entities: an address book, a
// calendar or a task list.
type Collection struct {
	ID         string
	AccountID  string
	EntityType EntityType
	UUID       string
	Name       string

	// RemoteID is empty until the collection is linked to a remote container.
	RemoteID string

	// LocalState is the chronicle apex token at the last commit.
	LocalState string

	// RemoteState is the last server-issued state token. Empty forces a full listing.
	RemoteState string

	Enabled bool
}
