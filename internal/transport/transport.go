// Package transport defines the contract the harmonization engine consumes
// from a remote groupware server, and an in-memory implementation of it.
package transport

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dmitrijs2005/harmony/internal/common"
	"github.com/dmitrijs2005/harmony/internal/models"
)

var (
	// ErrTokenInvalid means the server cannot compute changes from the given
	// state token. Callers fall back to a full listing.
	ErrTokenInvalid = errors.New("remote state token invalid")

	// ErrNotFound is returned when the remote entity or collection is gone.
	ErrNotFound = errors.New("remote object not found")

	// ErrRejected is an account-scope authentication or authorization failure.
	ErrRejected = common.ErrTransportRejected

	// ErrTimeout wraps deadline expiry of a transport call.
	ErrTimeout = common.ErrTransportTimeout
)

// RemoteCollection is a container on the server.
type RemoteCollection struct {
	ID   string
	Type models.EntityType
	Name string
}

// Ref addresses one remote collection of a given entity type.
type Ref struct {
	Type         models.EntityType
	CollectionID string
}

// RemoteEntity is one remote object with its raw payload.
type RemoteEntity struct {
	ID      string
	Payload json.RawMessage
}

// Listing is a full snapshot of a remote collection.
type Listing struct {
	Entities []RemoteEntity
	State    string
}

// Changes is the answer to a delta query.
type Changes struct {
	Added    []RemoteEntity
	Changed  []RemoteEntity
	Deleted  []string
	NewState string
}

// WriteResult is the outcome of a remote create or update. Payload is the
// object as the server now holds it; nil means the pushed payload was stored
// unchanged.
type WriteResult struct {
	RemoteID string
	Payload  json.RawMessage
}

// Remote is the remote transport of one connected account.
type Remote interface {
	ListCollections(ctx context.Context) ([]RemoteCollection, error)
	Fetch(ctx context.Context, ref Ref) (*Listing, error)

	// Delta returns changes after state. It fails with ErrTokenInvalid when
	// the server no longer knows the token.
	Delta(ctx context.Context, ref Ref, state string) (*Changes, error)

	Create(ctx context.Context, ref Ref, payload json.RawMessage) (*WriteResult, error)
	Update(ctx context.Context, ref Ref, remoteID string, payload json.RawMessage) (*WriteResult, error)
	Delete(ctx context.Context, ref Ref, remoteID string) error
}

// Dialer opens the Remote of an account from its connection parameters.
type Dialer interface {
	Dial(ctx context.Context, account *models.ServiceAccount) (Remote, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, account *models.ServiceAccount) (Remote, error)

func (f DialerFunc) Dial(ctx context.Context, account *models.ServiceAccount) (Remote, error) {
	return f(ctx, account)
}

// Classify marks deadline expiry of a transport call with ErrTimeout.
func Classify(ctx context.Context, err error) error {
	if err == nil || errors.Is(err, ErrTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Join(ErrTimeout, err)
	}
	return err
}
