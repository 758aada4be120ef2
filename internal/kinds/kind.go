// Package kinds implements the per-entity-type capability set used by the
// harmonization engine. Contacts, events and tasks share one reconciliation
// shape; a Kind knows how to turn a remote JMAP object into canonical local
// content, how to sign that content and how to turn it back into a payload.
//
// Canonical content is JSON restricted to the properties a kind owns. Server
// managed properties (id, container membership, blobs) are dropped so that
// content received from the server and content pushed to it sign identically.
package kinds

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/harmony/internal/models"
)

// ErrUnknownKind is returned by Registry.Lookup for unregistered entity types.
var ErrUnknownKind = errors.New("unknown entity kind")

// Kind is the capability set of one entity type.
type Kind interface {
	Type() models.EntityType

	// Signature is the deterministic hash of canonical content.
	Signature(content []byte) string

	// ApplyRemote converts a remote payload into canonical local content.
	ApplyRemote(payload json.RawMessage) ([]byte, error)

	// Normalize canonicalizes locally authored content.
	Normalize(content []byte) ([]byte, error)

	// ToRemotePayload converts canonical content into a remote payload.
	ToRemotePayload(content []byte) (json.RawMessage, error)

	// Modified returns the last-modified time carried by the content, or the
	// zero time when it has none.
	Modified(content []byte) time.Time
}

// propertyKind is a Kind defined by a JSON "@type" and a property allowlist.
type propertyKind struct {
	typ      models.EntityType
	atType   string
	props    map[string]struct{}
	modified string
}

func newPropertyKind(typ models.EntityType, atType string, props ...string) *propertyKind {
	k := &propertyKind{typ: typ, atType: atType, props: make(map[string]struct{}, len(props)), modified: "updated"}
	for _, p := range props {
		k.props[p] = struct{}{}
	}
	return k
}

func (k *propertyKind) Type() models.EntityType { return k.typ }

func (k *propertyKind) Signature(content []byte) string {
	return hashWithDomain("harmony/"+string(k.typ)+"/v1", content)
}

func (k *propertyKind) ApplyRemote(payload json.RawMessage) ([]byte, error) {
	return k.Normalize(payload)
}

func (k *propertyKind) Normalize(content []byte) ([]byte, error) {
	v, err := Decode(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", k.typ, err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s: content must be a json object", k.typ)
	}

	if t, ok := obj["@type"].(string); ok && t != k.atType {
		return nil, fmt.Errorf("%s: unexpected @type %q", k.typ, t)
	}

	out := make(map[string]any, len(obj))
	for name, val := range obj {
		if _, ok := k.props[name]; ok {
			out[name] = val
		}
	}
	out["@type"] = k.atType

	return Canonical(out)
}

func (k *propertyKind) ToRemotePayload(content []byte) (json.RawMessage, error) {
	normalized, err := k.Normalize(content)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(normalized), nil
}

func (k *propertyKind) Modified(content []byte) time.Time {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(content, &probe); err != nil {
		return time.Time{}
	}
	raw, ok := probe[k.modified]
	if !ok {
		return time.Time{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// Registry maps entity types to kinds.
type Registry map[models.EntityType]Kind

// Lookup returns the kind registered for t.
func (r Registry) Lookup(t models.EntityType) (Kind, error) {
	k, ok := r[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, t)
	}
	return k, nil
}

// Default returns a registry with contacts, events and tasks.
func Default() Registry {
	return Registry{
		models.EntityTypeContact: Contact(),
		models.EntityTypeEvent:   Event(),
		models.EntityTypeTask:    Task(),
	}
}
