package jmap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/dmitrijs2005/harmony/internal/models"
	"github.com/dmitrijs2005/harmony/internal/transport"
)

var _ transport.Remote = (*Client)(nil)

func (c *Client) resolve(ctx context.Context, typ models.EntityType) (dataType, string, error) {
	d, ok := dataTypes[typ]
	if !ok {
		return dataType{}, "", fmt.Errorf("jmap: unsupported entity type %q", typ)
	}
	s, err := c.Session(ctx)
	if err != nil {
		return dataType{}, "", err
	}
	accountID, ok := s.accountFor(d.capability)
	if !ok {
		return dataType{}, "", fmt.Errorf("jmap: server lacks %s", d.capability)
	}
	return d, accountID, nil
}

// ListCollections returns the containers of every entity type the server
// supports.
func (c *Client) ListCollections(ctx context.Context) ([]transport.RemoteCollection, error) {
	s, err := c.Session(ctx)
	if err != nil {
		return nil, err
	}

	var out []transport.RemoteCollection
	for _, typ := range models.EntityTypes {
		d := dataTypes[typ]
		accountID, ok := s.accountFor(d.capability)
		if !ok {
			continue
		}
		var res struct {
			List []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"list"`
		}
		args := map[string]any{"accountId": accountID, "ids": nil}
		if err := c.call(ctx, d.capability, d.container+"/get", args, &res); err != nil {
			return nil, err
		}
		for _, l := range res.List {
			out = append(out, transport.RemoteCollection{ID: l.ID, Type: typ, Name: l.Name})
		}
	}
	return out, nil
}

type getResponse struct {
	State    string            `json:"state"`
	List     []json.RawMessage `json:"list"`
	NotFound []string          `json:"notFound"`
}

// get fetches objects by id, or all objects when ids is nil.
func (c *Client) get(ctx context.Context, d dataType, accountID string, ids []string) (*getResponse, error) {
	args := map[string]any{"accountId": accountID, "ids": ids}
	var res getResponse
	if err := c.call(ctx, d.capability, d.object+"/get", args, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// split partitions fetched objects into members of the container and ids of
// objects that live elsewhere.
func split(d dataType, containerID string, list []json.RawMessage) ([]transport.RemoteEntity, []string, error) {
	var members []transport.RemoteEntity
	var others []string
	for _, raw := range list {
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, nil, fmt.Errorf("decode %s: %w", d.object, err)
		}
		id, _ := obj["id"].(string)
		if id == "" {
			continue
		}
		if d.memberOf(obj, containerID) {
			members = append(members, transport.RemoteEntity{ID: id, Payload: raw})
		} else {
			others = append(others, id)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return members, others, nil
}

func (c *Client) Fetch(ctx context.Context, ref transport.Ref) (*transport.Listing, error) {
	d, accountID, err := c.resolve(ctx, ref.Type)
	if err != nil {
		return nil, err
	}
	res, err := c.get(ctx, d, accountID, nil)
	if err != nil {
		return nil, err
	}
	members, _, err := split(d, ref.CollectionID, res.List)
	if err != nil {
		return nil, err
	}
	return &transport.Listing{Entities: members, State: res.State}, nil
}

func (c *Client) Delta(ctx context.Context, ref transport.Ref, state string) (*transport.Changes, error) {
	d, accountID, err := c.resolve(ctx, ref.Type)
	if err != nil {
		return nil, err
	}

	out := &transport.Changes{}
	created := make(map[string]bool)
	var touched []string

	since := state
	for {
		var res struct {
			NewState       string   `json:"newState"`
			HasMoreChanges bool     `json:"hasMoreChanges"`
			Created        []string `json:"created"`
			Updated        []string `json:"updated"`
			Destroyed      []string `json:"destroyed"`
		}
		args := map[string]any{"accountId": accountID, "sinceState": since}
		if err := c.call(ctx, d.capability, d.object+"/changes", args, &res); err != nil {
			var me *MethodError
			if errors.As(err, &me) && me.Type == "cannotCalculateChanges" {
				return nil, fmt.Errorf("%w: %s", transport.ErrTokenInvalid, me.Description)
			}
			return nil, err
		}
		for _, id := range res.Created {
			created[id] = true
		}
		touched = append(touched, res.Created...)
		touched = append(touched, res.Updated...)
		out.Deleted = append(out.Deleted, res.Destroyed...)
		out.NewState = res.NewState
		if !res.HasMoreChanges || res.NewState == since {
			break
		}
		since = res.NewState
	}

	if len(touched) == 0 {
		return out, nil
	}
	res, err := c.get(ctx, d, accountID, dedupe(touched))
	if err != nil {
		return nil, err
	}
	members, others, err := split(d, ref.CollectionID, res.List)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		if created[m.ID] {
			out.Added = append(out.Added, m)
		} else {
			out.Changed = append(out.Changed, m)
		}
	}
	// objects that moved away or vanished between the two calls are gone
	// from this collection
	out.Deleted = append(out.Deleted, others...)
	out.Deleted = append(out.Deleted, res.NotFound...)
	out.Deleted = dedupe(out.Deleted)
	return out, nil
}

type setError struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

func (e setError) err(method string) error {
	if e.Type == "notFound" {
		return transport.ErrNotFound
	}
	return &MethodError{Method: method, Type: e.Type, Description: e.Description}
}

type setResponse struct {
	Created      map[string]map[string]any `json:"created"`
	NotCreated   map[string]setError       `json:"notCreated"`
	Updated      map[string]map[string]any `json:"updated"`
	NotUpdated   map[string]setError       `json:"notUpdated"`
	Destroyed    []string                  `json:"destroyed"`
	NotDestroyed map[string]setError       `json:"notDestroyed"`
}

func decodeObject(payload json.RawMessage) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil, fmt.Errorf("payload must be a json object: %w", err)
	}
	return obj, nil
}

// merged overlays server-set properties onto what was pushed.
func merged(pushed map[string]any, server map[string]any) (json.RawMessage, error) {
	if len(server) == 0 {
		return nil, nil
	}
	for k, v := range server {
		pushed[k] = v
	}
	return json.Marshal(pushed)
}

func (c *Client) Create(ctx context.Context, ref transport.Ref, payload json.RawMessage) (*transport.WriteResult, error) {
	d, accountID, err := c.resolve(ctx, ref.Type)
	if err != nil {
		return nil, err
	}
	obj, err := decodeObject(payload)
	if err != nil {
		return nil, err
	}
	obj = d.withMembership(obj, ref.CollectionID)

	method := d.object + "/set"
	var res setResponse
	args := map[string]any{"accountId": accountID, "create": map[string]any{"k0": obj}}
	if err := c.callOnce(ctx, d.capability, method, args, &res); err != nil {
		return nil, err
	}
	if e, ok := res.NotCreated["k0"]; ok {
		return nil, e.err(method)
	}
	created, ok := res.Created["k0"]
	if !ok {
		return nil, fmt.Errorf("jmap %s: create not acknowledged", method)
	}
	id, _ := created["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("jmap %s: created object has no id", method)
	}
	full, err := merged(obj, created)
	if err != nil {
		return nil, err
	}
	return &transport.WriteResult{RemoteID: id, Payload: full}, nil
}

func (c *Client) Update(ctx context.Context, ref transport.Ref, remoteID string, payload json.RawMessage) (*transport.WriteResult, error) {
	d, accountID, err := c.resolve(ctx, ref.Type)
	if err != nil {
		return nil, err
	}
	obj, err := decodeObject(payload)
	if err != nil {
		return nil, err
	}
	obj = d.withMembership(obj, ref.CollectionID)

	method := d.object + "/set"
	var res setResponse
	args := map[string]any{"accountId": accountID, "update": map[string]any{remoteID: obj}}
	if err := c.call(ctx, d.capability, method, args, &res); err != nil {
		return nil, err
	}
	if e, ok := res.NotUpdated[remoteID]; ok {
		return nil, e.err(method)
	}
	if _, ok := res.Updated[remoteID]; !ok {
		return nil, fmt.Errorf("jmap %s: update not acknowledged", method)
	}
	full, err := merged(obj, res.Updated[remoteID])
	if err != nil {
		return nil, err
	}
	return &transport.WriteResult{RemoteID: remoteID, Payload: full}, nil
}

func (c *Client) Delete(ctx context.Context, ref transport.Ref, remoteID string) error {
	d, accountID, err := c.resolve(ctx, ref.Type)
	if err != nil {
		return err
	}

	method := d.object + "/set"
	var res setResponse
	args := map[string]any{"accountId": accountID, "destroy": []string{remoteID}}
	if err := c.call(ctx, d.capability, method, args, &res); err != nil {
		return err
	}
	if e, ok := res.NotDestroyed[remoteID]; ok {
		return e.err(method)
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
