// Package models defines the correlation data model shared by the
// harmonization components: accounts, collections, entities, chronicle
// records and conflict reports.
package models

import (
	"fmt"
	"time"
)

// EntityType classifies the items held by a collection.
type EntityType string

const (
	EntityTypeContact EntityType = "contact"
	EntityTypeEvent   EntityType = "event"
	EntityTypeTask    EntityType = "task"
)

// EntityTypes lists every supported type in a stable order.
var EntityTypes = []EntityType{EntityTypeContact, EntityTypeEvent, EntityTypeTask}

// SyncMode controls whether an entity type is harmonized for an account.
type SyncMode string

const (
	SyncModeOff    SyncMode = "off"
	SyncModeCached SyncMode = "cached"
	SyncModeLive   SyncMode = "live"
)

// ConflictPolicy decides which side wins when both changed since the last cycle.
type ConflictPolicy string

const (
	PolicyLocalWins  ConflictPolicy = "local-wins"
	PolicyRemoteWins ConflictPolicy = "remote-wins"
	PolicyNewestWins ConflictPolicy = "newest-wins"
)

// ParseConflictPolicy validates a policy string.
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch p := ConflictPolicy(s); p {
	case PolicyLocalWins, PolicyRemoteWins, PolicyNewestWins:
		return p, nil
	default:
		return "", fmt.Errorf("unknown conflict policy %q", s)
	}
}

// ParseSyncMode validates a sync mode string.
func ParseSyncMode(s string) (SyncMode, error) {
	switch m := SyncMode(s); m {
	case SyncModeOff, SyncModeCached, SyncModeLive:
		return m, nil
	default:
		return "", fmt.Errorf("unknown sync mode %q", s)
	}
}

// RunState is the end state of the last harmonization run of an account.
type RunState string

const (
	RunStateNone    RunState = ""
	RunStateSuccess RunState = "success"
	RunStatePartial RunState = "partial"
	RunStateAborted RunState = "aborted"
	RunStateFailed  RunState = "failed"
)

// TypeSettings holds the per-entity-type harmonization settings of an account.
type TypeSettings struct {
	Mode   SyncMode       `json:"mode"`
	Policy ConflictPolicy `json:"policy"`
}

// ServiceAccount binds one user to one remote JMAP connection.
type ServiceAccount struct {
	ID     string
	UserID string

	// Connection holds the sealed connection parameters (session URL and
	// credentials). Opaque to the harmonization core.
	Connection []byte

	Enabled   bool
	Connected bool

	// Settings is keyed by entity type. Missing types behave as SyncModeOff.
	Settings map[EntityType]TypeSettings

	// Lease fields, written only by the lease package.
	Locked         bool
	LeaseHolder    string
	LeaseHeartbeat time.Time

	LastRunState RunState
	LastRunAt    time.Time
	LastRunError string
}

// ModeFor returns the sync mode for t, defaulting to off.
func (a *ServiceAccount) ModeFor(t EntityType) SyncMode {
	if s, ok := a.Settings[t]; ok && s.Mode != "" {
		return s.Mode
	}
	return SyncModeOff
}

// PolicyFor returns the conflict policy for t, defaulting to local-wins.
func (a *ServiceAccount) PolicyFor(t EntityType) ConflictPolicy {
	if s, ok := a.Settings[t]; ok && s.Policy != "" {
		return s.Policy
	}
	return PolicyLocalWins
}

// LeaseStale reports whether the lease heartbeat is older than timeout at now.
func (a *ServiceAccount) LeaseStale(now time.Time, timeout time.Duration) bool {
	return now.Sub(a.LeaseHeartbeat) > timeout
}
