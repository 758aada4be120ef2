package models

import "time"

// Side names the winner of a resolved conflict.
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// ConflictRecord reports one conflict resolved by policy.
type ConflictRecord struct {
	ID             int64
	AccountID      string
	CollectionID   string
	EntityID       string
	RemoteID       string
	Classification string
	Policy         ConflictPolicy
	Winner         Side
	LocalModified  time.Time
	RemoteModified time.Time
	ResolvedAt     time.Time
}
