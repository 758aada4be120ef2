package reconcile

import (
	"time"

	"github.com/dmitrijs2005/harmony/internal/models"
)

// Classification names the change pattern of one entity.
type Classification string

const (
	ClassUnchanged     Classification = "unchanged"
	ClassLocalOnly     Classification = "local-only"
	ClassRemoteOnly    Classification = "remote-only"
	ClassRemoteDeleted Classification = "remote-deleted"
	ClassConverged     Classification = "converged"
	ClassBothDeleted   Classification = "both-deleted"
	ClassConflict      Classification = "conflict"
	ClassEditVsDelete  Classification = "conflict-edit-delete"
	ClassDeleteVsEdit  Classification = "conflict-delete-edit"
)

// Action is what the reconciler does about a classification.
type Action int

const (
	// ActionSkip leaves both sides alone.
	ActionSkip Action = iota

	// ActionPush writes local content to the remote, creating the object when
	// the entity has no remote id yet.
	ActionPush

	// ActionPushDelete deletes the remote object, then purges the local
	// tombstone.
	ActionPushDelete

	// ActionPull replaces local content with the remote object.
	ActionPull

	// ActionDeleteLocal removes the local entity.
	ActionDeleteLocal

	// ActionRecreate creates the local content again as a new remote object.
	ActionRecreate

	// ActionAgree records that both sides hold the same content.
	ActionAgree
)

func (a Action) String() string {
	switch a {
	case ActionSkip:
		return "skip"
	case ActionPush:
		return "push"
	case ActionPushDelete:
		return "push-delete"
	case ActionPull:
		return "pull"
	case ActionDeleteLocal:
		return "delete-local"
	case ActionRecreate:
		return "recreate"
	case ActionAgree:
		return "agree"
	default:
		return "unknown"
	}
}

// Input is everything the classification depends on.
type Input struct {
	LocalChanged  bool
	LocalDeleted  bool
	RemoteChanged bool
	RemoteDeleted bool
	Pinned        bool

	LocalSignature  string
	RemoteSignature string

	Policy         models.ConflictPolicy
	LocalModified  time.Time
	RemoteModified time.Time
}

// Decision is the result of Classify.
type Decision struct {
	Class  Classification
	Action Action

	// Winner is set for conflicts resolved by policy.
	Winner models.Side
}

// Conflict reports whether the decision resolved a conflict.
func (d Decision) Conflict() bool {
	return d.Winner != ""
}

// Classify decides what to do with one entity. It is a pure function of its
// input.
func Classify(in Input) Decision {
	switch {
	case !in.LocalChanged && !in.RemoteChanged && !in.RemoteDeleted:
		return Decision{Class: ClassUnchanged, Action: ActionSkip}

	case in.LocalChanged && !in.RemoteChanged && !in.RemoteDeleted:
		if in.LocalDeleted {
			return Decision{Class: ClassLocalOnly, Action: ActionPushDelete}
		}
		return Decision{Class: ClassLocalOnly, Action: ActionPush}

	case !in.LocalChanged && in.RemoteDeleted:
		if in.Pinned {
			return Decision{Class: ClassRemoteDeleted, Action: ActionRecreate}
		}
		return Decision{Class: ClassRemoteDeleted, Action: ActionDeleteLocal}

	case !in.LocalChanged:
		return Decision{Class: ClassRemoteOnly, Action: ActionPull}

	case in.RemoteDeleted:
		if in.LocalDeleted {
			return Decision{Class: ClassBothDeleted, Action: ActionDeleteLocal}
		}
		if in.Pinned || localWins(in) {
			return Decision{Class: ClassEditVsDelete, Action: ActionRecreate, Winner: models.SideLocal}
		}
		return Decision{Class: ClassEditVsDelete, Action: ActionDeleteLocal, Winner: models.SideRemote}

	case in.LocalDeleted:
		if localWins(in) {
			return Decision{Class: ClassDeleteVsEdit, Action: ActionPushDelete, Winner: models.SideLocal}
		}
		return Decision{Class: ClassDeleteVsEdit, Action: ActionPull, Winner: models.SideRemote}

	case in.LocalSignature == in.RemoteSignature:
		return Decision{Class: ClassConverged, Action: ActionAgree}

	default:
		if localWins(in) {
			return Decision{Class: ClassConflict, Action: ActionPush, Winner: models.SideLocal}
		}
		return Decision{Class: ClassConflict, Action: ActionPull, Winner: models.SideRemote}
	}
}

// localWins applies the conflict policy. newest-wins compares modification
// times; a tie, or a side without a timestamp, goes to local. Edit versus
// delete conflicts under newest-wins go to the remote side, since a deletion
// carries no timestamp of its own.
func localWins(in Input) bool {
	switch in.Policy {
	case models.PolicyRemoteWins:
		return false
	case models.PolicyNewestWins:
		if in.RemoteDeleted {
			return false
		}
		if in.LocalModified.IsZero() || in.RemoteModified.IsZero() {
			return true
		}
		return !in.RemoteModified.After(in.LocalModified)
	default:
		return true
	}
}
