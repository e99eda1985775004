// Package merge compares the decoded remote item set with local records and
// produces a plan. It is pure: nothing here reads or writes the store.
package merge

import (
	"fmt"
	"time"

	"github.com/JoyinJoester/Monica-sub008/internal/client/decoder"
	"github.com/JoyinJoester/Monica-sub008/internal/client/models"
)

type ActionKind string

const (
	ActionInsert    ActionKind = "insert"
	ActionOverwrite ActionKind = "overwrite"
	ActionDelete    ActionKind = "delete"
	ActionNoOp      ActionKind = "noop"
	ActionConflict  ActionKind = "conflict"
)

// Action is the decision for one remote id. Local is nil for inserts and
// for adoption conflicts with several candidates; Remote is nil when the
// server no longer has the item.
type Action struct {
	Kind         ActionKind
	RemoteID     string
	Local        *models.Record
	Remote       *decoder.DecodedRecord
	ConflictType models.ConflictType
	// Candidates lists the local record ids of an adoption conflict.
	Candidates []string
	// Adopt is set on an overwrite that links a previously local record.
	Adopt bool
	// Refresh is set when an open conflict already exists for RemoteID.
	Refresh bool
	Reason  string
}

// Input is everything Reconcile looks at. Local holds the records linked to
// the vault (tombstones included) and the purely local records eligible for
// adoption; records linked elsewhere are ignored.
type Input struct {
	VaultID                string
	Local                  []*models.Record
	Remote                 []decoder.DecodedRecord
	LastSyncRevision       time.Time
	PendingCreateOrRestore map[string]bool
	OpenConflicts          map[string]bool
}

type Plan struct {
	Actions []Action
}

// Counts summarizes a plan.
type Counts struct {
	Inserted    int
	Overwritten int
	Deleted     int
	Unchanged   int
	Conflicts   int
}

func (c Counts) String() string {
	return fmt.Sprintf("inserted=%d overwritten=%d deleted=%d unchanged=%d conflicts=%d",
		c.Inserted, c.Overwritten, c.Deleted, c.Unchanged, c.Conflicts)
}

func (p Plan) Counts() Counts {
	var c Counts
	for _, a := range p.Actions {
		switch a.Kind {
		case ActionInsert:
			c.Inserted++
		case ActionOverwrite:
			c.Overwritten++
		case ActionDelete:
			c.Deleted++
		case ActionNoOp:
			c.Unchanged++
		case ActionConflict:
			c.Conflicts++
		}
	}
	return c
}

// Conflicts returns the conflict actions of the plan.
func (p Plan) Conflicts() []Action {
	var out []Action
	for _, a := range p.Actions {
		if a.Kind == ActionConflict {
			out = append(out, a)
		}
	}
	return out
}

// Reconcile decides, for every remote item and every linked local record,
// what the sync pass has to do.
func Reconcile(in Input) Plan {
	byRemote := make(map[string]*models.Record)
	candidates := make(map[string][]*models.Record)
	for _, r := range in.Local {
		switch {
		case r.VaultID() == in.VaultID && r.RemoteID() != "":
			byRemote[r.RemoteID()] = r
		case r.IsPureLocal() && !r.Deleted:
			if key, ok := matchKey(r); ok {
				candidates[key] = append(candidates[key], r)
			}
		}
	}

	var plan Plan
	seen := make(map[string]bool, len(in.Remote))
	adopted := make(map[string]bool)

	for i := range in.Remote {
		remote := &in.Remote[i]
		seen[remote.RemoteID] = true
		local := byRemote[remote.RemoteID]

		if in.OpenConflicts[remote.RemoteID] {
			plan.add(Action{Kind: ActionConflict, RemoteID: remote.RemoteID, Local: local, Remote: remote,
				Refresh: true, Reason: "conflict still open"})
			continue
		}

		if local != nil {
			plan.add(reconcileLinked(local, remote, in.LastSyncRevision))
			continue
		}

		plan.add(reconcileUnlinked(remote, candidates, adopted))
	}

	for _, local := range in.Local {
		remoteID := local.RemoteID()
		if local.VaultID() != in.VaultID || remoteID == "" || seen[remoteID] {
			continue
		}
		plan.add(reconcileMissing(local, in))
	}

	return plan
}

// reconcileLinked treats the server copy as unchanged when it is no newer
// than both the last pass and the revision the record itself last saw, which
// a delivered push advances ahead of the next pass.
func reconcileLinked(local *models.Record, remote *decoder.DecodedRecord, lastSync time.Time) Action {
	a := Action{RemoteID: remote.RemoteID, Local: local, Remote: remote}
	known := lastSync
	if local.Remote != nil && local.Remote.RevisionDate.After(known) {
		known = local.Remote.RevisionDate
	}
	switch {
	case !local.IsLocallyModified():
		a.Kind = ActionOverwrite
	case !remote.RevisionDate.After(known):
		a.Kind = ActionNoOp
		a.Reason = "local edit pending, server unchanged"
	default:
		a.Kind = ActionConflict
		a.ConflictType = models.ConflictConcurrentEdit
		a.Reason = "edited locally and on the server"
	}
	return a
}

func reconcileUnlinked(remote *decoder.DecodedRecord, candidates map[string][]*models.Record, adopted map[string]bool) Action {
	key, ok := matchKey(remote.Record)
	if !ok {
		return Action{Kind: ActionInsert, RemoteID: remote.RemoteID, Remote: remote}
	}

	var free []*models.Record
	for _, c := range candidates[key] {
		if !adopted[c.ID] {
			free = append(free, c)
		}
	}

	switch len(free) {
	case 0:
		return Action{Kind: ActionInsert, RemoteID: remote.RemoteID, Remote: remote}
	case 1:
		c := free[0]
		adopted[c.ID] = true
		if models.SameContent(c, remote.Record) {
			return Action{Kind: ActionOverwrite, RemoteID: remote.RemoteID, Local: c, Remote: remote, Adopt: true}
		}
		return Action{Kind: ActionConflict, RemoteID: remote.RemoteID, Local: c, Remote: remote,
			ConflictType: models.ConflictAdoption, Candidates: []string{c.ID},
			Reason: "local record with the same title differs from the server"}
	default:
		ids := make([]string, 0, len(free))
		for _, c := range free {
			adopted[c.ID] = true
			ids = append(ids, c.ID)
		}
		return Action{Kind: ActionConflict, RemoteID: remote.RemoteID, Remote: remote,
			ConflictType: models.ConflictAdoption, Candidates: ids,
			Reason: fmt.Sprintf("%d local records match", len(ids))}
	}
}

func reconcileMissing(local *models.Record, in Input) Action {
	a := Action{RemoteID: local.RemoteID(), Local: local}
	switch {
	case in.PendingCreateOrRestore[local.ID]:
		a.Kind = ActionNoOp
		a.Reason = "create or restore queued"
	case local.Deleted:
		a.Kind = ActionNoOp
		a.Reason = "deletion already queued"
	case in.OpenConflicts[a.RemoteID]:
		a.Kind = ActionConflict
		a.Refresh = true
		a.Reason = "conflict still open"
	case local.IsLocallyModified():
		a.Kind = ActionConflict
		a.ConflictType = models.ConflictServerDelete
		a.Reason = "deleted on the server, edited locally"
	default:
		a.Kind = ActionDelete
	}
	return a
}

func (p *Plan) add(a Action) {
	p.Actions = append(p.Actions, a)
}
