package merge

import (
	"github.com/JoyinJoester/Monica-sub008/internal/client/decoder"
	"github.com/JoyinJoester/Monica-sub008/internal/client/models"
)

// FolderUpsert pairs a remote folder with its local row, if there is one.
type FolderUpsert struct {
	Existing *models.Folder
	Remote   decoder.DecodedFolder
}

type FolderPlan struct {
	Upserts []FolderUpsert
	Deletes []*models.Folder
}

// ReconcileFolders mirrors the remote folder list. Local folders missing on
// the server are deleted unless they carry an unsynced local change.
func ReconcileFolders(local []*models.Folder, remote []decoder.DecodedFolder) FolderPlan {
	byRemote := make(map[string]*models.Folder, len(local))
	for _, f := range local {
		byRemote[f.RemoteID] = f
	}

	var plan FolderPlan
	seen := make(map[string]bool, len(remote))
	for _, r := range remote {
		seen[r.RemoteID] = true
		plan.Upserts = append(plan.Upserts, FolderUpsert{Existing: byRemote[r.RemoteID], Remote: r})
	}
	for _, f := range local {
		if !seen[f.RemoteID] && !f.IsLocallyModified {
			plan.Deletes = append(plan.Deletes, f)
		}
	}
	return plan
}
