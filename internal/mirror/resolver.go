package mirror

import (
	"context"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
)

// Action is what the orchestrator does with a local file after conflict resolution.
type Action int

const (
	ActionCreate Action = iota
	ActionSkip
	ActionOverwrite
)

func (a Action) String() string {
	switch a {
	case ActionSkip:
		return "skip"
	case ActionOverwrite:
		return "overwrite"
	default:
		return "create"
	}
}

// Resolution is the resolver's decision for one file. Existing is the remote
// copy to skip to or overwrite; Warning is set when duplicates were found.
type Resolution struct {
	Action   Action
	Existing *RemoteNode
	Warning  string
}

// ConflictResolver decides how a local file relates to remote files with the
// same title in the target folder. It only ever deletes byte-identical
// duplicates, and only when overwriting is allowed.
type ConflictResolver struct {
	remote RemoteStore
	logger Logger
}

// NewConflictResolver creates a resolver that inspects and cleans up remote.
func NewConflictResolver(remote RemoteStore, logger Logger) *ConflictResolver {
	return &ConflictResolver{remote: remote, logger: logger}
}

// Resolve lists the files titled like file under parent and applies the
// conflict policy:
//
//	copies  overwrite  action
//	0       any        create
//	1       false      skip
//	1       true       skip if fingerprints match, else overwrite
//	>1      false      skip the first copy, warn
//	>1      true       all identical: trash extras, then as 1/true, warn
//	>1      true       differing: create alongside, warn
func (r *ConflictResolver) Resolve(ctx context.Context, parent *RemoteNode, file *LocalFile, overwrite bool) (Resolution, error) {
	existing, err := r.remote.List(ctx, parent.ID, file.Name(), KindFile)
	if err != nil {
		return Resolution{}, fmt.Errorf("listing files named %q: %w", file.Name(), err)
	}

	if len(existing) == 0 {
		return Resolution{Action: ActionCreate}, nil
	}

	if !overwrite {
		res := Resolution{Action: ActionSkip, Existing: existing[0]}
		if len(existing) > 1 {
			res.Warning = duplicatesMessage(parent, len(existing), file.Name()) +
				" The existing copies were left untouched."
		}
		r.logger.Info("file already exists, skipping", "path", file.String(), "copies", len(existing))
		return res, nil
	}

	if len(existing) == 1 {
		return r.compare(file, existing[0])
	}

	warning := duplicatesMessage(parent, len(existing), file.Name())
	if !allIdentical(existing) {
		return Resolution{
			Action:  ActionCreate,
			Warning: warning + fmt.Sprintf(" The file '%s' was uploaded as a new file.", file),
		}, nil
	}

	keep := existing[0]
	for _, dup := range existing[1:] {
		if err := r.remote.Trash(ctx, dup.ID); err != nil {
			return Resolution{}, fmt.Errorf("trashing duplicate %q (%s): %w", dup.Title, dup.ID, err)
		}
		r.logger.Info("trashed duplicate file", "title", dup.Title, "id", dup.ID)
	}

	res, err := r.compare(file, keep)
	if err != nil {
		return Resolution{}, err
	}
	res.Warning = warning + " The duplicated copies have been trashed and the remaining copy has been updated."
	return res, nil
}

// compare decides between skipping and overwriting a single existing copy.
func (r *ConflictResolver) compare(file *LocalFile, existing *RemoteNode) (Resolution, error) {
	local, err := file.Fingerprint()
	if err != nil {
		return Resolution{}, err
	}
	if local == existing.Fingerprint {
		r.logger.Info("identical file already exists, skipping", "path", file.String(), "id", existing.ID)
		return Resolution{Action: ActionSkip, Existing: existing}, nil
	}
	r.logger.Info("different version exists, overwriting", "path", file.String(), "id", existing.ID)
	return Resolution{Action: ActionOverwrite, Existing: existing}, nil
}

// allIdentical reports whether every node carries the same non-empty fingerprint.
func allIdentical(nodes []*RemoteNode) bool {
	fingerprints := mapset.NewThreadUnsafeSet[string]()
	for _, n := range nodes {
		if n.Fingerprint == "" {
			return false
		}
		fingerprints.Add(n.Fingerprint)
	}
	return fingerprints.Cardinality() == 1
}

func duplicatesMessage(parent *RemoteNode, copies int, title string) string {
	return fmt.Sprintf("The folder '%s' contains %d files with the same name '%s'.", parent.Title, copies, title)
}
