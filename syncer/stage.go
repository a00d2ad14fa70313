package syncer

import (
	"context"
	"slices"
	"strings"
)

// StageName identifies one step of a sync session.
type StageName string

const (
	StageUninitialized        StageName = "uninitialized"
	StageCheckPreconditions   StageName = "check_preconditions"
	StageEnsureClusterURL     StageName = "ensure_cluster_url"
	StageFetchInfoCollections StageName = "fetch_info_collections"
	StageEnsureKeys           StageName = "ensure_keys"
	StageCompleted            StageName = "completed"

	collectionStagePrefix = "sync_"
)

// CollectionStage names the stage that syncs collection.
func CollectionStage(collection string) StageName {
	return StageName(collectionStagePrefix + collection)
}

// Collection returns the collection a per-collection stage syncs.
func (n StageName) Collection() (string, bool) {
	return strings.CutPrefix(string(n), collectionStagePrefix)
}

// Stage is one step. Returning nil advances to the next stage; returning an
// error stops the session. Use Abort to choose the failure cause.
type Stage interface {
	Execute(ctx context.Context, s *Session) error
}

// StageFunc adapts a function to Stage.
type StageFunc func(ctx context.Context, s *Session) error

func (f StageFunc) Execute(ctx context.Context, s *Session) error {
	return f(ctx, s)
}

// Sequence is the fixed order stages run in. It never changes once built.
type Sequence struct {
	names []StageName
}

// NewSequence returns the standard order: preconditions, node assignment,
// info/collections, keys, one stage per collection, completed.
func NewSequence(collections ...string) Sequence {
	names := []StageName{
		StageCheckPreconditions,
		StageEnsureClusterURL,
		StageFetchInfoCollections,
		StageEnsureKeys,
	}
	for _, c := range collections {
		names = append(names, CollectionStage(c))
	}
	names = append(names, StageCompleted)
	return Sequence{names: names}
}

// Next is the transition function. From StageUninitialized it returns the
// first stage; from the last stage it returns a *NoSuchStageError.
func (q Sequence) Next(cur StageName) (StageName, error) {
	if cur == StageUninitialized {
		if len(q.names) == 0 {
			return "", &NoSuchStageError{Stage: cur}
		}
		return q.names[0], nil
	}
	i := slices.Index(q.names, cur)
	if i < 0 || i+1 >= len(q.names) {
		return "", &NoSuchStageError{Stage: cur}
	}
	return q.names[i+1], nil
}

// Names returns the stages in order.
func (q Sequence) Names() []StageName {
	return slices.Clone(q.names)
}
