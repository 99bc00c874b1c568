package document

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const opReconcile = "document.reconcile"

// ReconcileState reports the terminal state of one reconciliation pass.
type ReconcileState string

const (
	// ReconcileAutoMerged means every block resolved without ambiguity and
	// the merged content was committed.
	ReconcileAutoMerged ReconcileState = "auto_merged"
	// ReconcileConflictPending means at least one block changed on both
	// sides differently; nothing was committed.
	ReconcileConflictPending ReconcileState = "conflict_pending"
)

// ResolutionSource names the side an automatically resolved block came
// from.
type ResolutionSource string

const (
	// ResolutionSourceLocal means the offline client's change won.
	ResolutionSourceLocal ResolutionSource = "local"
	// ResolutionSourceServer means the server-side change won.
	ResolutionSourceServer ResolutionSource = "server"
)

// ResolutionKind tags the variant of a per-block merge outcome so merge
// handling is exhaustive at compile time.
type ResolutionKind int

const (
	// ResolutionNoConflict means local and server agree on the block.
	ResolutionNoConflict ResolutionKind = iota
	// ResolutionAutoResolved means exactly one side changed the block.
	ResolutionAutoResolved
	// ResolutionManualConflict means both sides changed the block
	// differently; never auto-resolved.
	ResolutionManualConflict
)

// BlockResolution is the tagged outcome for one block of a three-way
// merge. Local or Server is nil when the block was deleted on that side.
type BlockResolution struct {
	BlockID string
	Kind    ResolutionKind
	Source  ResolutionSource
	Merged  *Block
	Local   *Block
	Server  *Block
}

// BlockConflict carries both texts of an ambiguous block for the end
// user to resolve explicitly.
type BlockConflict struct {
	BlockID string
	Local   *Block
	Server  *Block
}

// ReconcileResult aggregates a reconciliation pass.
type ReconcileResult struct {
	State         ReconcileState
	Merged        []Block
	Resolutions   []BlockResolution
	Conflicts     []BlockConflict
	ServerVersion Version
	NewVersion    Version
}

// ReconcilerConfig describes the dependencies of the offline
// reconciliation engine.
type ReconcilerConfig struct {
	Materializer *Materializer
	Gateway      *AutosaveGateway
	Logger       *zap.Logger
}

// Reconciler merges a reconnecting client's offline edits with current
// server state at structural-block granularity. No local edit lacking a
// server-side counterpart change is ever silently discarded; discards
// happen only for provably identical content, and every ambiguity is
// surfaced as a conflict.
type Reconciler struct {
	materializer *Materializer
	gateway      *AutosaveGateway
	logger       *zap.Logger
}

// NewReconciler constructs the reconciliation engine.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Materializer == nil {
		return nil, newServiceError(opReconcile, "missing_materializer", errors.New("materializer is required"))
	}
	if cfg.Gateway == nil {
		return nil, newServiceError(opReconcile, "missing_gateway", errors.New("autosave gateway is required"))
	}
	return &Reconciler{
		materializer: cfg.Materializer,
		gateway:      cfg.Gateway,
		logger:       logWith(cfg.Logger),
	}, nil
}

// OfflineQueueEntry mirrors the client-local queue form accepted over the
// reconciliation surface.
type OfflineQueueEntry struct {
	OpID        string
	DocumentID  DocumentID
	BaseVersion Version
	Blocks      []Block
	Timestamp   time.Time
	RetryCount  int
}

// Reconcile performs the three-way merge of {base at disconnect, local
// final, current server state} and, when unambiguous, commits the merged
// content through the autosave gateway before real-time sync resumes.
func (r *Reconciler) Reconcile(ctx context.Context, documentID DocumentID, baseBlocks, localBlocks []Block) (ReconcileResult, error) {
	current, err := r.materializer.Materialize(ctx, documentID)
	if err != nil {
		return ReconcileResult{}, newServiceError(opReconcile, "materialize_failed", err)
	}

	merged, resolutions, conflicts := MergeThreeWay(baseBlocks, localBlocks, current.Blocks)
	result := ReconcileResult{
		Merged:        merged,
		Resolutions:   resolutions,
		Conflicts:     conflicts,
		ServerVersion: current.Version,
	}

	if len(conflicts) > 0 {
		result.State = ReconcileConflictPending
		r.logger.Info("reconciliation surfaced conflicts",
			zap.String(fieldDocumentID, documentID.String()),
			zap.Int("conflicts", len(conflicts)))
		return result, nil
	}

	committed, err := r.gateway.Update(ctx, documentID, current.Version, merged)
	if err != nil {
		return ReconcileResult{}, err
	}
	result.State = ReconcileAutoMerged
	result.NewVersion = committed.Version
	r.logger.Info("reconciliation auto-merged",
		zap.String(fieldDocumentID, documentID.String()),
		zap.Int64("new_version", committed.Version.Int64()))
	return result, nil
}

// MergeThreeWay resolves every block across {base, local, server}.
// Classification per block id:
//   - present on exactly one side with no base entry: an addition, kept;
//   - unchanged on one side and changed on the other: the change wins,
//     deletions included;
//   - changed on both sides differently: a manual conflict.
//
// Merged ordering follows the server sequence, with local additions
// anchored after their nearest surviving local predecessor.
func MergeThreeWay(base, local, server []Block) ([]Block, []BlockResolution, []BlockConflict) {
	baseByID := indexBlocks(base)
	localByID := indexBlocks(local)
	serverByID := indexBlocks(server)

	var resolutions []BlockResolution
	var conflicts []BlockConflict
	merged := make([]Block, 0, len(server)+len(local))
	mergedIndex := make(map[string]int)

	appendMerged := func(block Block) {
		mergedIndex[block.ID] = len(merged)
		merged = append(merged, block)
	}

	for _, serverBlock := range server {
		localBlock, inLocal := localByID[serverBlock.ID]
		baseBlock, inBase := baseByID[serverBlock.ID]

		switch {
		case inLocal && localBlock == serverBlock:
			appendMerged(serverBlock)
			resolutions = append(resolutions, BlockResolution{
				BlockID: serverBlock.ID,
				Kind:    ResolutionNoConflict,
				Merged:  blockPtr(serverBlock),
				Local:   blockPtr(localBlock),
				Server:  blockPtr(serverBlock),
			})
		case inLocal && inBase && baseBlock == localBlock:
			// Only the server changed it.
			appendMerged(serverBlock)
			resolutions = append(resolutions, BlockResolution{
				BlockID: serverBlock.ID,
				Kind:    ResolutionAutoResolved,
				Source:  ResolutionSourceServer,
				Merged:  blockPtr(serverBlock),
				Local:   blockPtr(localBlock),
				Server:  blockPtr(serverBlock),
			})
		case inLocal && inBase && baseBlock == serverBlock:
			// Only the local side changed it.
			appendMerged(localBlock)
			resolutions = append(resolutions, BlockResolution{
				BlockID: serverBlock.ID,
				Kind:    ResolutionAutoResolved,
				Source:  ResolutionSourceLocal,
				Merged:  blockPtr(localBlock),
				Local:   blockPtr(localBlock),
				Server:  blockPtr(serverBlock),
			})
		case inLocal && inBase:
			// Changed on both sides, differently.
			resolutions = append(resolutions, BlockResolution{
				BlockID: serverBlock.ID,
				Kind:    ResolutionManualConflict,
				Local:   blockPtr(localBlock),
				Server:  blockPtr(serverBlock),
			})
			conflicts = append(conflicts, BlockConflict{
				BlockID: serverBlock.ID,
				Local:   blockPtr(localBlock),
				Server:  blockPtr(serverBlock),
			})
		case inLocal:
			// No base entry: both sides added the same id independently.
			resolutions = append(resolutions, BlockResolution{
				BlockID: serverBlock.ID,
				Kind:    ResolutionManualConflict,
				Local:   blockPtr(localBlock),
				Server:  blockPtr(serverBlock),
			})
			conflicts = append(conflicts, BlockConflict{
				BlockID: serverBlock.ID,
				Local:   blockPtr(localBlock),
				Server:  blockPtr(serverBlock),
			})
		case inBase && baseBlock == serverBlock:
			// Deleted locally, untouched on the server: the deletion wins.
			resolutions = append(resolutions, BlockResolution{
				BlockID: serverBlock.ID,
				Kind:    ResolutionAutoResolved,
				Source:  ResolutionSourceLocal,
				Server:  blockPtr(serverBlock),
			})
		case inBase:
			// Deleted locally but changed on the server.
			resolutions = append(resolutions, BlockResolution{
				BlockID: serverBlock.ID,
				Kind:    ResolutionManualConflict,
				Server:  blockPtr(serverBlock),
			})
			conflicts = append(conflicts, BlockConflict{
				BlockID: serverBlock.ID,
				Server:  blockPtr(serverBlock),
			})
		default:
			// Block only in the server version: keep.
			appendMerged(serverBlock)
			resolutions = append(resolutions, BlockResolution{
				BlockID: serverBlock.ID,
				Kind:    ResolutionNoConflict,
				Merged:  blockPtr(serverBlock),
				Server:  blockPtr(serverBlock),
			})
		}
	}

	for position, localBlock := range local {
		if _, onServer := serverByID[localBlock.ID]; onServer {
			continue
		}
		baseBlock, inBase := baseByID[localBlock.ID]
		switch {
		case !inBase:
			// Block only in the local version: keep, anchored near its
			// local neighborhood.
			insertAfterLocalPredecessor(&merged, mergedIndex, local, position, localBlock)
			resolutions = append(resolutions, BlockResolution{
				BlockID: localBlock.ID,
				Kind:    ResolutionNoConflict,
				Merged:  blockPtr(localBlock),
				Local:   blockPtr(localBlock),
			})
		case baseBlock == localBlock:
			// Deleted on the server, untouched locally: deletion wins.
			resolutions = append(resolutions, BlockResolution{
				BlockID: localBlock.ID,
				Kind:    ResolutionAutoResolved,
				Source:  ResolutionSourceServer,
				Local:   blockPtr(localBlock),
			})
		default:
			// Changed locally, deleted on the server.
			resolutions = append(resolutions, BlockResolution{
				BlockID: localBlock.ID,
				Kind:    ResolutionManualConflict,
				Local:   blockPtr(localBlock),
			})
			conflicts = append(conflicts, BlockConflict{
				BlockID: localBlock.ID,
				Local:   blockPtr(localBlock),
			})
		}
	}

	return merged, resolutions, conflicts
}

func indexBlocks(blocks []Block) map[string]Block {
	indexed := make(map[string]Block, len(blocks))
	for _, block := range blocks {
		indexed[block.ID] = block
	}
	return indexed
}

func blockPtr(block Block) *Block {
	copied := block
	return &copied
}

// insertAfterLocalPredecessor places a local-only block after the nearest
// preceding local block that survived the merge, or at the front when no
// predecessor survived.
func insertAfterLocalPredecessor(merged *[]Block, mergedIndex map[string]int, local []Block, position int, block Block) {
	insertAt := 0
	for scan := position - 1; scan >= 0; scan-- {
		if index, ok := mergedIndex[local[scan].ID]; ok {
			insertAt = index + 1
			break
		}
	}
	updated := make([]Block, 0, len(*merged)+1)
	updated = append(updated, (*merged)[:insertAt]...)
	updated = append(updated, block)
	updated = append(updated, (*merged)[insertAt:]...)
	*merged = updated
	for id, index := range mergedIndex {
		if index >= insertAt {
			mergedIndex[id] = index + 1
		}
	}
	mergedIndex[block.ID] = insertAt
}
