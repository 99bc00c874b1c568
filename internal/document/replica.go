package document

import (
	"errors"
	"fmt"

	"github.com/automerge/automerge-go"
)

const (
	blocksKey      = "blocks"
	blockFieldID   = "id"
	blockFieldKind = "kind"
	blockFieldText = "text"
)

// ErrCorruptUpdate indicates that a binary update payload could not be
// decoded or merged into a replica.
var ErrCorruptUpdate = errors.New("document: corrupt update")

// Replica wraps the conflict-free document state for one document. All
// mutation flows through ApplyUpdate or the block setters; concurrent,
// out-of-order applications of the same update set converge to identical
// content.
type Replica struct {
	doc *automerge.Doc
}

// NewReplica returns an empty replica with no history.
func NewReplica() *Replica {
	return &Replica{doc: automerge.New()}
}

// LoadReplica rebuilds a replica from a full checkpoint produced by Checkpoint.
func LoadReplica(checkpoint []byte) (*Replica, error) {
	doc, err := automerge.Load(checkpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptUpdate, err)
	}
	return &Replica{doc: doc}, nil
}

// ApplyUpdate merges one binary update chunk into the replica. Duplicate
// applications are harmless.
func (r *Replica) ApplyUpdate(payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrCorruptUpdate)
	}
	if err := r.doc.LoadIncremental(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptUpdate, err)
	}
	return nil
}

// Checkpoint encodes the full replica state, resetting the incremental
// delta cursor.
func (r *Replica) Checkpoint() []byte {
	return r.doc.Save()
}

// Delta encodes the changes made since the last Checkpoint or Delta call.
func (r *Replica) Delta() []byte {
	return r.doc.SaveIncremental()
}

// NewSyncState returns a fresh per-peer sync state bound to this replica
// for state-vector message exchange.
func (r *Replica) NewSyncState() *automerge.SyncState {
	return automerge.NewSyncState(r.doc)
}

// Blocks extracts the ordered content blocks from the replica.
func (r *Replica) Blocks() ([]Block, error) {
	rootValue, err := r.doc.Path(blocksKey).Get()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	if rootValue.Kind() != automerge.KindList {
		return []Block{}, nil
	}
	list := rootValue.List()
	length := list.Len()
	blocks := make([]Block, 0, length)
	for index := 0; index < length; index++ {
		item, itemErr := list.Get(index)
		if itemErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidContent, itemErr)
		}
		if item.Kind() != automerge.KindMap {
			continue
		}
		block, blockErr := blockFromMap(item.Map())
		if blockErr != nil {
			return nil, blockErr
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// SetBlocks rewrites the block list in place to match the provided
// content. Existing list identity is preserved so that concurrent edits
// retain a common merge target.
func (r *Replica) SetBlocks(blocks []Block) error {
	list, err := r.ensureBlockList()
	if err != nil {
		return err
	}
	for list.Len() > len(blocks) {
		if deleteErr := list.Delete(list.Len() - 1); deleteErr != nil {
			return fmt.Errorf("%w: %v", ErrInvalidContent, deleteErr)
		}
	}
	for index, block := range blocks {
		entry := blockToMap(block)
		if index < list.Len() {
			if setErr := list.Set(index, entry); setErr != nil {
				return fmt.Errorf("%w: %v", ErrInvalidContent, setErr)
			}
			continue
		}
		if appendErr := list.Append(entry); appendErr != nil {
			return fmt.Errorf("%w: %v", ErrInvalidContent, appendErr)
		}
	}
	return nil
}

// AppendBlock appends one block to the content list.
func (r *Replica) AppendBlock(block Block) error {
	list, err := r.ensureBlockList()
	if err != nil {
		return err
	}
	if appendErr := list.Append(blockToMap(block)); appendErr != nil {
		return fmt.Errorf("%w: %v", ErrInvalidContent, appendErr)
	}
	return nil
}

// SetBlock replaces the block at the given index.
func (r *Replica) SetBlock(index int, block Block) error {
	list, err := r.ensureBlockList()
	if err != nil {
		return err
	}
	if index < 0 || index > list.Len() {
		return fmt.Errorf("%w: index %d out of range", ErrInvalidBlock, index)
	}
	if index == list.Len() {
		if appendErr := list.Append(blockToMap(block)); appendErr != nil {
			return fmt.Errorf("%w: %v", ErrInvalidContent, appendErr)
		}
		return nil
	}
	if setErr := list.Set(index, blockToMap(block)); setErr != nil {
		return fmt.Errorf("%w: %v", ErrInvalidContent, setErr)
	}
	return nil
}

// Checksum computes the canonical checksum of the replica's block content.
func (r *Replica) Checksum() (string, error) {
	blocks, err := r.Blocks()
	if err != nil {
		return "", err
	}
	return ChecksumBlocks(blocks)
}

// ensureBlockList returns the list bound to its concrete object id. A
// path-derived handle only resolves lazily on writes, so Delete on one
// dereferences a nil object.
func (r *Replica) ensureBlockList() (*automerge.List, error) {
	rootValue, err := r.doc.Path(blocksKey).Get()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	if rootValue.Kind() != automerge.KindList {
		if setErr := r.doc.Path(blocksKey).Set([]interface{}{}); setErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidContent, setErr)
		}
		rootValue, err = r.doc.Path(blocksKey).Get()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
		}
	}
	return rootValue.List(), nil
}

func blockToMap(block Block) map[string]interface{} {
	return map[string]interface{}{
		blockFieldID:   block.ID,
		blockFieldKind: string(block.Kind),
		blockFieldText: block.Text,
	}
}

func blockFromMap(entry *automerge.Map) (Block, error) {
	id, err := blockMapString(entry, blockFieldID)
	if err != nil {
		return Block{}, err
	}
	kind, err := blockMapString(entry, blockFieldKind)
	if err != nil {
		return Block{}, err
	}
	text, err := blockMapString(entry, blockFieldText)
	if err != nil {
		return Block{}, err
	}
	return Block{ID: id, Kind: BlockKind(kind), Text: text}, nil
}

func blockMapString(entry *automerge.Map, key string) (string, error) {
	value, err := entry.Get(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	if value.Kind() != automerge.KindStr {
		return "", nil
	}
	return value.Str(), nil
}
