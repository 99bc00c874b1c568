package document

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidBlock indicates that a content block failed validation.
	ErrInvalidBlock = errors.New("document: invalid block")
	// ErrInvalidContent indicates that serialized block content failed to decode.
	ErrInvalidContent = errors.New("document: invalid content")
)

// BlockKind enumerates the screenplay element types a block may carry.
type BlockKind string

const (
	BlockKindSceneHeading  BlockKind = "scene_heading"
	BlockKindAction        BlockKind = "action"
	BlockKindCharacter     BlockKind = "character"
	BlockKindDialogue      BlockKind = "dialogue"
	BlockKindParenthetical BlockKind = "parenthetical"
	BlockKindTransition    BlockKind = "transition"
)

var blockKinds = map[BlockKind]struct{}{
	BlockKindSceneHeading:  {},
	BlockKindAction:        {},
	BlockKindCharacter:     {},
	BlockKindDialogue:      {},
	BlockKindParenthetical: {},
	BlockKindTransition:    {},
}

// Block is one ordered structural unit of document content.
type Block struct {
	ID   string    `json:"id"`
	Kind BlockKind `json:"kind"`
	Text string    `json:"text"`
}

// NewBlock validates the inputs and returns a Block.
func NewBlock(id string, kind BlockKind, text string) (Block, error) {
	trimmedID := strings.TrimSpace(id)
	if trimmedID == "" {
		return Block{}, fmt.Errorf("%w: empty id", ErrInvalidBlock)
	}
	if _, known := blockKinds[kind]; !known {
		return Block{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidBlock, kind)
	}
	return Block{ID: trimmedID, Kind: kind, Text: text}, nil
}

// EncodeBlocks serializes blocks to the canonical JSON form used for
// storage and checksums. A nil slice encodes as an empty array so that
// checksum comparison is stable across empty representations.
func EncodeBlocks(blocks []Block) (string, error) {
	if blocks == nil {
		blocks = []Block{}
	}
	encoded, err := json.Marshal(blocks)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	return string(encoded), nil
}

// DecodeBlocks parses the canonical JSON block form.
func DecodeBlocks(contentJSON string) ([]Block, error) {
	trimmed := strings.TrimSpace(contentJSON)
	if trimmed == "" {
		return []Block{}, nil
	}
	var blocks []Block
	if err := json.Unmarshal([]byte(trimmed), &blocks); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	if blocks == nil {
		blocks = []Block{}
	}
	return blocks, nil
}

// ChecksumBlocks computes the hex sha256 checksum of the canonical block
// encoding. Replay determinism guarantees that identical logs produce
// identical checksums.
func ChecksumBlocks(blocks []Block) (string, error) {
	encoded, err := EncodeBlocks(blocks)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(encoded))
	return hex.EncodeToString(sum[:]), nil
}
