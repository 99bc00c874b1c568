package collab

import (
	"context"
	"errors"

	"github.com/cjliu2003/writersroom/backend/internal/document"
)

// EmptyLoader leaves new documents blank.
type EmptyLoader struct{}

// InitialContent returns no blocks.
func (EmptyLoader) InitialContent(ctx context.Context, documentID document.DocumentID) ([]document.Block, error) {
	return nil, nil
}

// StaticLoader seeds every new document with the same template content.
type StaticLoader struct {
	Blocks []document.Block
}

// InitialContent returns a copy of the template blocks.
func (l StaticLoader) InitialContent(ctx context.Context, documentID document.DocumentID) ([]document.Block, error) {
	if len(l.Blocks) == 0 {
		return nil, nil
	}
	blocks := make([]document.Block, len(l.Blocks))
	copy(blocks, l.Blocks)
	return blocks, nil
}

// SnapshotLoader seeds a new document from its stored snapshot when one
// exists, covering documents migrated into the system before they carried
// any update history.
type SnapshotLoader struct {
	Materializer *document.Materializer
}

// InitialContent returns the stored snapshot content, or nothing when no
// snapshot exists.
func (l SnapshotLoader) InitialContent(ctx context.Context, documentID document.DocumentID) ([]document.Block, error) {
	if l.Materializer == nil {
		return nil, nil
	}
	snapshot, err := l.Materializer.Snapshot(ctx, documentID)
	if errors.Is(err, document.ErrSnapshotNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return snapshot.Blocks, nil
}
