package document

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustDocumentID(t *testing.T, value string) DocumentID {
	t.Helper()
	id, err := NewDocumentID(value)
	if err != nil {
		t.Fatalf("unexpected document id error: %v", err)
	}
	return id
}

func mustAuthorID(t *testing.T, value string) AuthorID {
	t.Helper()
	id, err := NewAuthorID(value)
	if err != nil {
		t.Fatalf("unexpected author id error: %v", err)
	}
	return id
}

func mustTestBlock(t *testing.T, id string, kind BlockKind, text string) Block {
	t.Helper()
	block, err := NewBlock(id, kind, text)
	if err != nil {
		t.Fatalf("unexpected block error: %v", err)
	}
	return block
}

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:writersroom_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	underlying, err := db.DB()
	if err != nil {
		t.Fatalf("failed to unwrap sqlite handle: %v", err)
	}
	underlying.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&UpdateRecord{}, &SnapshotRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestLog(t *testing.T, db *gorm.DB, clock func() time.Time) *UpdateLog {
	t.Helper()
	log, err := NewUpdateLog(UpdateLogConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct update log: %v", err)
	}
	return log
}

func newTestMaterializer(t *testing.T, db *gorm.DB, log *UpdateLog, clock func() time.Time) *Materializer {
	t.Helper()
	materializer, err := NewMaterializer(MaterializerConfig{Database: db, Log: log, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct materializer: %v", err)
	}
	return materializer
}

func fixedClock(seconds int64) func() time.Time {
	return func() time.Time { return time.Unix(seconds, 0).UTC() }
}

func contextForTest(t *testing.T) context.Context {
	t.Helper()
	return context.Background()
}

func contextWithCancelForTest(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithCancel(context.Background())
}

// editorDelta simulates a client-side editor producing one binary update:
// it loads the current checkpoint, applies the mutation, and hands back
// the incremental change payload.
func editorDelta(t *testing.T, checkpoint []byte, mutate func(t *testing.T, replica *Replica)) ([]byte, []byte) {
	t.Helper()
	var replica *Replica
	var err error
	if len(checkpoint) == 0 {
		replica = NewReplica()
	} else {
		replica, err = LoadReplica(checkpoint)
		if err != nil {
			t.Fatalf("failed to load replica: %v", err)
		}
	}
	// Reset the incremental cursor to the checkpoint boundary.
	replica.Checkpoint()
	mutate(t, replica)
	delta := replica.Delta()
	if len(delta) == 0 {
		t.Fatalf("expected mutation to produce a delta")
	}
	return delta, replica.Checkpoint()
}

func seedLogUpdates(t *testing.T, log *UpdateLog, documentID DocumentID, author AuthorID, count int) []byte {
	t.Helper()
	var checkpoint []byte
	for i := 0; i < count; i++ {
		text := fmt.Sprintf("line %d", i)
		delta, next := editorDelta(t, checkpoint, func(t *testing.T, replica *Replica) {
			if err := replica.AppendBlock(mustTestBlock(t, fmt.Sprintf("blk-%04d", i), BlockKindAction, text)); err != nil {
				t.Fatalf("failed to append block: %v", err)
			}
		})
		checkpoint = next
		if _, err := log.Append(contextForTest(t), documentID, delta, author); err != nil {
			t.Fatalf("failed to append update %d: %v", i, err)
		}
	}
	return checkpoint
}
