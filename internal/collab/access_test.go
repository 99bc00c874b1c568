package collab

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestController(t *testing.T) *MembershipController {
	t.Helper()
	dsn := fmt.Sprintf("file:collab_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Membership{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	controller, err := NewMembershipController(MembershipControllerConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct controller: %v", err)
	}
	return controller
}

func TestFirstWriterBecomesOwner(t *testing.T) {
	controller := newTestController(t)
	ctx := context.Background()

	if err := controller.Authorize(ctx, "writer-1", "doc-1", AccessWrite); err != nil {
		t.Fatalf("first writer must be admitted: %v", err)
	}
	// The claim persists: a different user is now denied.
	if err := controller.Authorize(ctx, "writer-2", "doc-1", AccessWrite); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected access denied for a stranger, got %v", err)
	}
}

func TestViewerCannotWrite(t *testing.T) {
	controller := newTestController(t)
	ctx := context.Background()

	if err := controller.Grant(ctx, "owner-1", "doc-1", RoleOwner); err != nil {
		t.Fatalf("unexpected grant error: %v", err)
	}
	if err := controller.Grant(ctx, "viewer-1", "doc-1", RoleViewer); err != nil {
		t.Fatalf("unexpected grant error: %v", err)
	}

	if err := controller.Authorize(ctx, "viewer-1", "doc-1", AccessRead); err != nil {
		t.Fatalf("viewer must read: %v", err)
	}
	if err := controller.Authorize(ctx, "viewer-1", "doc-1", AccessWrite); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("viewer must not write, got %v", err)
	}
}

func TestRevokeRemovesAccess(t *testing.T) {
	controller := newTestController(t)
	ctx := context.Background()

	if err := controller.Grant(ctx, "owner-1", "doc-1", RoleOwner); err != nil {
		t.Fatalf("unexpected grant error: %v", err)
	}
	if err := controller.Grant(ctx, "editor-1", "doc-1", RoleEditor); err != nil {
		t.Fatalf("unexpected grant error: %v", err)
	}
	if err := controller.Authorize(ctx, "editor-1", "doc-1", AccessWrite); err != nil {
		t.Fatalf("editor must write: %v", err)
	}

	if err := controller.Revoke(ctx, "editor-1", "doc-1"); err != nil {
		t.Fatalf("unexpected revoke error: %v", err)
	}
	if err := controller.Authorize(ctx, "editor-1", "doc-1", AccessWrite); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("revoked editor must be denied, got %v", err)
	}
}

func TestAuthorizeRejectsEmptyIdentifiers(t *testing.T) {
	controller := newTestController(t)
	if err := controller.Authorize(context.Background(), "", "doc-1", AccessRead); !errors.Is(err, ErrInvalidMembership) {
		t.Fatalf("expected invalid membership, got %v", err)
	}
	if err := controller.Authorize(context.Background(), "writer-1", "  ", AccessRead); !errors.Is(err, ErrInvalidMembership) {
		t.Fatalf("expected invalid membership, got %v", err)
	}
}

func TestAllowAllControllerGrantsEverything(t *testing.T) {
	var controller AllowAllController
	if err := controller.Authorize(context.Background(), "anyone", "any-doc", AccessWrite); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
