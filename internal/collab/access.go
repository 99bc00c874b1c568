package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrAccessDenied indicates the user holds no sufficient role on the document.
	ErrAccessDenied = errors.New("collab: access denied")
	// ErrInvalidMembership indicates an empty user or document identifier.
	ErrInvalidMembership = errors.New("collab: invalid membership")
)

// Access is the level a caller needs for an operation.
type Access string

const (
	// AccessRead covers snapshot fetches and consistency checks.
	AccessRead Access = "read"
	// AccessWrite covers realtime updates, autosave, and reconciliation.
	AccessWrite Access = "write"
)

// AccessController authorizes a user against a document before any
// session, autosave, or reconciliation work happens.
type AccessController interface {
	Authorize(ctx context.Context, userID, documentID string, access Access) error
}

// AllowAllController grants every request, for deployments that delegate
// authorization entirely to the token layer.
type AllowAllController struct{}

// Authorize always succeeds.
func (AllowAllController) Authorize(ctx context.Context, userID, documentID string, access Access) error {
	return nil
}

// MembershipControllerConfig describes the membership-backed controller.
type MembershipControllerConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// MembershipController authorizes against stored document memberships.
// A document with no memberships at all is open: the first writer
// becomes its owner.
type MembershipController struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewMembershipController constructs the controller.
func NewMembershipController(cfg MembershipControllerConfig) (*MembershipController, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("collab: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &MembershipController{db: cfg.Database, now: clock}, nil
}

// Authorize checks the caller's stored role on the document. An unknown
// document admits the caller by claiming ownership.
func (c *MembershipController) Authorize(ctx context.Context, userID, documentID string, access Access) error {
	userID = normalize(userID)
	documentID = normalize(documentID)
	if userID == "" || documentID == "" {
		return ErrInvalidMembership
	}

	cacheKey := documentID + ":" + userID
	if cached, ok := c.cache.Load(cacheKey); ok {
		if role, ok := cached.(Role); ok {
			return c.check(role, access)
		}
	}

	var membership Membership
	err := c.db.WithContext(ctx).
		Where("document_id = ? AND user_id = ?", documentID, userID).
		Take(&membership).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		var total int64
		if countErr := c.db.WithContext(ctx).Model(&Membership{}).
			Where("document_id = ?", documentID).
			Count(&total).Error; countErr != nil {
			return countErr
		}
		if total > 0 {
			return fmt.Errorf("%w: %s on %s", ErrAccessDenied, userID, documentID)
		}
		if grantErr := c.Grant(ctx, userID, documentID, RoleOwner); grantErr != nil {
			return grantErr
		}
		c.cache.Store(cacheKey, RoleOwner)
		return nil
	}
	if err != nil {
		return err
	}
	c.cache.Store(cacheKey, Role(membership.Role))
	return c.check(Role(membership.Role), access)
}

// Grant stores or updates the user's role on a document.
func (c *MembershipController) Grant(ctx context.Context, userID, documentID string, role Role) error {
	userID = normalize(userID)
	documentID = normalize(documentID)
	if userID == "" || documentID == "" {
		return ErrInvalidMembership
	}
	membership := Membership{
		DocumentID: documentID,
		UserID:     userID,
		Role:       string(role),
	}
	err := c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role", "updated_at"}),
	}).Create(&membership).Error
	if err != nil {
		return err
	}
	c.cache.Store(documentID+":"+userID, role)
	return nil
}

// Revoke removes the user's membership on a document.
func (c *MembershipController) Revoke(ctx context.Context, userID, documentID string) error {
	userID = normalize(userID)
	documentID = normalize(documentID)
	if userID == "" || documentID == "" {
		return ErrInvalidMembership
	}
	err := c.db.WithContext(ctx).
		Where("document_id = ? AND user_id = ?", documentID, userID).
		Delete(&Membership{}).Error
	if err != nil {
		return err
	}
	c.cache.Delete(documentID + ":" + userID)
	return nil
}

func (c *MembershipController) check(role Role, access Access) error {
	if access == AccessWrite && !roleAllowsWrite(role) {
		return fmt.Errorf("%w: role %s cannot write", ErrAccessDenied, role)
	}
	switch role {
	case RoleOwner, RoleEditor, RoleViewer:
		return nil
	default:
		return fmt.Errorf("%w: unknown role %s", ErrAccessDenied, role)
	}
}
