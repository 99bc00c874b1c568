package collab

import (
	"strings"
	"time"
)

// Role grades what a collaborator may do with a document.
type Role string

const (
	// RoleOwner may edit, share, and delete the document.
	RoleOwner Role = "owner"
	// RoleEditor may read and edit the document.
	RoleEditor Role = "editor"
	// RoleViewer may only read the document.
	RoleViewer Role = "viewer"
)

// Membership captures the mapping between a document and a collaborator.
type Membership struct {
	DocumentID string    `gorm:"column:document_id;primaryKey;size:190;not null"`
	UserID     string    `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	Role       string    `gorm:"column:role;size:32;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing document memberships.
func (Membership) TableName() string {
	return "document_collaborators"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

func roleAllowsWrite(role Role) bool {
	return role == RoleOwner || role == RoleEditor
}
