package authorization

import (
	"context"
	"errors"
	"time"
)

type Role string

const (
	RoleOwner     Role = "owner"
	RoleAdmin     Role = "admin"
	RoleRecruiter Role = "recruiter"
	RoleMember    Role = "member"
)

// Member links a user to an organization with one role. Identity is
// verified upstream; this table only answers what the user may do.
type Member struct {
	OrgID     string    `gorm:"type:varchar(64);primaryKey" json:"organizationId"`
	UserID    string    `gorm:"type:varchar(64);primaryKey" json:"userId"`
	Role      Role      `gorm:"type:varchar(32);not null" json:"role"`
	CreatedAt time.Time `gorm:"not null" json:"createdAt"`
}

func (Member) TableName() string { return "organization_members" }

type Service interface {
	// Authorize checks actor ("system" or "user:<id>") against the role the
	// actor holds in orgID.
	Authorize(ctx context.Context, actor, orgID, object, action string) error
	SetMember(ctx context.Context, orgID, userID string, role Role) error
}

var (
	ErrInvalidActor        = errors.New("invalid_actor")
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidObject       = errors.New("invalid_object")
	ErrInvalidAction       = errors.New("invalid_action")
	ErrInvalidRole         = errors.New("invalid_role")
	ErrForbidden           = errors.New("forbidden")
)

func ParseRole(raw string) (Role, error) {
	switch r := Role(raw); r {
	case RoleOwner, RoleAdmin, RoleRecruiter, RoleMember:
		return r, nil
	default:
		return "", ErrInvalidRole
	}
}
