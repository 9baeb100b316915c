package auth

import (
	"log/slog"

	"github.com/chanzuckerberg/czgenepi-sub000/genepi/schema"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Context bundles the authorization state for one request: the acting user,
// the group the request is scoped to, the role names the user holds in that
// group, and any roles the group has delegated to the user's primary group.
// It is computed fresh at the start of request handling and discarded after;
// nothing here is cached across requests.
type Context struct {
	User  schema.User
	Group schema.Group

	Roles []string

	DelegatedRoles []schema.GroupRole
}

// NewContext returns schema.ErrGroupNotFound when groupId does not name an
// existing group.
func NewContext(db *gorm.DB, user schema.User, groupId uuid.UUID) (Context, error) {
	group, err := schema.GetGroup(groupId, db)
	if err != nil {
		return Context{}, err
	}

	roles, err := schema.GetUserRoleNames(user.Id, groupId, db)
	if err != nil {
		return Context{}, err
	}

	// Delegations that groupId granted to the user's primary group. The
	// grantee side is always the user's own group; delegations are never
	// transitive.
	var delegated []schema.GroupRole
	result := db.Preload("Role").
		Find(&delegated, "grantor_group_id = ? AND grantee_group_id = ?", groupId, user.GroupId)
	if result.Error != nil {
		slog.Error("sql error listing delegated group roles", "group_id", groupId, "error", result.Error)
		return Context{}, schema.ErrDbAccessFailed
	}

	return Context{User: user, Group: group, Roles: roles, DelegatedRoles: delegated}, nil
}

// HasRole reports whether the user holds the named role in the group, either
// directly or through a delegation to the user's primary group.
func (c *Context) HasRole(name string) bool {
	for _, role := range c.Roles {
		if role == name {
			return true
		}
	}
	for _, delegation := range c.DelegatedRoles {
		if delegation.Role != nil && delegation.Role.Name == name {
			return true
		}
	}
	return false
}

// IsMember reports whether the user belongs to the group, directly or via a
// delegated role.
func (c *Context) IsMember() bool {
	return c.User.GroupId == c.Group.Id || len(c.Roles) > 0 || len(c.DelegatedRoles) > 0
}
