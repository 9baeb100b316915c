package auth

import (
	"errors"
	"fmt"

	"github.com/chanzuckerberg/czgenepi-sub000/genepi/schema"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Permission names the level of access a query needs to the rows it selects.
type Permission string

const (
	// PermissionRead covers a group's non-private sample and tree metadata.
	PermissionRead Permission = "read"
	// PermissionReadPrivate additionally covers private sample identifiers.
	PermissionReadPrivate Permission = "read_private"
	// PermissionWrite is never conferred by a CanSee grant: only the owning
	// group (or a system admin) may mutate a group's data.
	PermissionWrite Permission = "write"
)

var (
	// ErrInvalidPermission indicates a programming error, not a user fault.
	ErrInvalidPermission = errors.New("invalid permission")

	ErrAuthorizationDenied = errors.New("not authorized to access this group's data")
)

func dataTypeForPermission(permission Permission) (schema.DataType, error) {
	switch permission {
	case PermissionRead:
		return schema.Metadata, nil
	case PermissionReadPrivate:
		return schema.PrivateIdentifiers, nil
	default:
		return "", fmt.Errorf("%w: '%v'", ErrInvalidPermission, permission)
	}
}

// OwnerScope translates a resolved visibility set into a gorm scope usable
// by any query over rows carrying an owner group column (for example
// "submitting_group_id" on samples or "group_id" on phylo runs). The scope
// is pure: it adds a filter condition and performs no writes.
func OwnerScope(db *gorm.DB, user schema.User, permission Permission, ownerColumn string) (func(*gorm.DB) *gorm.DB, error) {
	if user.SystemAdmin {
		return func(query *gorm.DB) *gorm.DB { return query }, nil
	}

	var ids []uuid.UUID
	switch permission {
	case PermissionRead, PermissionReadPrivate:
		dataType, err := dataTypeForPermission(permission)
		if err != nil {
			return nil, err
		}
		ids, err = ResolveVisibility(db, user, dataType)
		if err != nil {
			return nil, err
		}
	case PermissionWrite:
		ids = []uuid.UUID{user.GroupId}
	default:
		return nil, fmt.Errorf("%w: '%v'", ErrInvalidPermission, permission)
	}

	condition := fmt.Sprintf("%v IN ?", ownerColumn)
	return func(query *gorm.DB) *gorm.DB {
		return query.Where(condition, ids)
	}, nil
}

// CheckGroupAccess verifies a single (owner group, permission) pair,
// returning ErrAuthorizationDenied when the user's visibility set does not
// include the owner. A denied check is always an error, never a silent
// default to visible.
func CheckGroupAccess(db *gorm.DB, user schema.User, ownerGroupId uuid.UUID, permission Permission) error {
	if user.SystemAdmin {
		return nil
	}

	switch permission {
	case PermissionRead, PermissionReadPrivate:
		dataType, err := dataTypeForPermission(permission)
		if err != nil {
			return err
		}
		canSee, err := CanUserSeeGroup(db, user, ownerGroupId, dataType)
		if err != nil {
			return err
		}
		if !canSee {
			return ErrAuthorizationDenied
		}
		return nil
	case PermissionWrite:
		if user.GroupId != ownerGroupId {
			return ErrAuthorizationDenied
		}
		return nil
	default:
		return fmt.Errorf("%w: '%v'", ErrInvalidPermission, permission)
	}
}
