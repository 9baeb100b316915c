package schema

import (
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrUserNotFound      = errors.New("user not found")
	ErrGroupNotFound     = errors.New("group not found")
	ErrRoleNotFound      = errors.New("role not found")
	ErrUserRoleNotFound  = errors.New("user role not found")
	ErrSampleNotFound    = errors.New("sample not found")
	ErrPhyloRunNotFound  = errors.New("phylo run not found")
	ErrPhyloTreeNotFound = errors.New("phylo tree not found")
	ErrLocationNotFound  = errors.New("location not found")
	ErrPathogenNotFound  = errors.New("pathogen not found")
	ErrDbAccessFailed    = errors.New("db access failed")
)

func GetUser(userId uuid.UUID, db *gorm.DB) (User, error) {
	var user User

	result := db.First(&user, "id = ?", userId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return user, ErrUserNotFound
		}
		slog.Error("sql error in get user", "user_id", userId, "error", result.Error)
		return user, ErrDbAccessFailed
	}

	return user, nil
}

func GetGroup(groupId uuid.UUID, db *gorm.DB) (Group, error) {
	var group Group

	result := db.Preload("DefaultTreeLocation").First(&group, "id = ?", groupId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return group, ErrGroupNotFound
		}
		slog.Error("sql error in get group", "group_id", groupId, "error", result.Error)
		return group, ErrDbAccessFailed
	}

	return group, nil
}

func GetRoleByName(name string, db *gorm.DB) (Role, error) {
	var role Role

	result := db.First(&role, "name = ?", name)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return role, ErrRoleNotFound
		}
		slog.Error("sql error in get role", "name", name, "error", result.Error)
		return role, ErrDbAccessFailed
	}

	return role, nil
}

// GetUserRoleNames returns the names of the roles the user holds within the
// given group.
func GetUserRoleNames(userId, groupId uuid.UUID, db *gorm.DB) ([]string, error) {
	var userRoles []UserRole
	result := db.Preload("Role").Find(&userRoles, "user_id = ? AND group_id = ?", userId, groupId)
	if result.Error != nil {
		slog.Error("sql error in get user role names", "user_id", userId, "group_id", groupId, "error", result.Error)
		return nil, ErrDbAccessFailed
	}

	names := make([]string, 0, len(userRoles))
	for _, userRole := range userRoles {
		if userRole.Role != nil {
			names = append(names, userRole.Role.Name)
		}
	}
	return names, nil
}

func GetUserRole(userId, groupId, roleId uuid.UUID, db *gorm.DB) (UserRole, error) {
	var userRole UserRole
	result := db.First(&userRole, "user_id = ? AND group_id = ? AND role_id = ?", userId, groupId, roleId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return userRole, ErrUserRoleNotFound
		}
		slog.Error("sql error in get user role", "user_id", userId, "group_id", groupId, "error", result.Error)
		return userRole, ErrDbAccessFailed
	}

	return userRole, nil
}

func GetSample(sampleId uuid.UUID, db *gorm.DB) (Sample, error) {
	var sample Sample

	result := db.First(&sample, "id = ?", sampleId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return sample, ErrSampleNotFound
		}
		slog.Error("sql error in get sample", "sample_id", sampleId, "error", result.Error)
		return sample, ErrDbAccessFailed
	}

	return sample, nil
}

func GetPhyloRun(runId uuid.UUID, db *gorm.DB) (PhyloRun, error) {
	var run PhyloRun

	result := db.Preload("Tree").First(&run, "id = ?", runId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return run, ErrPhyloRunNotFound
		}
		slog.Error("sql error in get phylo run", "run_id", runId, "error", result.Error)
		return run, ErrDbAccessFailed
	}

	return run, nil
}

func GetPhyloTree(treeId uuid.UUID, db *gorm.DB) (PhyloTree, error) {
	var tree PhyloTree

	result := db.First(&tree, "id = ?", treeId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return tree, ErrPhyloTreeNotFound
		}
		slog.Error("sql error in get phylo tree", "tree_id", treeId, "error", result.Error)
		return tree, ErrDbAccessFailed
	}

	return tree, nil
}

func GetLocation(locationId uuid.UUID, db *gorm.DB) (Location, error) {
	var location Location

	result := db.First(&location, "id = ?", locationId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return location, ErrLocationNotFound
		}
		slog.Error("sql error in get location", "location_id", locationId, "error", result.Error)
		return location, ErrDbAccessFailed
	}

	return location, nil
}

func GetPathogenBySlug(slug string, db *gorm.DB) (Pathogen, error) {
	var pathogen Pathogen

	result := db.First(&pathogen, "slug = ?", slug)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return pathogen, ErrPathogenNotFound
		}
		slog.Error("sql error in get pathogen", "slug", slug, "error", result.Error)
		return pathogen, ErrDbAccessFailed
	}

	return pathogen, nil
}

// AllGroupIds returns every group id in the system. Used by the visibility
// resolver for the system admin unrestricted case.
func AllGroupIds(db *gorm.DB) ([]uuid.UUID, error) {
	var groups []Group
	result := db.Select("id").Find(&groups)
	if result.Error != nil {
		slog.Error("sql error listing all group ids", "error", result.Error)
		return nil, ErrDbAccessFailed
	}

	ids := make([]uuid.UUID, 0, len(groups))
	for _, group := range groups {
		ids = append(ids, group.Id)
	}
	return ids, nil
}

// GetGroupSamples returns every sample submitted by the given group. The
// tree rename map is built from this set only: translation is scoped to
// samples owned by the tree's own group.
func GetGroupSamples(groupId uuid.UUID, db *gorm.DB) ([]Sample, error) {
	var samples []Sample
	result := db.Find(&samples, "submitting_group_id = ?", groupId)
	if result.Error != nil {
		slog.Error("sql error listing group samples", "group_id", groupId, "error", result.Error)
		return nil, ErrDbAccessFailed
	}
	return samples, nil
}
