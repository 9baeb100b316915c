package auth

import (
	"log/slog"

	"github.com/chanzuckerberg/czgenepi-sub000/genepi/schema"
	"github.com/chanzuckerberg/czgenepi-sub000/utils/logging"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Every visibility decision in the system funnels through this file. The
// system admin bypass lives here and nowhere else; handlers must not check
// user.SystemAdmin inline.

// visibleOwnerSet builds the per-request adjacency of owner groups the
// user's group may see for one data type: the user's own group plus the
// owners of every matching CanSee grant. One query, no lazy per-row lookups.
func visibleOwnerSet(db *gorm.DB, user schema.User, dataType schema.DataType) (map[uuid.UUID]struct{}, error) {
	var grants []schema.CanSee
	result := db.Find(&grants, "viewer_group_id = ? AND data_type = ?", user.GroupId, dataType)
	if result.Error != nil {
		slog.Error("sql error resolving can-see grants",
			"viewer_group_id", user.GroupId, "data_type", dataType, "error", result.Error,
			"code", logging.AUTHZ_RESOLVE)
		return nil, schema.ErrDbAccessFailed
	}

	visible := make(map[uuid.UUID]struct{}, len(grants)+1)
	visible[user.GroupId] = struct{}{}
	for _, grant := range grants {
		visible[grant.OwnerGroupId] = struct{}{}
	}
	return visible, nil
}

// ResolveVisibility returns every owner group whose data of the given type
// the user may read. A group always sees its own data of every type; a
// system admin sees every group.
func ResolveVisibility(db *gorm.DB, user schema.User, dataType schema.DataType) ([]uuid.UUID, error) {
	if err := schema.CheckValidDataType(dataType); err != nil {
		return nil, err
	}

	if user.SystemAdmin {
		return schema.AllGroupIds(db)
	}

	visible, err := visibleOwnerSet(db, user, dataType)
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, 0, len(visible))
	ids = append(ids, user.GroupId)
	for id := range visible {
		if id != user.GroupId {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// ResolveVisibilityAmong restricts a candidate set of owner groups to those
// the user may read for the given data type, preserving candidate order.
// For a system admin the candidate set is returned unchanged.
func ResolveVisibilityAmong(db *gorm.DB, user schema.User, dataType schema.DataType, candidates []uuid.UUID) ([]uuid.UUID, error) {
	if err := schema.CheckValidDataType(dataType); err != nil {
		return nil, err
	}

	if user.SystemAdmin {
		return candidates, nil
	}

	visible, err := visibleOwnerSet(db, user, dataType)
	if err != nil {
		return nil, err
	}

	accessible := make([]uuid.UUID, 0, len(candidates))
	for _, candidate := range candidates {
		if _, ok := visible[candidate]; ok {
			accessible = append(accessible, candidate)
		}
	}
	return accessible, nil
}

// CanUserSeeGroup checks a single (owner group, data type) pair.
func CanUserSeeGroup(db *gorm.DB, user schema.User, ownerGroupId uuid.UUID, dataType schema.DataType) (bool, error) {
	accessible, err := ResolveVisibilityAmong(db, user, dataType, []uuid.UUID{ownerGroupId})
	if err != nil {
		return false, err
	}
	return len(accessible) == 1, nil
}
