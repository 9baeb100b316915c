package auth

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/chanzuckerberg/czgenepi-sub000/genepi/schema"
)

func createSample(t *testing.T, db *gorm.DB, groupId uuid.UUID, n int) schema.Sample {
	sample := schema.Sample{
		Id:                uuid.New(),
		PrivateIdentifier: fmt.Sprintf("private-%v-%d", groupId, n),
		PublicIdentifier:  fmt.Sprintf("public-%v-%d", groupId, n),
		SubmittingGroupId: groupId,
	}
	require.NoError(t, db.Create(&sample).Error)
	return sample
}

func scopedGroupIds(t *testing.T, db *gorm.DB, scope func(*gorm.DB) *gorm.DB) []uuid.UUID {
	var samples []schema.Sample
	require.NoError(t, db.Scopes(scope).Find(&samples).Error)

	ids := make([]uuid.UUID, 0, len(samples))
	for _, sample := range samples {
		ids = append(ids, sample.SubmittingGroupId)
	}
	return ids
}

func TestOwnerScopeRead(t *testing.T) {
	db := setupAuthTestDb(t)
	require.NoError(t, db.AutoMigrate(&schema.Sample{}))

	groupA := createGroup(t, db, "a")
	groupB := createGroup(t, db, "b")
	user := createUser(t, db, groupA.Id, false)

	createSample(t, db, groupA.Id, 1)
	createSample(t, db, groupB.Id, 1)

	scope, err := OwnerScope(db, user, PermissionRead, "submitting_group_id")
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{groupA.Id}, scopedGroupIds(t, db, scope))

	grantCanSee(t, db, groupA.Id, groupB.Id, schema.Metadata)

	scope, err = OwnerScope(db, user, PermissionRead, "submitting_group_id")
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{groupA.Id, groupB.Id}, scopedGroupIds(t, db, scope))
}

func TestOwnerScopeReadPrivate(t *testing.T) {
	db := setupAuthTestDb(t)
	require.NoError(t, db.AutoMigrate(&schema.Sample{}))

	groupA := createGroup(t, db, "a")
	groupB := createGroup(t, db, "b")
	user := createUser(t, db, groupA.Id, false)

	createSample(t, db, groupA.Id, 1)
	createSample(t, db, groupB.Id, 1)

	// A metadata grant does not widen the private identifier scope.
	grantCanSee(t, db, groupA.Id, groupB.Id, schema.Metadata)

	scope, err := OwnerScope(db, user, PermissionReadPrivate, "submitting_group_id")
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{groupA.Id}, scopedGroupIds(t, db, scope))
}

func TestOwnerScopeWriteIgnoresGrants(t *testing.T) {
	db := setupAuthTestDb(t)
	require.NoError(t, db.AutoMigrate(&schema.Sample{}))

	groupA := createGroup(t, db, "a")
	groupB := createGroup(t, db, "b")
	user := createUser(t, db, groupA.Id, false)

	createSample(t, db, groupA.Id, 1)
	createSample(t, db, groupB.Id, 1)

	// Even a full set of grants never widens the write scope.
	for _, dataType := range []schema.DataType{
		schema.PrivateIdentifiers, schema.Sequences, schema.Metadata, schema.Trees,
	} {
		grantCanSee(t, db, groupA.Id, groupB.Id, dataType)
	}

	scope, err := OwnerScope(db, user, PermissionWrite, "submitting_group_id")
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{groupA.Id}, scopedGroupIds(t, db, scope))
}

func TestOwnerScopeSystemAdmin(t *testing.T) {
	db := setupAuthTestDb(t)
	require.NoError(t, db.AutoMigrate(&schema.Sample{}))

	groupA := createGroup(t, db, "a")
	groupB := createGroup(t, db, "b")
	admin := createUser(t, db, groupA.Id, true)

	createSample(t, db, groupA.Id, 1)
	createSample(t, db, groupB.Id, 1)

	scope, err := OwnerScope(db, admin, PermissionRead, "submitting_group_id")
	require.NoError(t, err)
	assert.Len(t, scopedGroupIds(t, db, scope), 2)
}

func TestOwnerScopeRejectsInvalidPermission(t *testing.T) {
	db := setupAuthTestDb(t)

	group := createGroup(t, db, "a")
	user := createUser(t, db, group.Id, false)

	_, err := OwnerScope(db, user, Permission("bogus"), "submitting_group_id")
	require.ErrorIs(t, err, ErrInvalidPermission)
}

func TestCheckGroupAccess(t *testing.T) {
	db := setupAuthTestDb(t)

	groupA := createGroup(t, db, "a")
	groupB := createGroup(t, db, "b")
	user := createUser(t, db, groupA.Id, false)
	admin := createUser(t, db, groupB.Id, true)

	require.NoError(t, CheckGroupAccess(db, user, groupA.Id, PermissionRead))
	require.NoError(t, CheckGroupAccess(db, user, groupA.Id, PermissionReadPrivate))
	require.NoError(t, CheckGroupAccess(db, user, groupA.Id, PermissionWrite))

	require.ErrorIs(t, CheckGroupAccess(db, user, groupB.Id, PermissionRead), ErrAuthorizationDenied)

	grantCanSee(t, db, groupA.Id, groupB.Id, schema.Metadata)
	grantCanSee(t, db, groupA.Id, groupB.Id, schema.PrivateIdentifiers)

	require.NoError(t, CheckGroupAccess(db, user, groupB.Id, PermissionRead))
	require.NoError(t, CheckGroupAccess(db, user, groupB.Id, PermissionReadPrivate))

	// Write access is never granted across groups.
	require.ErrorIs(t, CheckGroupAccess(db, user, groupB.Id, PermissionWrite), ErrAuthorizationDenied)

	// The system admin override applies to every permission.
	require.NoError(t, CheckGroupAccess(db, admin, groupA.Id, PermissionRead))
	require.NoError(t, CheckGroupAccess(db, admin, groupA.Id, PermissionWrite))

	require.ErrorIs(t, CheckGroupAccess(db, user, groupB.Id, Permission("bogus")), ErrInvalidPermission)
}
