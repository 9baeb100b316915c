package auth

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/chanzuckerberg/czgenepi-sub000/genepi/schema"
)

func setupAuthTestDb(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	err = db.AutoMigrate(
		&schema.Group{}, &schema.User{}, &schema.Role{}, &schema.UserRole{},
		&schema.GroupRole{}, &schema.CanSee{},
	)
	require.NoError(t, err)

	return db
}

func createGroup(t *testing.T, db *gorm.DB, name string) schema.Group {
	group := schema.Group{Id: uuid.New(), Name: name, Prefix: name}
	require.NoError(t, db.Create(&group).Error)
	return group
}

func createUser(t *testing.T, db *gorm.DB, groupId uuid.UUID, admin bool) schema.User {
	user := schema.User{
		Id: uuid.New(), Name: "user", Email: uuid.NewString() + "@mail.com",
		GroupId: groupId, SystemAdmin: admin,
	}
	require.NoError(t, db.Create(&user).Error)
	return user
}

func grantCanSee(t *testing.T, db *gorm.DB, viewer, owner uuid.UUID, dataType schema.DataType) {
	grant := schema.CanSee{ViewerGroupId: viewer, OwnerGroupId: owner, DataType: dataType}
	require.NoError(t, db.Create(&grant).Error)
}

func TestGroupAlwaysSeesItself(t *testing.T) {
	db := setupAuthTestDb(t)

	group := createGroup(t, db, "a")
	createGroup(t, db, "b")
	user := createUser(t, db, group.Id, false)

	for _, dataType := range []schema.DataType{
		schema.PrivateIdentifiers, schema.Sequences, schema.Metadata, schema.Trees,
	} {
		visible, err := ResolveVisibility(db, user, dataType)
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{group.Id}, visible)
	}
}

func TestSystemAdminSeesEveryGroup(t *testing.T) {
	db := setupAuthTestDb(t)

	groupA := createGroup(t, db, "a")
	groupB := createGroup(t, db, "b")
	admin := createUser(t, db, groupA.Id, true)

	visible, err := ResolveVisibility(db, admin, schema.Trees)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{groupA.Id, groupB.Id}, visible)
}

func TestVisibilityGrantsArePerDataType(t *testing.T) {
	db := setupAuthTestDb(t)

	groupA := createGroup(t, db, "a")
	groupB := createGroup(t, db, "b")
	user := createUser(t, db, groupA.Id, false)

	grantCanSee(t, db, groupA.Id, groupB.Id, schema.Metadata)

	visible, err := ResolveVisibility(db, user, schema.Metadata)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{groupA.Id, groupB.Id}, visible)

	// The grant covers one data type only.
	for _, dataType := range []schema.DataType{
		schema.PrivateIdentifiers, schema.Sequences, schema.Trees,
	} {
		visible, err := ResolveVisibility(db, user, dataType)
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{groupA.Id}, visible, "data type %v", dataType)
	}
}

func TestVisibilityGrantsAreDirectional(t *testing.T) {
	db := setupAuthTestDb(t)

	groupA := createGroup(t, db, "a")
	groupB := createGroup(t, db, "b")
	userB := createUser(t, db, groupB.Id, false)

	// A grant to group A gives group B nothing.
	grantCanSee(t, db, groupA.Id, groupB.Id, schema.Metadata)

	visible, err := ResolveVisibility(db, userB, schema.Metadata)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{groupB.Id}, visible)
}

func TestVisibilityGrantsDoNotChain(t *testing.T) {
	db := setupAuthTestDb(t)

	groupA := createGroup(t, db, "a")
	groupB := createGroup(t, db, "b")
	groupC := createGroup(t, db, "c")
	userA := createUser(t, db, groupA.Id, false)

	// A sees B and B sees C; A must not see C through B.
	grantCanSee(t, db, groupA.Id, groupB.Id, schema.Trees)
	grantCanSee(t, db, groupB.Id, groupC.Id, schema.Trees)

	visible, err := ResolveVisibility(db, userA, schema.Trees)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{groupA.Id, groupB.Id}, visible)
}

func TestResolveVisibilityRejectsInvalidDataType(t *testing.T) {
	db := setupAuthTestDb(t)

	group := createGroup(t, db, "a")
	user := createUser(t, db, group.Id, false)

	_, err := ResolveVisibility(db, user, schema.DataType("BOGUS"))
	require.Error(t, err)
}

func TestResolveVisibilityAmongPreservesCandidateOrder(t *testing.T) {
	db := setupAuthTestDb(t)

	groupA := createGroup(t, db, "a")
	groupB := createGroup(t, db, "b")
	groupC := createGroup(t, db, "c")
	user := createUser(t, db, groupA.Id, false)

	grantCanSee(t, db, groupA.Id, groupC.Id, schema.Metadata)

	accessible, err := ResolveVisibilityAmong(db, user, schema.Metadata,
		[]uuid.UUID{groupC.Id, groupB.Id, groupA.Id})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{groupC.Id, groupA.Id}, accessible)
}

func TestCanUserSeeGroup(t *testing.T) {
	db := setupAuthTestDb(t)

	groupA := createGroup(t, db, "a")
	groupB := createGroup(t, db, "b")
	user := createUser(t, db, groupA.Id, false)
	admin := createUser(t, db, groupB.Id, true)

	canSee, err := CanUserSeeGroup(db, user, groupA.Id, schema.Trees)
	require.NoError(t, err)
	assert.True(t, canSee)

	canSee, err = CanUserSeeGroup(db, user, groupB.Id, schema.Trees)
	require.NoError(t, err)
	assert.False(t, canSee)

	canSee, err = CanUserSeeGroup(db, admin, groupA.Id, schema.Trees)
	require.NoError(t, err)
	assert.True(t, canSee)
}
