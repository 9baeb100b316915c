package tests

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/chanzuckerberg/czgenepi-sub000/genepi/auth"
	"github.com/chanzuckerberg/czgenepi-sub000/genepi/schema"
	"github.com/chanzuckerberg/czgenepi-sub000/genepi/services"
	"github.com/chanzuckerberg/czgenepi-sub000/genepi/storage"
)

type testEnv struct {
	genepi  services.Genepi
	api     chi.Router
	storage storage.Storage
	db      *gorm.DB

	adminGroupId uuid.UUID
}

const (
	adminName     = "admin123"
	adminEmail    = "admin123@mail.com"
	adminPassword = "admin_password123"

	testPathogen = "SC2"
)

func setupTestEnv(t *testing.T) *testEnv {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatal(err)
	}

	err = db.AutoMigrate(
		&schema.Group{}, &schema.User{}, &schema.Role{}, &schema.UserRole{},
		&schema.GroupRole{}, &schema.CanSee{}, &schema.Pathogen{},
		&schema.Location{}, &schema.Sample{}, &schema.PhyloRun{}, &schema.PhyloTree{},
	)
	if err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{schema.RoleAdmin, schema.RoleMember, schema.RoleViewer} {
		if err := db.Create(&schema.Role{Id: uuid.New(), Name: name}).Error; err != nil {
			t.Fatal(err)
		}
	}

	pathogen := schema.Pathogen{Id: uuid.New(), Slug: testPathogen, Name: "SARS-CoV-2"}
	if err := db.Create(&pathogen).Error; err != nil {
		t.Fatal(err)
	}

	adminGroup := schema.Group{Id: uuid.New(), Name: "system-admins", Prefix: "ADMIN"}
	if err := db.Create(&adminGroup).Error; err != nil {
		t.Fatal(err)
	}

	storagePath := filepath.Join(t.TempDir(), "storage")
	err = os.MkdirAll(storagePath, 0777)
	if err != nil {
		t.Fatalf("error creating storage directory: %v", err)
	}

	store := storage.NewSharedDisk(storagePath)

	secret := []byte("290zcv02ai249")

	userAuth, err := auth.NewBasicIdentityProvider(
		db,
		auth.NewAuditLogger(new(bytes.Buffer)),
		auth.BasicProviderArgs{
			Secret:        secret,
			AdminName:     adminName,
			AdminEmail:    adminEmail,
			AdminPassword: adminPassword,
			AdminGroupId:  adminGroup.Id,
		},
	)
	if err != nil {
		t.Fatal(err)
	}

	genepi := services.NewGenepi(db, store, userAuth, secret)

	return &testEnv{
		genepi:       genepi,
		api:          genepi.Routes(),
		storage:      store,
		db:           db,
		adminGroupId: adminGroup.Id,
	}
}

func (t *testEnv) newClient() client {
	return client{api: t.api}
}

func (t *testEnv) adminClient() (client, error) {
	c := t.newClient()
	err := c.login(loginInfo{Email: adminEmail, Password: adminPassword})
	return c, err
}

// newGroup creates a group directly in the db, since group creation over
// http requires an admin client anyways.
func (t *testEnv) newGroup(tt *testing.T, name, prefix string) uuid.UUID {
	group := schema.Group{Id: uuid.New(), Name: name, Prefix: prefix}
	if err := t.db.Create(&group).Error; err != nil {
		tt.Fatal(err)
	}
	return group.Id
}

func (t *testEnv) newUser(name string, groupId uuid.UUID) (client, error) {
	c := t.newClient()
	login, err := c.signup(name, name+"@mail.com", name+"_password", groupId)
	if err != nil {
		return client{}, err
	}

	err = c.login(login)
	if err != nil {
		return client{}, err
	}

	return c, nil
}

// newLocation seeds a location row; country level rows have empty division
// and location fields.
func (t *testEnv) newLocation(tt *testing.T, country, division string, lat, lon float64) uuid.UUID {
	location := schema.Location{
		Id: uuid.New(), Region: "Test Region", Country: country, Division: division,
		Latitude: &lat, Longitude: &lon,
	}
	if err := t.db.Create(&location).Error; err != nil {
		tt.Fatal(err)
	}
	return location.Id
}

func (t *testEnv) setDefaultTreeLocation(tt *testing.T, groupId, locationId uuid.UUID) {
	result := t.db.Model(&schema.Group{Id: groupId}).Update("default_tree_location_id", locationId)
	if result.Error != nil {
		tt.Fatal(result.Error)
	}
}
