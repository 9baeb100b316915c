package versions

import (
	"log"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chanzuckerberg/czgenepi-sub000/genepi/schema"
)

// Migration_0_initial_schema creates the full schema and seeds the static
// reference data: the role rows and the default pathogen.
func Migration_0_initial_schema(txn *gorm.DB) error {
	err := txn.AutoMigrate(
		&schema.Group{}, &schema.User{}, &schema.Role{}, &schema.UserRole{},
		&schema.GroupRole{}, &schema.CanSee{}, &schema.Pathogen{},
		&schema.Location{}, &schema.Sample{}, &schema.PhyloRun{}, &schema.PhyloTree{},
	)
	if err != nil {
		return err
	}

	for _, name := range []string{schema.RoleAdmin, schema.RoleMember, schema.RoleViewer} {
		var existing schema.Role
		result := txn.Limit(1).Find(&existing, "name = ?", name)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected != 0 {
			continue
		}

		if err := txn.Create(&schema.Role{Id: uuid.New(), Name: name}).Error; err != nil {
			return err
		}
		log.Printf("seeded role %v", name)
	}

	var existing schema.Pathogen
	result := txn.Limit(1).Find(&existing, "slug = ?", "SC2")
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		pathogen := schema.Pathogen{Id: uuid.New(), Slug: "SC2", Name: "SARS-CoV-2"}
		if err := txn.Create(&pathogen).Error; err != nil {
			return err
		}
		log.Printf("seeded pathogen %v", pathogen.Slug)
	}

	return nil
}
