package main

import (
	"flag"
	"fmt"
	"log"
	"net/url"
	"strings"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/chanzuckerberg/czgenepi-sub000/cmd/migration/versions"
)

func postgresDsn(uri string) string {
	if uri == "" {
		log.Fatalf("Missing --db_uri arg")
	}
	parts, err := url.Parse(uri)
	if err != nil {
		log.Fatalf("error parsing db uri: %v", err)
	}
	pwd, _ := parts.User.Password()
	dbname := strings.TrimPrefix(parts.Path, "/")
	return fmt.Sprintf("host=%v user=%v password=%v dbname=%v port=%v", parts.Hostname(), parts.User.Username(), pwd, dbname, parts.Port())
}

func main() {
	dbUri := flag.String("db_uri", "", "Database URI")
	flag.Parse()

	db, err := gorm.Open(postgres.Open(postgresDsn(*dbUri)), &gorm.Config{})
	if err != nil {
		log.Fatalf("error opening database connection: %v", err)
	}

	migration := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID:      "0",
			Migrate: versions.Migration_0_initial_schema,
			// Rollback is not supported since this creates the entire schema.
		},
	})

	if err := migration.Migrate(); err != nil {
		log.Fatalf("migration failed: %v", err)
	}

	log.Println("migration completed successfully")
}
