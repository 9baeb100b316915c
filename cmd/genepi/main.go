package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/chanzuckerberg/czgenepi-sub000/genepi/auth"
	"github.com/chanzuckerberg/czgenepi-sub000/genepi/schema"
	"github.com/chanzuckerberg/czgenepi-sub000/genepi/services"
	"github.com/chanzuckerberg/czgenepi-sub000/genepi/storage"
	"github.com/chanzuckerberg/czgenepi-sub000/utils"
	"github.com/chanzuckerberg/czgenepi-sub000/utils/logging"
)

type genepiEnv struct {
	IngressHostname string
	DataDir         string
	JwtSecret       string

	AdminName     string
	AdminEmail    string
	AdminPassword string

	AdminGroupName   string
	AdminGroupPrefix string

	IdentityProvider      string
	KeycloakServerUrl     string
	UseSslInLogin         bool
	KeycloakAdminUsername string
	keycloakAdminPassword string

	S3Bucket   string
	S3Region   string
	S3Endpoint string
	S3KeyId    string
	s3Secret   string

	DatabaseUri string
}

func loadEnvFile(envFile string) {
	slog.Info(fmt.Sprintf("loading env from file %v", envFile))
	err := godotenv.Load(envFile)
	if err != nil {
		log.Fatalf("error loading .env file '%v': %v", envFile, err)
	}
}

func loadEnv() genepiEnv {
	missingEnvs := []string{}

	requiredEnv := func(key string) string {
		env := os.Getenv(key)
		if env == "" {
			missingEnvs = append(missingEnvs, key)
			slog.Error("missing required env variable", "key", key)
		}
		return env
	}

	env := genepiEnv{
		IngressHostname: requiredEnv("INGRESS_HOSTNAME"),
		DataDir:         requiredEnv("DATA_DIR"),
		JwtSecret:       requiredEnv("JWT_SECRET"),

		AdminName:     requiredEnv("ADMIN_NAME"),
		AdminEmail:    requiredEnv("ADMIN_EMAIL"),
		AdminPassword: requiredEnv("ADMIN_PASSWORD"),

		AdminGroupName:   requiredEnv("ADMIN_GROUP_NAME"),
		AdminGroupPrefix: requiredEnv("ADMIN_GROUP_PREFIX"),

		IdentityProvider:      requiredEnv("IDENTITY_PROVIDER"),
		KeycloakServerUrl:     utils.OptionalEnv("KEYCLOAK_SERVER_URL"),
		UseSslInLogin:         utils.BoolEnvVar("USE_SSL_IN_LOGIN"),
		KeycloakAdminUsername: utils.OptionalEnv("KEYCLOAK_ADMIN_USER"),
		keycloakAdminPassword: utils.OptionalEnv("KEYCLOAK_ADMIN_PASSWORD"),

		S3Bucket:   utils.OptionalEnv("S3_BUCKET"),
		S3Region:   utils.OptionalEnv("S3_REGION"),
		S3Endpoint: utils.OptionalEnv("S3_ENDPOINT"),
		S3KeyId:    utils.OptionalEnv("S3_KEY_ID"),
		s3Secret:   utils.OptionalEnv("S3_SECRET"),

		DatabaseUri: requiredEnv("DATABASE_URI"),
	}

	if len(missingEnvs) > 0 {
		log.Fatalf("The following required env vars are missing: %s", strings.Join(missingEnvs, ", "))
	}

	if env.IdentityProvider == "keycloak" && (env.KeycloakServerUrl == "" || env.KeycloakAdminUsername == "" || env.keycloakAdminPassword == "") {
		log.Fatal("KEYCLOAK_SERVER_URL, KEYCLOAK_ADMIN_USER, and KEYCLOAK_ADMIN_PASSWORD must be specified when IDENTITY_PROVIDER is keycloak")
	}

	if env.S3Bucket != "" && (env.S3Region == "" || env.S3KeyId == "" || env.s3Secret == "") {
		log.Fatal("S3_REGION, S3_KEY_ID, and S3_SECRET must be specified when S3_BUCKET is set")
	}

	return env
}

func (env *genepiEnv) postgresDsn() string {
	parts, err := url.Parse(env.DatabaseUri)
	if err != nil {
		log.Fatalf("error parsing db uri: %v", err)
	}
	pwd, _ := parts.User.Password()
	dbname := strings.TrimPrefix(parts.Path, "/")
	return fmt.Sprintf("host=%v user=%v password=%v dbname=%v port=%v", parts.Hostname(), parts.User.Username(), pwd, dbname, parts.Port())
}

func initLogging(logFile *os.File) {
	log.SetFlags(log.Lshortfile | log.Ltime | log.Ldate)
	log.SetOutput(io.MultiWriter(logFile, os.Stderr))
	slog.Info("logging initialized", "log_file", logFile.Name(), "code", logging.SYSTEM)
}

func initDb(dsn string) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("error opening database connection: %v", err)
	}

	err = db.AutoMigrate(
		&schema.Group{}, &schema.User{}, &schema.Role{}, &schema.UserRole{},
		&schema.GroupRole{}, &schema.CanSee{}, &schema.Pathogen{},
		&schema.Location{}, &schema.Sample{}, &schema.PhyloRun{}, &schema.PhyloTree{},
	)
	if err != nil {
		log.Fatalf("error migrating db schema: %v", err)
	}

	return db
}

// initialGroup finds or creates the group the bootstrap admin user belongs
// to. Every user row requires a group, so this must exist before the
// identity provider creates the admin.
func initialGroup(db *gorm.DB, name, prefix string) uuid.UUID {
	var group schema.Group
	result := db.Limit(1).Find(&group, "name = ?", name)
	if result.Error != nil {
		log.Fatalf("error checking for initial group: %v", result.Error)
	}
	if result.RowsAffected != 0 {
		return group.Id
	}

	group = schema.Group{Id: uuid.New(), Name: name, Prefix: prefix}
	result = db.Create(&group)
	if result.Error != nil {
		log.Fatalf("error creating initial group: %v", result.Error)
	}

	slog.Info("created initial group", "group_id", group.Id, "name", name)
	return group.Id
}

func main() {
	envFile := flag.String("env", "", "File to load env variables from. If not specified will just load them from the environment variables already defined.")
	port := flag.Int("port", 8000, "Port to run server on")

	flag.Parse()

	if *envFile != "" {
		loadEnvFile(*envFile)
	}
	env := loadEnv()

	err := os.MkdirAll(filepath.Join(env.DataDir, "logs/"), 0777)
	if err != nil {
		log.Fatalf("error creating log dir: %v", err)
	}

	logFile, err := os.OpenFile(filepath.Join(env.DataDir, "logs/genepi.log"), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer logFile.Close()

	auditLog, err := os.OpenFile(filepath.Join(env.DataDir, "logs/audit.log"), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0666)
	if err != nil {
		log.Fatalf("error opening audit log file: %v", err)
	}
	defer auditLog.Close()

	initLogging(logFile)

	db := initDb(env.postgresDsn())

	adminGroupId := initialGroup(db, env.AdminGroupName, env.AdminGroupPrefix)

	var store storage.Storage
	if env.S3Bucket != "" {
		store = storage.NewS3Storage(storage.S3StorageArgs{
			Bucket:   env.S3Bucket,
			Region:   env.S3Region,
			Endpoint: env.S3Endpoint,
			KeyId:    env.S3KeyId,
			Secret:   env.s3Secret,
		})
	} else {
		store = storage.NewSharedDisk(env.DataDir)
	}

	var identityProvider auth.IdentityProvider
	if env.IdentityProvider == "keycloak" {
		identityProvider, err = auth.NewKeycloakIdentityProvider(
			db,
			auth.NewAuditLogger(auditLog),
			auth.KeycloakArgs{
				KeycloakServerUrl:     env.KeycloakServerUrl,
				KeycloakAdminUsername: env.KeycloakAdminUsername,
				KeycloakAdminPassword: env.keycloakAdminPassword,
				AdminName:             env.AdminName,
				AdminEmail:            env.AdminEmail,
				AdminPassword:         env.AdminPassword,
				AdminGroupId:          adminGroupId,
				DefaultGroupId:        adminGroupId,
				PublicHostname:        env.IngressHostname,
				SslLogin:              env.UseSslInLogin,
			},
		)
		if err != nil {
			log.Fatalf("error creating keycloak identity provider: %v", err)
		}
	} else {
		identityProvider, err = auth.NewBasicIdentityProvider(
			db,
			auth.NewAuditLogger(auditLog),
			auth.BasicProviderArgs{
				Secret:        []byte(env.JwtSecret),
				AdminName:     env.AdminName,
				AdminEmail:    env.AdminEmail,
				AdminPassword: env.AdminPassword,
				AdminGroupId:  adminGroupId,
			},
		)
		if err != nil {
			log.Fatalf("error creating basic identity provider: %v", err)
		}
	}

	genepi := services.NewGenepi(db, store, identityProvider, []byte(env.JwtSecret))

	go genepi.RunStatusSync(time.Minute)

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{env.IngressHostname},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Mount("/api/v2", genepi.Routes())
	r.Handle("/metrics", promhttp.Handler())

	slog.Info("starting server", "port", *port, "code", logging.SYSTEM)
	err = http.ListenAndServe(fmt.Sprintf(":%d", *port), r)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("listen and serve returned error: %v", err.Error())
	}
	genepi.StopRunStatusSync()
}
