package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/caarlos0/env/v10"
	"github.com/google/uuid"
	slogmulti "github.com/samber/slog-multi"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/chanzuckerberg/czgenepi-sub000/genepi/phylo"
	"github.com/chanzuckerberg/czgenepi-sub000/genepi/schema"
	"github.com/chanzuckerberg/czgenepi-sub000/genepi/storage"
	"github.com/chanzuckerberg/czgenepi-sub000/utils/logging"
)

type S3Credentials struct {
	Bucket   string `env:"S3_BUCKET"`
	Region   string `env:"S3_REGION"`
	Endpoint string `env:"S3_ENDPOINT"`
	KeyId    string `env:"S3_KEY_ID"`
	Secret   string `env:"S3_SECRET"`
}

type TreevisionEnv struct {
	DatabaseUri string    `env:"DATABASE_URI,required"`
	TreeId      uuid.UUID `env:"TREE_ID,required"`
	OutputKey   string    `env:"OUTPUT_KEY"`

	DataDir string        `env:"DATA_DIR"`
	S3      S3Credentials `env:""`

	LogFile string `env:"LOG_FILE" envDefault:"treevision.log"`
}

func loadEnv() (*TreevisionEnv, error) {
	cfg := &TreevisionEnv{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if cfg.DataDir == "" && cfg.S3.Bucket == "" {
		return nil, fmt.Errorf("either DATA_DIR or S3_BUCKET must be specified")
	}
	return cfg, nil
}

func initLogging(logFile *os.File, treeId uuid.UUID) {
	jsonHandler := slog.NewJSONHandler(logFile, logging.GetVictoriaLogsOptions(true)).
		WithAttrs([]slog.Attr{
			slog.String("service_type", "treevision"),
			slog.String("tree_id", treeId.String()),
		})
	textHandler := slog.NewTextHandler(os.Stderr, nil)

	slog.SetDefault(slog.New(slogmulti.Fanout(jsonHandler, textHandler)))
}

func postgresDsn(databaseUri string) (string, error) {
	parts, err := url.Parse(databaseUri)
	if err != nil {
		return "", fmt.Errorf("error parsing db uri: %w", err)
	}
	pwd, _ := parts.User.Password()
	dbname := strings.TrimPrefix(parts.Path, "/")
	return fmt.Sprintf("host=%v user=%v password=%v dbname=%v port=%v", parts.Hostname(), parts.User.Username(), pwd, dbname, parts.Port()), nil
}

// processTree renders a stored tree for its owning group: every sample of
// the group gets its private identifier substituted in, and the country
// coloring scale is recentered on the group's default location.
func processTree(db *gorm.DB, store storage.Storage, treeId uuid.UUID, outputKey string) error {
	tree, err := schema.GetPhyloTree(treeId, db)
	if err != nil {
		return fmt.Errorf("error loading tree: %w", err)
	}

	run, err := schema.GetPhyloRun(tree.PhyloRunId, db)
	if err != nil {
		return fmt.Errorf("error loading run for tree: %w", err)
	}

	group, err := schema.GetGroup(run.GroupId, db)
	if err != nil {
		return fmt.Errorf("error loading owning group: %w", err)
	}

	blob, err := store.Read(tree.StorageKey)
	if err != nil {
		slog.Error("error fetching stored tree", "key", tree.StorageKey, "error", err, "code", logging.TREE_FETCH)
		return fmt.Errorf("error fetching stored tree: %w", err)
	}
	defer blob.Close()

	data, err := io.ReadAll(blob)
	if err != nil {
		return fmt.Errorf("error reading stored tree: %w", err)
	}

	doc, err := phylo.ParseTreeDocument(data)
	if err != nil {
		return fmt.Errorf("error parsing stored tree: %w", err)
	}

	samples, err := schema.GetGroupSamples(group.Id, db)
	if err != nil {
		return fmt.Errorf("error loading group samples: %w", err)
	}

	mapping := make(map[string]string, len(samples))
	for _, sample := range samples {
		mapping[sample.PublicIdentifier] = sample.PrivateIdentifier
	}

	doc.Tree, err = phylo.RenameNodes(doc.Tree, mapping, "GISAID_ID")
	if err != nil {
		slog.Error("error renaming tree nodes", "error", err, "code", logging.TREE_RENAME)
		return fmt.Errorf("error renaming tree nodes: %w", err)
	}
	slog.Info("renamed tree nodes", "n_mapped", len(mapping), "code", logging.TREE_RENAME)

	if err := phylo.ApplyCountryColoring(db, doc, group.DefaultTreeLocation); err != nil {
		slog.Error("error applying country coloring", "error", err, "code", logging.TREE_COLORING)
		return fmt.Errorf("error applying country coloring: %w", err)
	}
	slog.Info("applied country coloring", "code", logging.TREE_COLORING)

	out, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("error encoding processed tree: %w", err)
	}

	if outputKey == "" {
		outputKey = fmt.Sprintf("processed_trees/%v.json", treeId)
	}

	if err := store.Write(outputKey, bytes.NewReader(out)); err != nil {
		return fmt.Errorf("error writing processed tree: %w", err)
	}

	slog.Info("wrote processed tree", "key", outputKey)
	return nil
}

func runApp() error {
	env, err := loadEnv()
	if err != nil {
		return fmt.Errorf("failed to load environment variables: %w", err)
	}

	logFile, err := os.OpenFile(env.LogFile, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0666)
	if err != nil {
		return fmt.Errorf("error opening log file: %w", err)
	}
	defer logFile.Close()

	initLogging(logFile, env.TreeId)

	dsn, err := postgresDsn(env.DatabaseUri)
	if err != nil {
		return err
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("error opening database connection: %w", err)
	}

	var store storage.Storage
	if env.S3.Bucket != "" {
		store = storage.NewS3Storage(storage.S3StorageArgs{
			Bucket:   env.S3.Bucket,
			Region:   env.S3.Region,
			Endpoint: env.S3.Endpoint,
			KeyId:    env.S3.KeyId,
			Secret:   env.S3.Secret,
		})
	} else {
		store = storage.NewSharedDisk(env.DataDir)
	}

	return processTree(db, store, env.TreeId, env.OutputKey)
}

func main() {
	if err := runApp(); err != nil {
		log.Fatalf("treevision failed: %v", err)
	}
}
