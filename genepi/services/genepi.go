package services

import (
	"log"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"

	"github.com/chanzuckerberg/czgenepi-sub000/genepi/auth"
	"github.com/chanzuckerberg/czgenepi-sub000/genepi/schema"
	"github.com/chanzuckerberg/czgenepi-sub000/genepi/storage"
	"github.com/chanzuckerberg/czgenepi-sub000/utils"
)

type Genepi struct {
	user   UserService
	group  GroupService
	sample SampleService
	phylo  PhyloService

	db   *gorm.DB
	stop chan bool
}

func NewGenepi(db *gorm.DB, store storage.Storage, userAuth auth.IdentityProvider, secret []byte) Genepi {
	jobAuth := auth.NewJwtManager(slices.Concat(secret, []byte("job")))

	return Genepi{
		user:   UserService{db: db, userAuth: userAuth},
		group:  GroupService{db: db, userAuth: userAuth},
		sample: SampleService{db: db, storage: store, userAuth: userAuth},
		phylo: PhyloService{
			db:       db,
			storage:  store,
			userAuth: userAuth,
			jobAuth:  jobAuth,
		},
		db:   db,
		stop: make(chan bool, 1),
	}
}

func (g *Genepi) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger: log.New(os.Stderr, "", log.LstdFlags), NoColor: false,
	}))

	r.Mount("/user", g.user.Routes())
	r.Mount("/group", g.group.Routes())
	r.Mount("/sample", g.sample.Routes())
	r.Mount("/phylo", g.phylo.Routes())

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		utils.WriteSuccess(w)
	})

	return r
}

// Runs still marked started after this long are assumed to have died
// without reporting back.
const staleRunCutoff = 72 * time.Hour

func (g *Genepi) failStaleRuns() {
	cutoff := time.Now().UTC().Add(-staleRunCutoff)

	result := g.db.Model(&schema.PhyloRun{}).
		Where("workflow_status = ? AND started_at < ?", schema.WorkflowStarted, cutoff).
		Updates(map[string]interface{}{"workflow_status": schema.WorkflowFailed, "ended_at": time.Now().UTC()})

	if result.Error != nil {
		slog.Error("status sync: sql error failing stale phylo runs", "error", result.Error)
		return
	}

	if result.RowsAffected > 0 {
		slog.Info("status sync: marked stale phylo runs failed", "n_runs", result.RowsAffected)
	}
}

func (g *Genepi) RunStatusSync(interval time.Duration) {
	slog.Info("status sync: starting")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.failStaleRuns()
		case <-g.stop:
			slog.Info("status sync: process stopped")
			return
		}
	}
}

func (g *Genepi) StopRunStatusSync() {
	close(g.stop)
}
