package services

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gorm.io/gorm"

	"github.com/chanzuckerberg/czgenepi-sub000/genepi/auth"
	"github.com/chanzuckerberg/czgenepi-sub000/genepi/phylo"
	"github.com/chanzuckerberg/czgenepi-sub000/genepi/schema"
	"github.com/chanzuckerberg/czgenepi-sub000/genepi/storage"
	"github.com/chanzuckerberg/czgenepi-sub000/utils"
	"github.com/chanzuckerberg/czgenepi-sub000/utils/logging"
)

// Attribute key under which the original public identifier is preserved on
// renamed tree nodes.
const publicIdSaveKey = "GISAID_ID"

const buildJobTokenExpiration = 48 * time.Hour

var (
	treeDownloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "genepi_tree_downloads_total",
		Help: "Number of tree downloads served.",
	})

	treeRenameDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "genepi_tree_rename_seconds",
		Help: "Time spent on tree identifier substitution.",
	})

	treeColoringDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "genepi_tree_coloring_seconds",
		Help: "Time spent on tree country coloring.",
	})
)

type PhyloService struct {
	db       *gorm.DB
	storage  storage.Storage
	userAuth auth.IdentityProvider
	jobAuth  *auth.JwtManager
}

func (s *PhyloService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth.AuthMiddleware()...)

		r.Post("/runs", s.CreateRun)
		r.Get("/runs", s.ListRuns)
		r.Get("/runs/{run_id}", s.GetRun)
		r.Delete("/runs/{run_id}", s.DeleteRun)

		r.Get("/trees", s.ListTrees)
		r.Get("/trees/{tree_id}/download", s.DownloadTree)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.jobAuth.Verifier(), s.jobAuth.Authenticator())

		r.Post("/job/status", s.UpdateRunStatus)
		r.With(checkSufficientStorage(s.storage)).Post("/job/tree", s.UploadTree)
	})

	return r
}

func treeStorageKey(treeId uuid.UUID) string {
	return fmt.Sprintf("phylo_trees/%v.json", treeId)
}

type createRunRequest struct {
	Name         string `json:"name"`
	Pathogen     string `json:"pathogen"`
	TreeType     string `json:"tree_type"`
	TemplateArgs string `json:"template_args"`
}

type createRunResponse struct {
	RunId    uuid.UUID `json:"run_id"`
	JobToken string    `json:"job_token"`
}

// CreateRun starts a tree build for the caller's own group. The returned
// job token is what the build pipeline uses to report status and upload the
// finished tree.
func (s *PhyloService) CreateRun(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params createRunRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if err := schema.CheckValidTreeType(params.TreeType); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	run := schema.PhyloRun{
		Id:             uuid.New(),
		Name:           params.Name,
		GroupId:        user.GroupId,
		UserId:         user.Id,
		WorkflowStatus: schema.WorkflowStarted,
		TreeType:       params.TreeType,
		TemplateArgs:   params.TemplateArgs,
		StartedAt:      time.Now().UTC(),
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		pathogen, err := schema.GetPathogenBySlug(params.Pathogen, txn)
		if err != nil {
			if errors.Is(err, schema.ErrPathogenNotFound) {
				return CodedError(err, http.StatusNotFound)
			}
			return CodedError(err, http.StatusInternalServerError)
		}
		run.PathogenId = pathogen.Id

		result := txn.Create(&run)
		if result.Error != nil {
			slog.Error("sql error creating new phylo run", "group_id", user.GroupId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error creating phylo run: %v", err), GetResponseCode(err))
		return
	}

	jobToken, err := s.jobAuth.CreateRunJwt(run.Id, buildJobTokenExpiration)
	if err != nil {
		http.Error(w, fmt.Sprintf("error creating phylo run: %v", err), http.StatusInternalServerError)
		return
	}

	slog.Info("created phylo run", "run_id", run.Id, "group_id", user.GroupId, "tree_type", run.TreeType, "job", run.BuildJobName())

	utils.WriteJsonResponse(w, createRunResponse{RunId: run.Id, JobToken: jobToken})
}

type TreeInfo struct {
	Id   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

type RunInfo struct {
	Id             uuid.UUID  `json:"id"`
	Name           string     `json:"name"`
	GroupId        uuid.UUID  `json:"group_id"`
	WorkflowStatus string     `json:"workflow_status"`
	TreeType       string     `json:"tree_type"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	Tree           *TreeInfo  `json:"tree,omitempty"`
}

func convertToRunInfo(run *schema.PhyloRun) RunInfo {
	info := RunInfo{
		Id:             run.Id,
		Name:           run.Name,
		GroupId:        run.GroupId,
		WorkflowStatus: run.WorkflowStatus,
		TreeType:       run.TreeType,
		StartedAt:      run.StartedAt,
		EndedAt:        run.EndedAt,
	}
	if run.Tree != nil {
		info.Tree = &TreeInfo{Id: run.Tree.Id, Name: run.Tree.Name}
	}
	return info
}

func (s *PhyloService) ListRuns(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	visibleIds, err := auth.ResolveVisibility(s.db, user, schema.Trees)
	if err != nil {
		http.Error(w, fmt.Sprintf("error listing phylo runs: %v", err), http.StatusInternalServerError)
		return
	}

	var runs []schema.PhyloRun
	result := s.db.Preload("Tree").Where("group_id IN ?", visibleIds).Order("started_at").Find(&runs)
	if result.Error != nil {
		slog.Error("sql error listing visible phylo runs", "user_id", user.Id, "error", result.Error)
		http.Error(w, fmt.Sprintf("error listing phylo runs: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	infos := make([]RunInfo, 0, len(runs))
	for _, run := range runs {
		infos = append(infos, convertToRunInfo(&run))
	}

	utils.WriteJsonResponse(w, infos)
}

func (s *PhyloService) getVisibleRun(r *http.Request, paramName string) (schema.PhyloRun, schema.User, error) {
	runId, err := utils.URLParamUUID(r, paramName)
	if err != nil {
		return schema.PhyloRun{}, schema.User{}, CodedError(err, http.StatusBadRequest)
	}

	user, err := auth.UserFromContext(r)
	if err != nil {
		return schema.PhyloRun{}, schema.User{}, CodedError(err, http.StatusInternalServerError)
	}

	run, err := schema.GetPhyloRun(runId, s.db)
	if err != nil {
		if errors.Is(err, schema.ErrPhyloRunNotFound) {
			return schema.PhyloRun{}, schema.User{}, CodedError(ErrNotFoundForUser, http.StatusNotFound)
		}
		return schema.PhyloRun{}, schema.User{}, CodedError(err, http.StatusInternalServerError)
	}

	canSee, err := auth.CanUserSeeGroup(s.db, user, run.GroupId, schema.Trees)
	if err != nil {
		return schema.PhyloRun{}, schema.User{}, CodedError(err, http.StatusInternalServerError)
	}
	if !canSee {
		return schema.PhyloRun{}, schema.User{}, CodedError(ErrNotFoundForUser, http.StatusNotFound)
	}

	return run, user, nil
}

func (s *PhyloService) GetRun(w http.ResponseWriter, r *http.Request) {
	run, _, err := s.getVisibleRun(r, "run_id")
	if err != nil {
		http.Error(w, fmt.Sprintf("error getting phylo run: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteJsonResponse(w, convertToRunInfo(&run))
}

func (s *PhyloService) DeleteRun(w http.ResponseWriter, r *http.Request) {
	run, user, err := s.getVisibleRun(r, "run_id")
	if err != nil {
		http.Error(w, fmt.Sprintf("error deleting phylo run: %v", err), GetResponseCode(err))
		return
	}

	if err := auth.CheckGroupAccess(s.db, user, run.GroupId, auth.PermissionWrite); err != nil {
		http.Error(w, fmt.Sprintf("error deleting phylo run: %v", err), http.StatusForbidden)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if run.Tree != nil {
			result := txn.Delete(&schema.PhyloTree{Id: run.Tree.Id})
			if result.Error != nil {
				slog.Error("sql error deleting phylo tree", "tree_id", run.Tree.Id, "error", result.Error)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
		}

		result := txn.Delete(&schema.PhyloRun{Id: run.Id})
		if result.Error != nil {
			slog.Error("sql error deleting phylo run", "run_id", run.Id, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error deleting phylo run: %v", err), GetResponseCode(err))
		return
	}

	if run.Tree != nil {
		if err := s.storage.Delete(run.Tree.StorageKey); err != nil {
			slog.Error("error deleting stored tree blob", "tree_id", run.Tree.Id, "error", err)
		}
	}

	utils.WriteSuccess(w)
}

func (s *PhyloService) ListTrees(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	visibleIds, err := auth.ResolveVisibility(s.db, user, schema.Trees)
	if err != nil {
		http.Error(w, fmt.Sprintf("error listing trees: %v", err), http.StatusInternalServerError)
		return
	}

	var trees []schema.PhyloTree
	result := s.db.
		Joins("JOIN phylo_runs ON phylo_runs.id = phylo_trees.phylo_run_id").
		Where("phylo_runs.group_id IN ?", visibleIds).
		Find(&trees)
	if result.Error != nil {
		slog.Error("sql error listing visible trees", "user_id", user.Id, "error", result.Error)
		http.Error(w, fmt.Sprintf("error listing trees: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	infos := make([]TreeInfo, 0, len(trees))
	for _, tree := range trees {
		infos = append(infos, TreeInfo{Id: tree.Id, Name: tree.Name})
	}

	utils.WriteJsonResponse(w, infos)
}

// buildRenameMap gathers the public to private identifier mapping for a
// tree's owning group. Only the owning group's samples are ever translated,
// even when the viewer could see private identifiers of other groups whose
// samples appear in the tree. The map is empty when the viewer lacks
// private identifier visibility into the owning group.
func (s *PhyloService) buildRenameMap(user schema.User, ownerGroupId uuid.UUID) (map[string]string, error) {
	err := auth.CheckGroupAccess(s.db, user, ownerGroupId, auth.PermissionReadPrivate)
	if err != nil {
		if errors.Is(err, auth.ErrAuthorizationDenied) {
			return map[string]string{}, nil
		}
		return nil, err
	}

	samples, err := schema.GetGroupSamples(ownerGroupId, s.db)
	if err != nil {
		return nil, err
	}

	mapping := make(map[string]string, len(samples))
	for _, sample := range samples {
		mapping[sample.PublicIdentifier] = sample.PrivateIdentifier
	}
	return mapping, nil
}

// DownloadTree serves a stored tree with the viewer's entitled private
// identifiers substituted in and the country coloring scale recentered on
// the owning group's default location.
func (s *PhyloService) DownloadTree(w http.ResponseWriter, r *http.Request) {
	treeId, err := utils.URLParamUUID(r, "tree_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	tree, err := schema.GetPhyloTree(treeId, s.db)
	if err != nil {
		if errors.Is(err, schema.ErrPhyloTreeNotFound) {
			http.Error(w, fmt.Sprintf("error downloading tree: %v", ErrNotFoundForUser), http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("error downloading tree: %v", err), http.StatusInternalServerError)
		return
	}

	run, err := schema.GetPhyloRun(tree.PhyloRunId, s.db)
	if err != nil {
		http.Error(w, fmt.Sprintf("error downloading tree: %v", err), http.StatusInternalServerError)
		return
	}

	canSee, err := auth.CanUserSeeGroup(s.db, user, run.GroupId, schema.Trees)
	if err != nil {
		http.Error(w, fmt.Sprintf("error downloading tree: %v", err), http.StatusInternalServerError)
		return
	}
	if !canSee {
		http.Error(w, fmt.Sprintf("error downloading tree: %v", ErrNotFoundForUser), http.StatusNotFound)
		return
	}

	blob, err := s.storage.Read(tree.StorageKey)
	if err != nil {
		http.Error(w, "error downloading tree: error reading stored tree", http.StatusInternalServerError)
		return
	}
	defer blob.Close()

	data, err := io.ReadAll(blob)
	if err != nil {
		slog.Error("error reading stored tree blob", "tree_id", treeId, "error", err)
		http.Error(w, "error downloading tree: error reading stored tree", http.StatusInternalServerError)
		return
	}

	doc, err := phylo.ParseTreeDocument(data)
	if err != nil {
		slog.Error("error parsing stored tree", "tree_id", treeId, "error", err)
		http.Error(w, "error downloading tree: stored tree is malformed", http.StatusInternalServerError)
		return
	}

	mapping, err := s.buildRenameMap(user, run.GroupId)
	if err != nil {
		http.Error(w, fmt.Sprintf("error downloading tree: %v", err), http.StatusInternalServerError)
		return
	}

	renameStart := time.Now()
	doc.Tree, err = phylo.RenameNodes(doc.Tree, mapping, publicIdSaveKey)
	if err != nil {
		slog.Error("error renaming tree nodes", "tree_id", treeId, "error", err)
		http.Error(w, "error downloading tree: stored tree is malformed", http.StatusInternalServerError)
		return
	}
	treeRenameDuration.Observe(time.Since(renameStart).Seconds())

	group, err := schema.GetGroup(run.GroupId, s.db)
	if err != nil {
		http.Error(w, fmt.Sprintf("error downloading tree: %v", err), http.StatusInternalServerError)
		return
	}

	coloringStart := time.Now()
	if err := phylo.ApplyCountryColoring(s.db, doc, group.DefaultTreeLocation); err != nil {
		http.Error(w, fmt.Sprintf("error downloading tree: %v", err), http.StatusInternalServerError)
		return
	}
	treeColoringDuration.Observe(time.Since(coloringStart).Seconds())

	treeDownloads.Inc()
	slog.Info("serving tree download",
		"tree_id", treeId, "run_id", run.Id, "user_id", user.Id, "n_renamed", len(mapping),
		"code", logging.TREE_DOWNLOAD)

	utils.WriteJsonResponse(w, doc)
}

type updateRunStatusRequest struct {
	Status string `json:"status"`
}

func (s *PhyloService) UpdateRunStatus(w http.ResponseWriter, r *http.Request) {
	runId, err := auth.RunIdFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params updateRunStatusRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.Status != schema.WorkflowStarted && params.Status != schema.WorkflowFailed && params.Status != schema.WorkflowCompleted {
		http.Error(w, fmt.Sprintf("invalid workflow status '%v'", params.Status), http.StatusUnprocessableEntity)
		return
	}

	slog.Info("updating phylo run status", "run_id", runId, "status", params.Status)

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if _, err := schema.GetPhyloRun(runId, txn); err != nil {
			if errors.Is(err, schema.ErrPhyloRunNotFound) {
				return CodedError(err, http.StatusNotFound)
			}
			return CodedError(err, http.StatusInternalServerError)
		}

		updates := map[string]interface{}{"workflow_status": params.Status}
		if params.Status != schema.WorkflowStarted {
			updates["ended_at"] = time.Now().UTC()
		}

		result := txn.Model(&schema.PhyloRun{Id: runId}).Updates(updates)
		if result.Error != nil {
			slog.Error("sql error updating phylo run status", "run_id", runId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error updating run status: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

type uploadTreeRequest struct {
	Name      string          `json:"name"`
	Tree      json.RawMessage `json:"tree"`
	SampleIds []uuid.UUID     `json:"sample_ids"`
}

type uploadTreeResponse struct {
	TreeId uuid.UUID `json:"tree_id"`
}

// UploadTree is called by the build pipeline with the finished tree JSON.
// The document is validated, written to storage, and registered against the
// run, which is then marked completed.
func (s *PhyloService) UploadTree(w http.ResponseWriter, r *http.Request) {
	runId, err := auth.RunIdFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params uploadTreeRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if _, err := phylo.ParseTreeDocument(params.Tree); err != nil {
		http.Error(w, fmt.Sprintf("invalid tree document: %v", err), http.StatusUnprocessableEntity)
		return
	}

	tree := schema.PhyloTree{
		Id:         uuid.New(),
		PhyloRunId: runId,
		Name:       params.Name,
	}
	tree.StorageKey = treeStorageKey(tree.Id)

	// The blob goes to storage before the tree row is committed. If the
	// transaction fails the blob is deleted, so a run is never marked
	// completed with a missing tree document.
	if err := s.storage.Write(tree.StorageKey, bytes.NewReader(params.Tree)); err != nil {
		slog.Error("error writing tree to storage", "run_id", runId, "tree_id", tree.Id, "error", err)
		http.Error(w, "error uploading tree: error writing tree to storage", http.StatusInternalServerError)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		run, err := schema.GetPhyloRun(runId, txn)
		if err != nil {
			if errors.Is(err, schema.ErrPhyloRunNotFound) {
				return CodedError(err, http.StatusNotFound)
			}
			return CodedError(err, http.StatusInternalServerError)
		}
		if run.Tree != nil {
			return CodedError(fmt.Errorf("run %v already has a registered tree", runId), http.StatusConflict)
		}

		if len(params.SampleIds) > 0 {
			var samples []schema.Sample
			result := txn.Where("id IN ?", params.SampleIds).Find(&samples)
			if result.Error != nil {
				slog.Error("sql error loading constituent samples", "run_id", runId, "error", result.Error)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
			if len(samples) != len(params.SampleIds) {
				return CodedError(errors.New("one or more constituent samples do not exist"), http.StatusUnprocessableEntity)
			}
			tree.ConstituentSamples = samples
		}

		result := txn.Create(&tree)
		if result.Error != nil {
			slog.Error("sql error creating phylo tree entry", "run_id", runId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		result = txn.Model(&schema.PhyloRun{Id: runId}).Updates(map[string]interface{}{
			"workflow_status": schema.WorkflowCompleted,
			"ended_at":        time.Now().UTC(),
		})
		if result.Error != nil {
			slog.Error("sql error marking phylo run completed", "run_id", runId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return nil
	})

	if err != nil {
		if cleanupErr := s.storage.Delete(tree.StorageKey); cleanupErr != nil {
			slog.Error("error deleting orphaned tree document", "tree_id", tree.Id, "error", cleanupErr)
		}
		http.Error(w, fmt.Sprintf("error uploading tree: %v", err), GetResponseCode(err))
		return
	}

	slog.Info("registered phylo tree", "run_id", runId, "tree_id", tree.Id, "n_samples", len(params.SampleIds))

	utils.WriteJsonResponse(w, uploadTreeResponse{TreeId: tree.Id})
}
