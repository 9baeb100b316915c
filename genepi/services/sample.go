package services

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chanzuckerberg/czgenepi-sub000/genepi/auth"
	"github.com/chanzuckerberg/czgenepi-sub000/genepi/schema"
	"github.com/chanzuckerberg/czgenepi-sub000/genepi/storage"
	"github.com/chanzuckerberg/czgenepi-sub000/utils"
	"github.com/chanzuckerberg/czgenepi-sub000/utils/logging"
)

const collectionDateFormat = "2006-01-02"

type SampleService struct {
	db       *gorm.DB
	storage  storage.Storage
	userAuth auth.IdentityProvider
}

func (s *SampleService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.userAuth.AuthMiddleware()...)

	r.With(checkSufficientStorage(s.storage)).Post("/create", s.CreateSamples)

	r.Get("/list", s.List)
	r.Post("/validate-ids", s.ValidateIdentifiers)

	r.Get("/{sample_id}", s.GetSample)
	r.Delete("/{sample_id}", s.DeleteSample)

	return r
}

type newSample struct {
	PrivateIdentifier string     `json:"private_identifier"`
	CollectionDate    string     `json:"collection_date"`
	LocationId        *uuid.UUID `json:"location_id"`
	Private           bool       `json:"private"`
}

type createSamplesRequest struct {
	Pathogen string      `json:"pathogen"`
	Samples  []newSample `json:"samples"`
}

type createSamplesResponse struct {
	SampleIds []uuid.UUID `json:"sample_ids"`
}

// CreateSamples registers new samples under the caller's own group. Samples
// are always written to the submitter's group, never to a group the caller
// merely has visibility into.
func (s *SampleService) CreateSamples(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params createSamplesRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if len(params.Samples) == 0 {
		http.Error(w, "at least one sample must be specified", http.StatusBadRequest)
		return
	}

	sampleIds := make([]uuid.UUID, 0, len(params.Samples))

	err = s.db.Transaction(func(txn *gorm.DB) error {
		group, err := schema.GetGroup(user.GroupId, txn)
		if err != nil {
			return CodedError(err, http.StatusInternalServerError)
		}

		pathogen, err := schema.GetPathogenBySlug(params.Pathogen, txn)
		if err != nil {
			if errors.Is(err, schema.ErrPathogenNotFound) {
				return CodedError(err, http.StatusNotFound)
			}
			return CodedError(err, http.StatusInternalServerError)
		}

		// Suffixes come from a per group counter that only moves forward,
		// so identifiers of deleted samples are never reissued. The counter
		// bump takes the row lock, serializing concurrent uploads.
		result := txn.Model(&schema.Group{Id: group.Id}).
			Update("sample_counter", gorm.Expr("sample_counter + ?", len(params.Samples)))
		if result.Error != nil {
			slog.Error("sql error reserving sample identifiers", "group_id", group.Id, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		var reserved schema.Group
		if err := txn.Select("sample_counter").First(&reserved, "id = ?", group.Id).Error; err != nil {
			slog.Error("sql error reading sample counter", "group_id", group.Id, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		count := reserved.SampleCounter - int64(len(params.Samples))

		for _, params := range params.Samples {
			if params.PrivateIdentifier == "" {
				return CodedError(errors.New("sample private identifier must be specified"), http.StatusBadRequest)
			}

			var collectionDate *time.Time
			if params.CollectionDate != "" {
				date, err := time.Parse(collectionDateFormat, params.CollectionDate)
				if err != nil {
					return CodedError(fmt.Errorf("invalid collection date '%v'", params.CollectionDate), http.StatusUnprocessableEntity)
				}
				collectionDate = &date
			}

			if params.LocationId != nil {
				if err := checkLocationExists(txn, *params.LocationId); err != nil {
					return err
				}
			}

			count++
			sample := schema.Sample{
				Id:                   uuid.New(),
				PrivateIdentifier:    params.PrivateIdentifier,
				PublicIdentifier:     fmt.Sprintf("%v-%d", group.Prefix, count),
				SubmittingGroupId:    group.Id,
				UploadedById:         user.Id,
				PathogenId:           pathogen.Id,
				CollectionDate:       collectionDate,
				CollectionLocationId: params.LocationId,
				Private:              params.Private,
				UploadDate:           time.Now().UTC(),
			}

			result := txn.Create(&sample)
			if result.Error != nil {
				slog.Error("sql error creating new sample", "group_id", group.Id, "error", result.Error)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}

			sampleIds = append(sampleIds, sample.Id)
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error creating samples: %v", err), GetResponseCode(err))
		return
	}

	slog.Info("created samples", "n_samples", len(sampleIds), "group_id", user.GroupId, "user_id", user.Id, "code", logging.SAMPLE_UPLOAD)

	utils.WriteJsonResponse(w, createSamplesResponse{SampleIds: sampleIds})
}

type SampleInfo struct {
	Id               uuid.UUID `json:"id"`
	PublicIdentifier string    `json:"public_identifier"`
	// Only populated when the viewer holds private identifier visibility
	// into the submitting group.
	PrivateIdentifier string    `json:"private_identifier,omitempty"`
	SubmittingGroupId uuid.UUID `json:"submitting_group_id"`
	CollectionDate    string    `json:"collection_date,omitempty"`
	Private           bool      `json:"private"`
	UploadDate        time.Time `json:"upload_date"`
}

func convertToSampleInfo(sample *schema.Sample, showPrivateId bool) SampleInfo {
	info := SampleInfo{
		Id:                sample.Id,
		PublicIdentifier:  sample.PublicIdentifier,
		SubmittingGroupId: sample.SubmittingGroupId,
		Private:           sample.Private,
		UploadDate:        sample.UploadDate,
	}
	if showPrivateId {
		info.PrivateIdentifier = sample.PrivateIdentifier
	}
	if sample.CollectionDate != nil {
		info.CollectionDate = sample.CollectionDate.Format(collectionDateFormat)
	}
	return info
}

func (s *SampleService) privateIdVisibleSet(user schema.User) (map[uuid.UUID]struct{}, error) {
	ids, err := auth.ResolveVisibility(s.db, user, schema.PrivateIdentifiers)
	if err != nil {
		return nil, err
	}
	set := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

func (s *SampleService) List(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	readScope, err := auth.OwnerScope(s.db, user, auth.PermissionRead, "submitting_group_id")
	if err != nil {
		http.Error(w, fmt.Sprintf("error listing samples: %v", err), http.StatusInternalServerError)
		return
	}

	var samples []schema.Sample
	result := s.db.Scopes(readScope).Order("upload_date").Find(&samples)
	if result.Error != nil {
		slog.Error("sql error listing visible samples", "user_id", user.Id, "error", result.Error)
		http.Error(w, fmt.Sprintf("error listing samples: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	privateVisible, err := s.privateIdVisibleSet(user)
	if err != nil {
		http.Error(w, fmt.Sprintf("error listing samples: %v", err), http.StatusInternalServerError)
		return
	}

	infos := make([]SampleInfo, 0, len(samples))
	for _, sample := range samples {
		_, showPrivateId := privateVisible[sample.SubmittingGroupId]
		infos = append(infos, convertToSampleInfo(&sample, showPrivateId))
	}

	utils.WriteJsonResponse(w, infos)
}

type validateIdentifiersRequest struct {
	Identifiers []string `json:"identifiers"`
}

type validateIdentifiersResponse struct {
	Missing []string `json:"missing"`
}

// ValidateIdentifiers reports which of the submitted identifiers do not
// match any sample visible to the caller. Both public identifiers and, for
// groups the caller holds private identifier visibility into, private
// identifiers are matched.
func (s *SampleService) ValidateIdentifiers(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params validateIdentifiersRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	readScope, err := auth.OwnerScope(s.db, user, auth.PermissionRead, "submitting_group_id")
	if err != nil {
		http.Error(w, fmt.Sprintf("error validating identifiers: %v", err), http.StatusInternalServerError)
		return
	}

	var samples []schema.Sample
	result := s.db.Scopes(readScope).Find(&samples)
	if result.Error != nil {
		slog.Error("sql error listing visible samples", "user_id", user.Id, "error", result.Error)
		http.Error(w, fmt.Sprintf("error validating identifiers: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	privateVisible, err := s.privateIdVisibleSet(user)
	if err != nil {
		http.Error(w, fmt.Sprintf("error validating identifiers: %v", err), http.StatusInternalServerError)
		return
	}

	known := make(map[string]struct{}, len(samples))
	for _, sample := range samples {
		known[sample.PublicIdentifier] = struct{}{}
		if _, ok := privateVisible[sample.SubmittingGroupId]; ok {
			known[sample.PrivateIdentifier] = struct{}{}
		}
	}

	missing := make([]string, 0)
	for _, identifier := range params.Identifiers {
		if _, ok := known[identifier]; !ok {
			missing = append(missing, identifier)
		}
	}

	slog.Info("validated sample identifiers",
		"n_identifiers", len(params.Identifiers), "n_missing", len(missing), "user_id", user.Id,
		"code", logging.SAMPLE_VALIDATE)

	utils.WriteJsonResponse(w, validateIdentifiersResponse{Missing: missing})
}

func (s *SampleService) getVisibleSample(r *http.Request) (schema.Sample, schema.User, error) {
	sampleId, err := utils.URLParamUUID(r, "sample_id")
	if err != nil {
		return schema.Sample{}, schema.User{}, CodedError(err, http.StatusBadRequest)
	}

	user, err := auth.UserFromContext(r)
	if err != nil {
		return schema.Sample{}, schema.User{}, CodedError(err, http.StatusInternalServerError)
	}

	sample, err := schema.GetSample(sampleId, s.db)
	if err != nil {
		if errors.Is(err, schema.ErrSampleNotFound) {
			return schema.Sample{}, schema.User{}, CodedError(ErrNotFoundForUser, http.StatusNotFound)
		}
		return schema.Sample{}, schema.User{}, CodedError(err, http.StatusInternalServerError)
	}

	// Invisible and absent are reported identically so that existence of
	// another group's samples is never leaked.
	err = auth.CheckGroupAccess(s.db, user, sample.SubmittingGroupId, auth.PermissionRead)
	if err != nil {
		if errors.Is(err, auth.ErrAuthorizationDenied) {
			return schema.Sample{}, schema.User{}, CodedError(ErrNotFoundForUser, http.StatusNotFound)
		}
		return schema.Sample{}, schema.User{}, CodedError(err, http.StatusInternalServerError)
	}

	return sample, user, nil
}

func (s *SampleService) GetSample(w http.ResponseWriter, r *http.Request) {
	sample, user, err := s.getVisibleSample(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("error getting sample: %v", err), GetResponseCode(err))
		return
	}

	showPrivateId := auth.CheckGroupAccess(s.db, user, sample.SubmittingGroupId, auth.PermissionReadPrivate) == nil

	utils.WriteJsonResponse(w, convertToSampleInfo(&sample, showPrivateId))
}

func (s *SampleService) DeleteSample(w http.ResponseWriter, r *http.Request) {
	sample, user, err := s.getVisibleSample(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("error deleting sample: %v", err), GetResponseCode(err))
		return
	}

	// Visible but not owned: deletion is forbidden, not hidden.
	if err := auth.CheckGroupAccess(s.db, user, sample.SubmittingGroupId, auth.PermissionWrite); err != nil {
		http.Error(w, fmt.Sprintf("error deleting sample: %v", err), http.StatusForbidden)
		return
	}

	result := s.db.Delete(&schema.Sample{Id: sample.Id})
	if result.Error != nil {
		slog.Error("sql error deleting sample", "sample_id", sample.Id, "error", result.Error)
		http.Error(w, fmt.Sprintf("error deleting sample: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	utils.WriteSuccess(w)
}
