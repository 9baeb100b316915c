package services

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chanzuckerberg/czgenepi-sub000/genepi/schema"
	"github.com/chanzuckerberg/czgenepi-sub000/genepi/storage"
)

// ErrNotFoundForUser is returned when a resource either does not exist or is
// not visible to the requesting user. The two cases are deliberately
// indistinguishable so that existence of another group's data is never
// leaked through error responses.
var ErrNotFoundForUser = errors.New("resource not found")

type codedError struct {
	err  error
	code int
}

func (e *codedError) Error() string {
	return e.err.Error()
}

func (e *codedError) Unwrap() error {
	return e.err
}

func CodedError(err error, code int) error {
	return &codedError{err: err, code: code}
}

func GetResponseCode(err error) int {
	var cerr *codedError
	if errors.As(err, &cerr) {
		return cerr.code
	}
	slog.Error("non coded error passed to GetResponseCode", "error", err)
	return http.StatusInternalServerError
}

func checkGroupExists(txn *gorm.DB, groupId uuid.UUID) error {
	if _, err := schema.GetGroup(groupId, txn); err != nil {
		if errors.Is(err, schema.ErrGroupNotFound) {
			return CodedError(err, http.StatusNotFound)
		}
		return CodedError(err, http.StatusInternalServerError)
	}
	return nil
}

func checkUserExists(txn *gorm.DB, userId uuid.UUID) error {
	if _, err := schema.GetUser(userId, txn); err != nil {
		if errors.Is(err, schema.ErrUserNotFound) {
			return CodedError(err, http.StatusNotFound)
		}
		return CodedError(err, http.StatusInternalServerError)
	}
	return nil
}

func checkLocationExists(txn *gorm.DB, locationId uuid.UUID) error {
	if _, err := schema.GetLocation(locationId, txn); err != nil {
		if errors.Is(err, schema.ErrLocationNotFound) {
			return CodedError(err, http.StatusNotFound)
		}
		return CodedError(err, http.StatusInternalServerError)
	}
	return nil
}

func getRole(txn *gorm.DB, roleName string) (schema.Role, error) {
	role, err := schema.GetRoleByName(roleName, txn)
	if err != nil {
		if errors.Is(err, schema.ErrRoleNotFound) {
			return schema.Role{}, CodedError(err, http.StatusNotFound)
		}
		return schema.Role{}, CodedError(err, http.StatusInternalServerError)
	}
	return role, nil
}

func checkDiskUsage(store storage.Storage) error {
	stats, err := store.Usage()
	if err != nil {
		slog.Error("unable to get disk usage from storage", "error", err)
		return CodedError(errors.New("unable to get disk usage"), http.StatusInternalServerError)
	}
	if stats.TotalBytes == 0 {
		// Object storage backends report no capacity.
		return nil
	}
	oneMib := uint64(1024 * 1024)
	// Either 20% disk needs to be free or 20Gb (in case the disk is very large)
	threshold := min(stats.TotalBytes/5, 20*1024*oneMib)
	if stats.FreeBytes < threshold {
		used := (stats.TotalBytes - stats.FreeBytes) / oneMib
		total := stats.TotalBytes / oneMib
		delta := (threshold - stats.FreeBytes) / oneMib
		return CodedError(fmt.Errorf("insufficient disk space available, usage: %d/%d Mib, please clear %d Mib", used, total, delta), http.StatusInsufficientStorage)
	}
	return nil
}

func checkSufficientStorage(store storage.Storage) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		handler := func(w http.ResponseWriter, r *http.Request) {
			if err := checkDiskUsage(store); err != nil {
				slog.Error(err.Error())
				http.Error(w, err.Error(), GetResponseCode(err))
				return
			}
			next.ServeHTTP(w, r)
		}

		return http.HandlerFunc(handler)
	}
}
