package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/chanzuckerberg/czgenepi-sub000/genepi/schema"
	"github.com/chanzuckerberg/czgenepi-sub000/utils"
	"github.com/chanzuckerberg/czgenepi-sub000/utils/logging"
	"gorm.io/gorm"
)

func AdminOnly(db *gorm.DB) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hfn := func(w http.ResponseWriter, r *http.Request) {
			user, err := UserFromContext(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			if !user.SystemAdmin {
				slog.Info("denied admin-only request", "user_id", user.Id, "path", r.URL.Path, "code", logging.AUTHZ_DENIED)
				http.Error(w, fmt.Sprintf("user %v is not a system admin", user.Id), http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(hfn)
	}
}

func contextForGroupRequest(db *gorm.DB, w http.ResponseWriter, r *http.Request) (Context, bool) {
	groupId, err := utils.URLParamUUID(r, "group_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return Context{}, false
	}

	user, err := UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return Context{}, false
	}

	authCtx, err := NewContext(db, user, groupId)
	if err != nil {
		if errors.Is(err, schema.ErrGroupNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return Context{}, false
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return Context{}, false
	}

	return authCtx, true
}

func AdminOrGroupAdminOnly(db *gorm.DB) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hfn := func(w http.ResponseWriter, r *http.Request) {
			authCtx, ok := contextForGroupRequest(db, w, r)
			if !ok {
				return
			}

			if !authCtx.User.SystemAdmin && !authCtx.HasRole(schema.RoleAdmin) {
				slog.Info("denied group admin request",
					"user_id", authCtx.User.Id, "group_id", authCtx.Group.Id, "code", logging.AUTHZ_DENIED)
				http.Error(w, "user must be admin or group admin to access endpoint", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(hfn)
	}
}

func GroupMemberOnly(db *gorm.DB) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hfn := func(w http.ResponseWriter, r *http.Request) {
			authCtx, ok := contextForGroupRequest(db, w, r)
			if !ok {
				return
			}

			if !authCtx.User.SystemAdmin && !authCtx.IsMember() {
				slog.Info("denied group member request",
					"user_id", authCtx.User.Id, "group_id", authCtx.Group.Id, "code", logging.AUTHZ_DENIED)
				http.Error(w, "user must be group member to access endpoint", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(hfn)
	}
}
