package services

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chanzuckerberg/czgenepi-sub000/genepi/auth"
	"github.com/chanzuckerberg/czgenepi-sub000/genepi/schema"
	"github.com/chanzuckerberg/czgenepi-sub000/utils"
)

type GroupService struct {
	db       *gorm.DB
	userAuth auth.IdentityProvider
}

func (s *GroupService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.userAuth.AuthMiddleware()...)

	r.With(auth.AdminOnly(s.db)).Post("/create", s.CreateGroup)

	r.Get("/list", s.List)

	r.Route("/{group_id}", func(r chi.Router) {
		r.With(auth.GroupMemberOnly(s.db)).Get("/", s.GroupInfo)
		r.With(auth.GroupMemberOnly(s.db)).Get("/members", s.Members)

		r.Group(func(r chi.Router) {
			r.Use(auth.AdminOrGroupAdminOnly(s.db))

			r.Post("/members/{user_id}/roles/{role_name}", s.AddMemberRole)
			r.Delete("/members/{user_id}/roles/{role_name}", s.RemoveMemberRole)

			r.Get("/can-see", s.ListCanSee)
			r.Post("/can-see", s.GrantCanSee)
			r.Delete("/can-see", s.RevokeCanSee)

			r.Get("/delegations", s.ListDelegations)
			r.Post("/delegations/{grantee_group_id}/roles/{role_name}", s.GrantGroupRole)
			r.Delete("/delegations/{grantee_group_id}/roles/{role_name}", s.RevokeGroupRole)
		})
	})

	return r
}

type createGroupRequest struct {
	Name                  string     `json:"name"`
	Prefix                string     `json:"prefix"`
	DefaultTreeLocationId *uuid.UUID `json:"default_tree_location_id"`
}

type createGroupResponse struct {
	GroupId uuid.UUID `json:"group_id"`
}

func (s *GroupService) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var params createGroupRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.Name == "" || params.Prefix == "" {
		http.Error(w, "group name and prefix must be specified", http.StatusBadRequest)
		return
	}

	newGroup := schema.Group{
		Id: uuid.New(), Name: params.Name, Prefix: params.Prefix,
		DefaultTreeLocationId: params.DefaultTreeLocationId,
	}

	err := s.db.Transaction(func(txn *gorm.DB) error {
		var existingGroup schema.Group
		result := txn.Limit(1).Find(&existingGroup, "name = ? OR prefix = ?", params.Name, params.Prefix)
		if result.Error != nil {
			slog.Error("sql error checking for duplicate group", "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if result.RowsAffected != 0 {
			return CodedError(fmt.Errorf("group with name %v or prefix %v already exists", params.Name, params.Prefix), http.StatusConflict)
		}

		if params.DefaultTreeLocationId != nil {
			if err := checkLocationExists(txn, *params.DefaultTreeLocationId); err != nil {
				return err
			}
		}

		result = txn.Create(&newGroup)
		if result.Error != nil {
			slog.Error("sql error creating new group", "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error creating group: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteJsonResponse(w, createGroupResponse{GroupId: newGroup.Id})
}

type GroupInfo struct {
	Id     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	Prefix string    `json:"prefix"`
}

func (s *GroupService) List(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	visibleIds, err := auth.ResolveVisibility(s.db, user, schema.Metadata)
	if err != nil {
		http.Error(w, fmt.Sprintf("error listing groups: %v", err), http.StatusInternalServerError)
		return
	}

	var groups []schema.Group
	result := s.db.Where("id IN ?", visibleIds).Find(&groups)
	if result.Error != nil {
		slog.Error("sql error listing visible groups", "user_id", user.Id, "error", result.Error)
		http.Error(w, fmt.Sprintf("error listing groups: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	infos := make([]GroupInfo, 0, len(groups))
	for _, group := range groups {
		infos = append(infos, GroupInfo{Id: group.Id, Name: group.Name, Prefix: group.Prefix})
	}

	utils.WriteJsonResponse(w, infos)
}

func (s *GroupService) GroupInfo(w http.ResponseWriter, r *http.Request) {
	groupId, err := utils.URLParamUUID(r, "group_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	group, err := schema.GetGroup(groupId, s.db)
	if err != nil {
		http.Error(w, fmt.Sprintf("error getting group: %v", ErrNotFoundForUser), http.StatusNotFound)
		return
	}

	utils.WriteJsonResponse(w, GroupInfo{Id: group.Id, Name: group.Name, Prefix: group.Prefix})
}

type GroupMemberInfo struct {
	UserId uuid.UUID `json:"user_id"`
	Name   string    `json:"name"`
	Email  string    `json:"email"`
	Role   string    `json:"role"`
}

func (s *GroupService) Members(w http.ResponseWriter, r *http.Request) {
	groupId, err := utils.URLParamUUID(r, "group_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := checkGroupExists(s.db, groupId); err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	var members []schema.UserRole
	result := s.db.Preload("User").Preload("Role").Where("group_id = ?", groupId).Find(&members)
	if result.Error != nil {
		slog.Error("sql error listing group members", "group_id", groupId, "error", result.Error)
		http.Error(w, fmt.Sprintf("error listing group members: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	infos := make([]GroupMemberInfo, 0, len(members))
	for _, member := range members {
		info := GroupMemberInfo{UserId: member.UserId}
		if member.User != nil {
			info.Name = member.User.Name
			info.Email = member.User.Email
		}
		if member.Role != nil {
			info.Role = member.Role.Name
		}
		infos = append(infos, info)
	}

	utils.WriteJsonResponse(w, infos)
}

func (s *GroupService) AddMemberRole(w http.ResponseWriter, r *http.Request) {
	groupId, err := utils.URLParamUUID(r, "group_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	roleName, err := utils.URLParam(r, "role_name")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if err := checkGroupExists(txn, groupId); err != nil {
			return err
		}
		if err := checkUserExists(txn, userId); err != nil {
			return err
		}

		role, err := getRole(txn, roleName)
		if err != nil {
			return err
		}

		result := txn.Save(&schema.UserRole{UserId: userId, GroupId: groupId, RoleId: role.Id})
		if result.Error != nil {
			slog.Error("sql error creating new user_role entry", "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error adding member role: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

func (s *GroupService) RemoveMemberRole(w http.ResponseWriter, r *http.Request) {
	groupId, err := utils.URLParamUUID(r, "group_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	roleName, err := utils.URLParam(r, "role_name")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if err := checkGroupExists(txn, groupId); err != nil {
			return err
		}
		if err := checkUserExists(txn, userId); err != nil {
			return err
		}

		role, err := getRole(txn, roleName)
		if err != nil {
			return err
		}

		if _, err := schema.GetUserRole(userId, groupId, role.Id, txn); err != nil {
			return CodedError(err, http.StatusNotFound)
		}

		result := txn.Delete(&schema.UserRole{UserId: userId, GroupId: groupId, RoleId: role.Id})
		if result.Error != nil {
			slog.Error("sql error deleting user_role entry", "group_id", groupId, "user_id", userId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error removing member role: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

type canSeeRequest struct {
	ViewerGroupId uuid.UUID       `json:"viewer_group_id"`
	DataType      schema.DataType `json:"data_type"`
}

// GrantCanSee grants the viewer group visibility into this group's data of
// one type. The route group is owner scoped, so a group admin can only ever
// share out their own group's data.
func (s *GroupService) GrantCanSee(w http.ResponseWriter, r *http.Request) {
	ownerGroupId, err := utils.URLParamUUID(r, "group_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params canSeeRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if err := schema.CheckValidDataType(params.DataType); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if err := checkGroupExists(txn, ownerGroupId); err != nil {
			return err
		}
		if err := checkGroupExists(txn, params.ViewerGroupId); err != nil {
			return err
		}

		result := txn.Save(&schema.CanSee{
			ViewerGroupId: params.ViewerGroupId, OwnerGroupId: ownerGroupId, DataType: params.DataType,
		})
		if result.Error != nil {
			slog.Error("sql error creating can_see entry", "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error granting visibility: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

func (s *GroupService) RevokeCanSee(w http.ResponseWriter, r *http.Request) {
	ownerGroupId, err := utils.URLParamUUID(r, "group_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params canSeeRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if err := checkGroupExists(txn, ownerGroupId); err != nil {
			return err
		}

		result := txn.Delete(&schema.CanSee{
			ViewerGroupId: params.ViewerGroupId, OwnerGroupId: ownerGroupId, DataType: params.DataType,
		})
		if result.Error != nil {
			slog.Error("sql error deleting can_see entry", "owner_group_id", ownerGroupId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error revoking visibility: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

type CanSeeInfo struct {
	ViewerGroupId uuid.UUID       `json:"viewer_group_id"`
	OwnerGroupId  uuid.UUID       `json:"owner_group_id"`
	DataType      schema.DataType `json:"data_type"`
}

type canSeeListResponse struct {
	// Grants this group has issued over its own data.
	SharedWith []CanSeeInfo `json:"shared_with"`
	// Grants other groups have issued to this group.
	CanSee []CanSeeInfo `json:"can_see"`
}

func (s *GroupService) ListCanSee(w http.ResponseWriter, r *http.Request) {
	groupId, err := utils.URLParamUUID(r, "group_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := checkGroupExists(s.db, groupId); err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	var rows []schema.CanSee
	result := s.db.Where("owner_group_id = ? OR viewer_group_id = ?", groupId, groupId).Find(&rows)
	if result.Error != nil {
		slog.Error("sql error listing can_see entries", "group_id", groupId, "error", result.Error)
		http.Error(w, fmt.Sprintf("error listing visibility grants: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	res := canSeeListResponse{SharedWith: []CanSeeInfo{}, CanSee: []CanSeeInfo{}}
	for _, row := range rows {
		info := CanSeeInfo{ViewerGroupId: row.ViewerGroupId, OwnerGroupId: row.OwnerGroupId, DataType: row.DataType}
		if row.OwnerGroupId == groupId {
			res.SharedWith = append(res.SharedWith, info)
		}
		if row.ViewerGroupId == groupId {
			res.CanSee = append(res.CanSee, info)
		}
	}

	utils.WriteJsonResponse(w, res)
}

// GrantGroupRole delegates a role over this group's data to members of the
// grantee group. Delegations are direct only: granting to a group never
// extends through that group's own delegations.
func (s *GroupService) GrantGroupRole(w http.ResponseWriter, r *http.Request) {
	grantorGroupId, err := utils.URLParamUUID(r, "group_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	granteeGroupId, err := utils.URLParamUUID(r, "grantee_group_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	roleName, err := utils.URLParam(r, "role_name")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if err := checkGroupExists(txn, grantorGroupId); err != nil {
			return err
		}
		if err := checkGroupExists(txn, granteeGroupId); err != nil {
			return err
		}

		role, err := getRole(txn, roleName)
		if err != nil {
			return err
		}

		result := txn.Save(&schema.GroupRole{
			GrantorGroupId: grantorGroupId, GranteeGroupId: granteeGroupId, RoleId: role.Id,
		})
		if result.Error != nil {
			slog.Error("sql error creating group_role entry", "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error granting group role: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

func (s *GroupService) RevokeGroupRole(w http.ResponseWriter, r *http.Request) {
	grantorGroupId, err := utils.URLParamUUID(r, "group_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	granteeGroupId, err := utils.URLParamUUID(r, "grantee_group_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	roleName, err := utils.URLParam(r, "role_name")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if err := checkGroupExists(txn, grantorGroupId); err != nil {
			return err
		}

		role, err := getRole(txn, roleName)
		if err != nil {
			return err
		}

		result := txn.Delete(&schema.GroupRole{
			GrantorGroupId: grantorGroupId, GranteeGroupId: granteeGroupId, RoleId: role.Id,
		})
		if result.Error != nil {
			slog.Error("sql error deleting group_role entry", "grantor_group_id", grantorGroupId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error revoking group role: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

type GroupRoleInfo struct {
	GrantorGroupId uuid.UUID `json:"grantor_group_id"`
	GranteeGroupId uuid.UUID `json:"grantee_group_id"`
	Role           string    `json:"role"`
}

func (s *GroupService) ListDelegations(w http.ResponseWriter, r *http.Request) {
	groupId, err := utils.URLParamUUID(r, "group_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := checkGroupExists(s.db, groupId); err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	var delegations []schema.GroupRole
	result := s.db.Preload("Role").Where("grantor_group_id = ? OR grantee_group_id = ?", groupId, groupId).Find(&delegations)
	if result.Error != nil {
		slog.Error("sql error listing group_role entries", "group_id", groupId, "error", result.Error)
		http.Error(w, fmt.Sprintf("error listing group roles: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	infos := make([]GroupRoleInfo, 0, len(delegations))
	for _, delegation := range delegations {
		info := GroupRoleInfo{GrantorGroupId: delegation.GrantorGroupId, GranteeGroupId: delegation.GranteeGroupId}
		if delegation.Role != nil {
			info.Role = delegation.Role.Name
		}
		infos = append(infos, info)
	}

	utils.WriteJsonResponse(w, infos)
}
