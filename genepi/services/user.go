package services

import (
	"errors"
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

type UserService struct {
	db       *gorm.DB
	userAuth auth.IdentityProvider
}

func (s *UserService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		if s.userAuth.AllowDirectSignup() {
			r.Post("/signup", s.Signup)
		}

		r.Get("/login", s.LoginWithEmail)
		r.Post("/login-with-token", s.LoginWithToken)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth.AuthMiddleware()...)

		r.Get("/me", s.Me)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth.AuthMiddleware()...)
		r.Use(auth.AdminOnly(s.db))

		r.Get("/list", s.List)
		r.Post("/create", s.CreateUser)

		r.Delete("/{user_id}", s.DeleteUser)

		r.Post("/{user_id}/admin", s.PromoteAdmin)
		r.Delete("/{user_id}/admin", s.DemoteAdmin)

		r.Post("/{user_id}/group/{group_id}", s.MoveUserToGroup)
	})

	return r
}

type signupRequest struct {
	Name     string    `json:"name"`
	Email    string    `json:"email"`
	Password string    `json:"password"`
	GroupId  uuid.UUID `json:"group_id"`
}

type signupResponse struct {
	UserId uuid.UUID `json:"user_id"`
}

func (s *UserService) createUser(w http.ResponseWriter, r *http.Request) {
	var params signupRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.Email == "" || params.Password == "" {
		http.Error(w, "email and password must be specified", http.StatusBadRequest)
		return
	}

	userId, err := s.userAuth.CreateUser(auth.NewUserArgs{
		Name: params.Name, Email: params.Email, Password: params.Password, GroupId: params.GroupId,
	})
	if err != nil {
		responseCode := http.StatusInternalServerError
		switch {
		case errors.Is(err, auth.ErrEmailAlreadyInUse):
			responseCode = http.StatusConflict
		case errors.Is(err, schema.ErrGroupNotFound):
			responseCode = http.StatusNotFound
		}
		http.Error(w, fmt.Sprintf("error creating user: %v", err), responseCode)
		return
	}

	utils.WriteJsonResponse(w, signupResponse{UserId: userId})
}

func (s *UserService) Signup(w http.ResponseWriter, r *http.Request) {
	if !s.userAuth.AllowDirectSignup() {
		http.Error(w, "direct signup is not supported for this identity provider", http.StatusBadRequest)
		return
	}
	s.createUser(w, r)
}

func (s *UserService) CreateUser(w http.ResponseWriter, r *http.Request) {
	s.createUser(w, r)
}

type loginResponse struct {
	UserId      uuid.UUID `json:"user_id"`
	AccessToken string    `json:"access_token"`
}

func (s *UserService) LoginWithEmail(w http.ResponseWriter, r *http.Request) {
	email, password, ok := r.BasicAuth()
	if !ok {
		http.Error(w, "missing or invalid Authorization header", http.StatusUnauthorized)
		return
	}

	login, err := s.userAuth.LoginWithEmail(email, password)
	if err != nil {
		responseCode := http.StatusInternalServerError
		switch {
		case errors.Is(err, auth.ErrUserNotFoundWithEmail):
			responseCode = http.StatusNotFound
		case errors.Is(err, auth.ErrInvalidCredentials):
			responseCode = http.StatusUnauthorized
		}
		http.Error(w, fmt.Sprintf("login failed: %v", err), responseCode)
		return
	}

	utils.WriteJsonResponse(w, loginResponse{UserId: login.UserId, AccessToken: login.AccessToken})
}

type loginWithTokenRequest struct {
	AccessToken string `json:"access_token"`
}

func (s *UserService) LoginWithToken(w http.ResponseWriter, r *http.Request) {
	var params loginWithTokenRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	login, err := s.userAuth.LoginWithToken(params.AccessToken)
	if err != nil {
		http.Error(w, fmt.Sprintf("login failed: %v", err), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, loginResponse{UserId: login.UserId, AccessToken: login.AccessToken})
}

type UserInfo struct {
	Id          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Email       string    `json:"email"`
	SystemAdmin bool      `json:"system_admin"`
	GroupId     uuid.UUID `json:"group_id"`
	GroupName   string    `json:"group_name"`
	Roles       []string  `json:"roles"`
}

func convertToUserInfo(user *schema.User, roles []string) UserInfo {
	info := UserInfo{
		Id:          user.Id,
		Name:        user.Name,
		Email:       user.Email,
		SystemAdmin: user.SystemAdmin,
		GroupId:     user.GroupId,
		Roles:       roles,
	}
	if user.Group != nil {
		info.GroupName = user.Group.Name
	}
	return info
}

func (s *UserService) Me(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var userWithGroup schema.User
	result := s.db.Preload("Group").First(&userWithGroup, "id = ?", user.Id)
	if result.Error != nil {
		slog.Error("sql error loading user info", "user_id", user.Id, "error", result.Error)
		http.Error(w, fmt.Sprintf("error getting user info: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	roles, err := schema.GetUserRoleNames(user.Id, user.GroupId, s.db)
	if err != nil {
		http.Error(w, fmt.Sprintf("error getting user info: %v", err), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, convertToUserInfo(&userWithGroup, roles))
}

func (s *UserService) List(w http.ResponseWriter, r *http.Request) {
	var users []schema.User
	result := s.db.Preload("Group").Find(&users)
	if result.Error != nil {
		slog.Error("sql error listing users", "error", result.Error)
		http.Error(w, fmt.Sprintf("error listing users: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	infos := make([]UserInfo, 0, len(users))
	for _, u := range users {
		infos = append(infos, convertToUserInfo(&u, nil))
	}
	utils.WriteJsonResponse(w, infos)
}

func (s *UserService) DeleteUser(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if err := checkUserExists(txn, userId); err != nil {
			return err
		}

		result := txn.Where("user_id = ?", userId).Delete(&schema.UserRole{})
		if result.Error != nil {
			slog.Error("sql error deleting user roles", "user_id", userId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		result = txn.Delete(&schema.User{Id: userId})
		if result.Error != nil {
			slog.Error("sql error deleting user", "user_id", userId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error deleting user %v: %v", userId, err), GetResponseCode(err))
		return
	}

	err = s.userAuth.DeleteUser(userId)
	if err != nil {
		http.Error(w, fmt.Sprintf("error deleting user %v: %v", userId, err), http.StatusInternalServerError)
		return
	}

	utils.WriteSuccess(w)
}

func (s *UserService) setSystemAdmin(w http.ResponseWriter, r *http.Request, admin bool) {
	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		user, err := schema.GetUser(userId, txn)
		if err != nil {
			if errors.Is(err, schema.ErrUserNotFound) {
				return CodedError(err, http.StatusNotFound)
			}
			return CodedError(err, http.StatusInternalServerError)
		}

		if !admin && user.SystemAdmin {
			var count int64
			result := txn.Model(&schema.User{}).Where("system_admin = ?", true).Count(&count)
			if result.Error != nil {
				slog.Error("sql error counting existing admins", "error", result.Error)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
			if count < 2 {
				return CodedError(fmt.Errorf("cannot demote admin %v since there would be no admins left", userId), http.StatusUnprocessableEntity)
			}
		}

		user.SystemAdmin = admin

		result := txn.Save(&user)
		if result.Error != nil {
			slog.Error("sql error updating user system admin flag", "user_id", userId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error updating admin status: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

func (s *UserService) PromoteAdmin(w http.ResponseWriter, r *http.Request) {
	s.setSystemAdmin(w, r, true)
}

func (s *UserService) DemoteAdmin(w http.ResponseWriter, r *http.Request) {
	s.setSystemAdmin(w, r, false)
}

func (s *UserService) MoveUserToGroup(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	groupId, err := utils.URLParamUUID(r, "group_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if err := checkUserExists(txn, userId); err != nil {
			return err
		}
		if err := checkGroupExists(txn, groupId); err != nil {
			return err
		}

		result := txn.Model(&schema.User{Id: userId}).Update("group_id", groupId)
		if result.Error != nil {
			slog.Error("sql error moving user to group", "user_id", userId, "group_id", groupId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error moving user to group: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}
