package tests

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/chanzuckerberg/czgenepi-sub000/genepi/services"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
)

type httpTestRequest struct {
	api http.Handler

	method   string
	endpoint string
	headers  map[string]string
	json     interface{}
	body     io.Reader
	login    *loginInfo
}

func newHttpTestRequest(api http.Handler, method, endpoint string) *httpTestRequest {
	return &httpTestRequest{
		api:      api,
		method:   method,
		endpoint: endpoint,
		headers:  nil,
		json:     nil,
		body:     nil,
	}
}

func (r *httpTestRequest) Header(key, value string) *httpTestRequest {
	if r.headers == nil {
		r.headers = make(map[string]string)
	}
	r.headers[key] = value
	return r
}

func (r *httpTestRequest) Login(email, password string) *httpTestRequest {
	r.login = &loginInfo{Email: email, Password: password}
	return r
}

func (r *httpTestRequest) Auth(token string) *httpTestRequest {
	return r.Header("Authorization", fmt.Sprintf("Bearer %v", token))
}

func (r *httpTestRequest) Json(data interface{}) *httpTestRequest {
	r.json = data
	return r
}

// response body will be parsed into result, passing nil indicates that no result is returned.
func (r *httpTestRequest) Do(result interface{}) error {
	if r.json != nil {
		body := new(bytes.Buffer)
		err := json.NewEncoder(body).Encode(r.json)
		if err != nil {
			return fmt.Errorf("error encoding json body for endpoint %v: %w", r.endpoint, err)
		}
		r.body = body
	}

	req := httptest.NewRequest(r.method, r.endpoint, r.body)
	if r.headers != nil {
		for k, v := range r.headers {
			req.Header.Add(k, v)
		}
	}

	if r.login != nil {
		req.SetBasicAuth(r.login.Email, r.login.Password)
	}

	w := httptest.NewRecorder()

	r.api.ServeHTTP(w, req)

	res := w.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		switch res.StatusCode {
		case http.StatusUnauthorized:
			return ErrUnauthorized
		case http.StatusForbidden:
			return ErrForbidden
		case http.StatusNotFound:
			return ErrNotFound
		}
		return fmt.Errorf("%v request to endpoint %v returned status %d, content '%v'", r.method, r.endpoint, res.StatusCode, w.Body.String())
	}

	if result != nil {
		err := json.NewDecoder(res.Body).Decode(result)
		if err != nil {
			return fmt.Errorf("error parsing %v response from endpoint %v: %w", r.method, r.endpoint, err)
		}
	}

	return nil
}

type client struct {
	api       chi.Router
	authToken string
	userId    string
}

func (c *client) Get(endpoint string) *httpTestRequest {
	r := newHttpTestRequest(c.api, "GET", endpoint)
	if c.authToken != "" {
		return r.Auth(c.authToken)
	}
	return r
}

func (c *client) Post(endpoint string) *httpTestRequest {
	r := newHttpTestRequest(c.api, "POST", endpoint)
	if c.authToken != "" {
		return r.Auth(c.authToken)
	}
	return r
}

func (c *client) Delete(endpoint string) *httpTestRequest {
	r := newHttpTestRequest(c.api, "DELETE", endpoint)
	if c.authToken != "" {
		return r.Auth(c.authToken)
	}
	return r
}

type loginInfo struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (c *client) signup(name, email, password string, groupId uuid.UUID) (loginInfo, error) {
	body := map[string]interface{}{
		"name": name, "email": email, "password": password, "group_id": groupId,
	}

	err := c.Post("/user/signup").Json(body).Do(nil)
	if err != nil {
		return loginInfo{}, err
	}

	return loginInfo{Email: email, Password: password}, nil
}

func (c *client) login(login loginInfo) error {
	var res map[string]string
	err := c.Get("/user/login").Login(login.Email, login.Password).Do(&res)
	if err != nil {
		return err
	}

	c.authToken = res["access_token"]
	c.userId = res["user_id"]

	return nil
}

func (c *client) userInfo() (services.UserInfo, error) {
	var res services.UserInfo
	err := c.Get("/user/me").Do(&res)
	return res, err
}

func (c *client) listUsers() ([]services.UserInfo, error) {
	var res []services.UserInfo
	err := c.Get("/user/list").Do(&res)
	return res, err
}

func (c *client) deleteUser(userId string) error {
	return c.Delete(fmt.Sprintf("/user/%v", userId)).Do(nil)
}

func (c *client) promoteAdmin(userId string) error {
	return c.Post(fmt.Sprintf("/user/%v/admin", userId)).Do(nil)
}

func (c *client) demoteAdmin(userId string) error {
	return c.Delete(fmt.Sprintf("/user/%v/admin", userId)).Do(nil)
}

func (c *client) moveUserToGroup(userId string, groupId uuid.UUID) error {
	return c.Post(fmt.Sprintf("/user/%v/group/%v", userId, groupId)).Do(nil)
}

func (c *client) createGroup(name, prefix string) (string, error) {
	body := map[string]string{"name": name, "prefix": prefix}

	var res map[string]string
	err := c.Post("/group/create").Json(body).Do(&res)
	return res["group_id"], err
}

func (c *client) listGroups() ([]services.GroupInfo, error) {
	var res []services.GroupInfo
	err := c.Get("/group/list").Do(&res)
	return res, err
}

func (c *client) groupMembers(groupId uuid.UUID) ([]services.GroupMemberInfo, error) {
	var res []services.GroupMemberInfo
	err := c.Get(fmt.Sprintf("/group/%v/members", groupId)).Do(&res)
	return res, err
}

func (c *client) addMemberRole(groupId uuid.UUID, userId, role string) error {
	return c.Post(fmt.Sprintf("/group/%v/members/%v/roles/%v", groupId, userId, role)).Do(nil)
}

func (c *client) removeMemberRole(groupId uuid.UUID, userId, role string) error {
	return c.Delete(fmt.Sprintf("/group/%v/members/%v/roles/%v", groupId, userId, role)).Do(nil)
}

func (c *client) grantCanSee(ownerGroupId, viewerGroupId uuid.UUID, dataType string) error {
	body := map[string]interface{}{"viewer_group_id": viewerGroupId, "data_type": dataType}
	return c.Post(fmt.Sprintf("/group/%v/can-see", ownerGroupId)).Json(body).Do(nil)
}

func (c *client) revokeCanSee(ownerGroupId, viewerGroupId uuid.UUID, dataType string) error {
	body := map[string]interface{}{"viewer_group_id": viewerGroupId, "data_type": dataType}
	return c.Delete(fmt.Sprintf("/group/%v/can-see", ownerGroupId)).Json(body).Do(nil)
}

func (c *client) grantGroupRole(grantorGroupId, granteeGroupId uuid.UUID, role string) error {
	return c.Post(fmt.Sprintf("/group/%v/delegations/%v/roles/%v", grantorGroupId, granteeGroupId, role)).Do(nil)
}

func (c *client) revokeGroupRole(grantorGroupId, granteeGroupId uuid.UUID, role string) error {
	return c.Delete(fmt.Sprintf("/group/%v/delegations/%v/roles/%v", grantorGroupId, granteeGroupId, role)).Do(nil)
}

func (c *client) listDelegations(groupId uuid.UUID) ([]services.GroupRoleInfo, error) {
	var res []services.GroupRoleInfo
	err := c.Get(fmt.Sprintf("/group/%v/delegations", groupId)).Do(&res)
	return res, err
}

type newSampleArgs struct {
	PrivateIdentifier string `json:"private_identifier"`
	CollectionDate    string `json:"collection_date,omitempty"`
	Private           bool   `json:"private,omitempty"`
}

func (c *client) createSamples(samples ...newSampleArgs) ([]string, error) {
	body := map[string]interface{}{"pathogen": testPathogen, "samples": samples}

	var res map[string][]string
	err := c.Post("/sample/create").Json(body).Do(&res)
	return res["sample_ids"], err
}

func (c *client) listSamples() ([]services.SampleInfo, error) {
	var res []services.SampleInfo
	err := c.Get("/sample/list").Do(&res)
	return res, err
}

func (c *client) getSample(sampleId string) (services.SampleInfo, error) {
	var res services.SampleInfo
	err := c.Get(fmt.Sprintf("/sample/%v", sampleId)).Do(&res)
	return res, err
}

func (c *client) deleteSample(sampleId string) error {
	return c.Delete(fmt.Sprintf("/sample/%v", sampleId)).Do(nil)
}

func (c *client) validateIdentifiers(identifiers ...string) ([]string, error) {
	body := map[string]interface{}{"identifiers": identifiers}

	var res map[string][]string
	err := c.Post("/sample/validate-ids").Json(body).Do(&res)
	return res["missing"], err
}

func (c *client) createRun(name, treeType string) (string, string, error) {
	body := map[string]string{"name": name, "pathogen": testPathogen, "tree_type": treeType}

	var res map[string]string
	err := c.Post("/phylo/runs").Json(body).Do(&res)
	return res["run_id"], res["job_token"], err
}

func (c *client) listRuns() ([]services.RunInfo, error) {
	var res []services.RunInfo
	err := c.Get("/phylo/runs").Do(&res)
	return res, err
}

func (c *client) getRun(runId string) (services.RunInfo, error) {
	var res services.RunInfo
	err := c.Get(fmt.Sprintf("/phylo/runs/%v", runId)).Do(&res)
	return res, err
}

func (c *client) deleteRun(runId string) error {
	return c.Delete(fmt.Sprintf("/phylo/runs/%v", runId)).Do(nil)
}

func (c *client) listTrees() ([]services.TreeInfo, error) {
	var res []services.TreeInfo
	err := c.Get("/phylo/trees").Do(&res)
	return res, err
}

// uploadTree posts a finished tree using the job token issued when the run
// was created, the way the build pipeline reports back.
func (c *client) uploadTree(jobToken, name string, treeDoc interface{}, sampleIds []string) (string, error) {
	body := map[string]interface{}{"name": name, "tree": treeDoc}
	if sampleIds != nil {
		body["sample_ids"] = sampleIds
	}

	var res map[string]string
	err := newHttpTestRequest(c.api, "POST", "/phylo/job/tree").Auth(jobToken).Json(body).Do(&res)
	return res["tree_id"], err
}

func (c *client) updateRunStatus(jobToken, status string) error {
	body := map[string]string{"status": status}
	return newHttpTestRequest(c.api, "POST", "/phylo/job/status").Auth(jobToken).Json(body).Do(nil)
}

func (c *client) downloadTree(treeId string) (map[string]interface{}, error) {
	var res map[string]interface{}
	err := c.Get(fmt.Sprintf("/phylo/trees/%v/download", treeId)).Do(&res)
	return res, err
}
