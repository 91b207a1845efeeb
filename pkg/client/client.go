// Package client is a small Go SDK for the permission service API. It
// covers what an integrating service or an operator script needs:
// registering a system with its resource types and actions, creating
// roles and groups, and granting group permissions.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const apiPrefix = "/api/v1"

// Client is a client for the permission service API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Token      string
	RoleID     int64
}

// Config holds configuration for the client. BaseURL is the server
// address without the API prefix, e.g. http://localhost:8080.
type Config struct {
	BaseURL string
	Token   string
	RoleID  int64
	Timeout time.Duration
}

// New creates a new Client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: cfg.BaseURL,
		Token:   cfg.Token,
		RoleID:  cfg.RoleID,
		HTTPClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// SetToken sets the authentication token for subsequent requests.
func (c *Client) SetToken(token string) {
	c.Token = token
}

// ActAs selects the role the caller acts under for subsequent
// role-scoped requests. Zero means no role.
func (c *Client) ActAs(roleID int64) {
	c.RoleID = roleID
}

// doRequest helper to perform authenticated requests.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+apiPrefix+path, bodyReader)
	if err != nil {
		return err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if c.RoleID > 0 {
		req.Header.Set("X-Role-ID", strconv.FormatInt(c.RoleID, 10))
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error %d: %s", resp.StatusCode, string(respBody))
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return err
		}
	}

	return nil
}

// System is a registered integrating service.
type System struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Description       string `json:"description,omitempty"`
	ProviderURL       string `json:"provider_url"`
	ProviderAuthType  string `json:"provider_auth_type,omitempty"`
	ProviderAuthToken string `json:"provider_auth_token,omitempty"`
}

// ResourceType is one resource kind a system exposes.
type ResourceType struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ProviderPath string `json:"provider_path,omitempty"`
}

// ResourceTypeRef points at a resource type, possibly of another
// system.
type ResourceTypeRef struct {
	SystemID string `json:"system_id"`
	ID       string `json:"id"`
}

// Action is one operation a system declares.
type Action struct {
	ID                   string            `json:"id"`
	Name                 string            `json:"name"`
	RelatedResourceTypes []ResourceTypeRef `json:"related_resource_types,omitempty"`
}

// CreateSystem registers a system.
func (c *Client) CreateSystem(ctx context.Context, sys System) error {
	return c.doRequest(ctx, "POST", "/systems", sys, nil)
}

// ListSystems lists registered systems.
func (c *Client) ListSystems(ctx context.Context) ([]System, error) {
	var res struct {
		Systems []System `json:"systems"`
	}
	if err := c.doRequest(ctx, "GET", "/systems", nil, &res); err != nil {
		return nil, err
	}
	return res.Systems, nil
}

// CreateResourceType declares a resource type under a system.
func (c *Client) CreateResourceType(ctx context.Context, systemID string, rt ResourceType) error {
	return c.doRequest(ctx, "POST", "/systems/"+url.PathEscape(systemID)+"/resource-types", rt, nil)
}

// CreateAction declares an action under a system. Policies granting
// the action must carry exactly its declared resource types.
func (c *Client) CreateAction(ctx context.Context, systemID string, action Action) error {
	return c.doRequest(ctx, "POST", "/systems/"+url.PathEscape(systemID)+"/actions", action, nil)
}

// Subject identifies a permission holder.
type Subject struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Role is one delegated administrator role.
type Role struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        string `json:"type"`
	Creator     string `json:"creator"`
}

// ScopeAction names one action a role may grant. The id "*" allows
// every action of the system.
type ScopeAction struct {
	ID string `json:"id"`
}

// AuthScope bounds what a role may grant within one system.
type AuthScope struct {
	SystemID string        `json:"system_id"`
	Actions  []ScopeAction `json:"actions"`
}

// NewRole describes a role to create. Scopes may be omitted for super
// roles.
type NewRole struct {
	Name                string      `json:"name"`
	Description         string      `json:"description,omitempty"`
	Type                string      `json:"type,omitempty"`
	Creator             string      `json:"creator"`
	Members             []string    `json:"members,omitempty"`
	AuthorizationScopes []AuthScope `json:"authorization_scopes,omitempty"`
	SubjectScopes       []Subject   `json:"subject_scopes,omitempty"`
}

// CreateRole creates a role and returns its id.
func (c *Client) CreateRole(ctx context.Context, role NewRole) (int64, error) {
	var res struct {
		ID int64 `json:"id"`
	}
	if err := c.doRequest(ctx, "POST", "/roles", role, &res); err != nil {
		return 0, err
	}
	return res.ID, nil
}

// ListRoles lists roles.
func (c *Client) ListRoles(ctx context.Context) ([]Role, error) {
	var res struct {
		Roles []Role `json:"roles"`
	}
	if err := c.doRequest(ctx, "GET", "/roles", nil, &res); err != nil {
		return nil, err
	}
	return res.Roles, nil
}

// AddRoleMembers adds usernames to a role.
func (c *Client) AddRoleMembers(ctx context.Context, roleID int64, members []string) error {
	payload := map[string][]string{"members": members}
	return c.doRequest(ctx, "POST", fmt.Sprintf("/roles/%d/members", roleID), payload, nil)
}

// Group is one user group, owned by the role that created it.
type Group struct {
	ID          int64  `json:"id"`
	RoleID      int64  `json:"role_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Creator     string `json:"creator"`
}

// Member is one group membership. ExpiredAt is a unix timestamp.
type Member struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ExpiredAt int64  `json:"expired_at"`
}

// CreateGroup creates a group under the acting role and returns its
// id.
func (c *Client) CreateGroup(ctx context.Context, name, description, creator string) (int64, error) {
	payload := map[string]string{
		"name":        name,
		"description": description,
		"creator":     creator,
	}
	var res struct {
		ID int64 `json:"id"`
	}
	if err := c.doRequest(ctx, "POST", "/groups", payload, &res); err != nil {
		return 0, err
	}
	return res.ID, nil
}

// ListGroups lists the groups of the acting role.
func (c *Client) ListGroups(ctx context.Context) ([]Group, error) {
	var res struct {
		Groups []Group `json:"groups"`
	}
	if err := c.doRequest(ctx, "GET", "/groups", nil, &res); err != nil {
		return nil, err
	}
	return res.Groups, nil
}

// AddGroupMembers adds members to a group.
func (c *Client) AddGroupMembers(ctx context.Context, groupID int64, members []Member) error {
	payload := map[string][]Member{"members": members}
	return c.doRequest(ctx, "POST", fmt.Sprintf("/groups/%d/members", groupID), payload, nil)
}

// PathNode is one level of a resource ancestry path.
type PathNode struct {
	SystemID string `json:"system_id"`
	Type     string `json:"type"`
	ID       string `json:"id"`
	Name     string `json:"name"`
}

// GrantInstance selects concrete resources of one type by ancestry
// path. A path node id of "*" covers every id of its type.
type GrantInstance struct {
	Type string       `json:"type"`
	Path [][]PathNode `json:"path"`
}

// GrantCondition groups the instance selections of one resource
// bound. Attribute conditions are left to direct API calls; the SDK
// covers instance and unbounded grants.
type GrantCondition struct {
	Instances []GrantInstance `json:"instances"`
}

// GrantResource bounds a granted action on one resource type. An
// empty condition covers every instance of the type.
type GrantResource struct {
	SystemID  string           `json:"system_id"`
	Type      string           `json:"type"`
	Condition []GrantCondition `json:"condition"`
}

// GrantPolicy is one action grant. Resources must reference exactly
// the action's declared resource types.
type GrantPolicy struct {
	ActionID             string          `json:"action_id"`
	RelatedResourceTypes []GrantResource `json:"related_resource_types"`
	ExpiredAt            int64           `json:"expired_at"`
}

// GrantSource is one permission source of an authorization: a
// template with its policies, or a custom policy set for one system
// when TemplateID is zero.
type GrantSource struct {
	TemplateID int64         `json:"template_id"`
	SystemID   string        `json:"system_id"`
	Policies   []GrantPolicy `json:"policies"`
}

// Authorize grants permission sources to a group. It returns the task
// key of the queued application; the grant itself happens
// asynchronously.
func (c *Client) Authorize(ctx context.Context, groupID int64, sources []GrantSource) (string, error) {
	payload := struct {
		Sources []GrantSource `json:"sources"`
	}{Sources: sources}
	var res struct {
		TaskKey string `json:"task_key"`
	}
	if err := c.doRequest(ctx, "POST", fmt.Sprintf("/groups/%d/authorizations", groupID), payload, &res); err != nil {
		return "", err
	}
	return res.TaskKey, nil
}
