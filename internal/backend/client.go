package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dhawalhost/permseal/internal/apperr"
	"github.com/dhawalhost/permseal/internal/policy"
	"github.com/dhawalhost/permseal/pkg/observability"
)

// Client talks to the authorization backend, the engine that answers
// allow/deny at request time. This service is the backend's single
// writer: every policy and subject change flows through here.
//
// The backend wraps every response in {code, message, data}; code 0
// means success, anything else is surfaced as a remote error.
type Client struct {
	baseURL    string
	appCode    string
	appSecret  string
	httpClient *http.Client
	metrics    *observability.Metrics
}

// Config holds configuration for the backend client.
type Config struct {
	BaseURL   string
	AppCode   string
	AppSecret string
	Timeout   time.Duration
}

// New creates a new backend client. metrics may be nil.
func New(cfg Config, metrics *observability.Metrics) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		appCode:   cfg.AppCode,
		appSecret: cfg.AppSecret,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		metrics: metrics,
	}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) call(ctx context.Context, operation, method, path string, body, out interface{}) error {
	start := time.Now()
	err := c.doRequest(ctx, method, path, body, out)
	if c.metrics != nil {
		c.metrics.BackendRequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
	return err
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, out interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode backend request: %w", err)
		}
		bodyReader = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-App-Code", c.appCode)
	req.Header.Set("X-App-Secret", c.appSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.Remotef("authorization backend unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return apperr.Remotef("authorization backend returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return apperr.Remotef("failed to decode backend response: %w", err)
	}
	if env.Code != 0 {
		return apperr.Remotef("authorization backend error %d: %s", env.Code, env.Message)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return apperr.Remotef("failed to decode backend data: %w", err)
		}
	}
	return nil
}

// policyItem is the flattened wire form of one policy. Resources holds
// the related resource types as JSON.
type policyItem struct {
	ID        int64           `json:"id,omitempty"`
	ActionID  string          `json:"action_id"`
	Resources json.RawMessage `json:"resources"`
	ExpiredAt int64           `json:"expired_at"`
}

func toPolicyItems(policies []policy.Policy, withID bool) ([]policyItem, error) {
	items := make([]policyItem, 0, len(policies))
	for _, p := range policies {
		resourceTypes := p.RelatedResourceTypes
		if resourceTypes == nil {
			resourceTypes = []policy.RelatedResourceType{}
		}
		resources, err := json.Marshal(resourceTypes)
		if err != nil {
			return nil, fmt.Errorf("failed to encode resources of action %s: %w", p.ActionID, err)
		}
		item := policyItem{ActionID: p.ActionID, Resources: resources, ExpiredAt: p.ExpiredAt}
		if withID {
			item.ID = p.PolicyID
		}
		items = append(items, item)
	}
	return items, nil
}

func subjectQuery(subject policy.Subject) url.Values {
	q := url.Values{}
	q.Set("subject_type", subject.Type)
	q.Set("subject_id", subject.ID)
	return q
}

type alterPoliciesRequest struct {
	Subject   policy.Subject `json:"subject"`
	Create    []policyItem   `json:"create"`
	Update    []policyItem   `json:"update"`
	DeleteIDs []int64        `json:"delete_ids"`
}

// AlterPolicies applies creates, updates and deletes for one subject in
// one backend call.
func (c *Client) AlterPolicies(ctx context.Context, systemID string, subject policy.Subject, create, update []policy.Policy, deleteIDs []int64) error {
	createItems, err := toPolicyItems(create, false)
	if err != nil {
		return err
	}
	updateItems, err := toPolicyItems(update, true)
	if err != nil {
		return err
	}
	if deleteIDs == nil {
		deleteIDs = []int64{}
	}
	body := alterPoliciesRequest{Subject: subject, Create: createItems, Update: updateItems, DeleteIDs: deleteIDs}
	path := fmt.Sprintf("/api/v1/systems/%s/policies/alter", url.PathEscape(systemID))
	return c.call(ctx, "alter_policies", http.MethodPost, path, body, nil)
}

type deletePoliciesRequest struct {
	Subject policy.Subject `json:"subject"`
	IDs     []int64        `json:"ids"`
}

// DeletePolicies removes the given backend policies of one subject.
func (c *Client) DeletePolicies(ctx context.Context, systemID string, subject policy.Subject, policyIDs []int64) error {
	body := deletePoliciesRequest{Subject: subject, IDs: policyIDs}
	path := fmt.Sprintf("/api/v1/systems/%s/policies/delete", url.PathEscape(systemID))
	return c.call(ctx, "delete_policies", http.MethodPost, path, body, nil)
}

type updateExpiredAtRequest struct {
	Subject  policy.Subject        `json:"subject"`
	Policies []policy.PolicyExpiry `json:"policies"`
}

// UpdatePolicyExpiredAt renews the expiration of the given backend
// policies.
func (c *Client) UpdatePolicyExpiredAt(ctx context.Context, subject policy.Subject, renewals []policy.PolicyExpiry) error {
	body := updateExpiredAtRequest{Subject: subject, Policies: renewals}
	return c.call(ctx, "update_policy_expired_at", http.MethodPut, "/api/v1/subjects/policies/expired-at", body, nil)
}

// ListPolicies lists one subject's backend policies for one system.
// templateID 0 selects the subject's own custom policies.
func (c *Client) ListPolicies(ctx context.Context, systemID string, subject policy.Subject, templateID int64) ([]policy.ThinPolicy, error) {
	q := subjectQuery(subject)
	q.Set("template_id", strconv.FormatInt(templateID, 10))
	path := fmt.Sprintf("/api/v1/systems/%s/policies?%s", url.PathEscape(systemID), q.Encode())

	var out []policy.ThinPolicy
	if err := c.call(ctx, "list_policies", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListPoliciesBeforeExpiredAt lists one subject's backend policies,
// across systems, that expire at or before the given unix time.
func (c *Client) ListPoliciesBeforeExpiredAt(ctx context.Context, subject policy.Subject, expiredAt int64) ([]policy.ThinPolicy, error) {
	q := subjectQuery(subject)
	q.Set("before_expired_at", strconv.FormatInt(expiredAt, 10))
	path := "/api/v1/subjects/policies?" + q.Encode()

	var out []policy.ThinPolicy
	if err := c.call(ctx, "list_policies_before_expired_at", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type templatePoliciesRequest struct {
	Subject    policy.Subject `json:"subject"`
	TemplateID int64          `json:"template_id"`
	Create     []policyItem   `json:"create"`
	DeleteIDs  []int64        `json:"delete_ids"`
}

// AlterTemplatePolicies creates and deletes template-sourced policies
// for one subject under one template in a single call.
func (c *Client) AlterTemplatePolicies(ctx context.Context, systemID string, subject policy.Subject, templateID int64, create []policy.Policy, deleteIDs []int64) error {
	createItems, err := toPolicyItems(create, false)
	if err != nil {
		return err
	}
	if deleteIDs == nil {
		deleteIDs = []int64{}
	}
	body := templatePoliciesRequest{Subject: subject, TemplateID: templateID, Create: createItems, DeleteIDs: deleteIDs}
	path := fmt.Sprintf("/api/v1/systems/%s/template-policies", url.PathEscape(systemID))
	return c.call(ctx, "alter_template_policies", http.MethodPost, path, body, nil)
}

// SubjectInfo is the backend's registration record for one subject.
type SubjectInfo struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CreateSubjects registers subjects with the backend so policies can be
// attached to them.
func (c *Client) CreateSubjects(ctx context.Context, subjects []SubjectInfo) error {
	return c.call(ctx, "create_subjects", http.MethodPost, "/api/v1/subjects", subjects, nil)
}

// DeleteSubjects removes subjects and everything attached to them from
// the backend.
func (c *Client) DeleteSubjects(ctx context.Context, subjects []policy.Subject) error {
	return c.call(ctx, "delete_subjects", http.MethodPost, "/api/v1/subjects/delete", subjects, nil)
}

// SubjectMember is one group membership with its expiration.
type SubjectMember struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ExpiredAt int64  `json:"policy_expired_at"`
}

type subjectMembersRequest struct {
	Subject policy.Subject  `json:"subject"`
	Members []SubjectMember `json:"members"`
}

type deleteSubjectMembersRequest struct {
	Subject policy.Subject   `json:"subject"`
	Members []policy.Subject `json:"members"`
}

// AddSubjectMembers adds members to a group on the backend so the
// engine expands the group when evaluating.
func (c *Client) AddSubjectMembers(ctx context.Context, group policy.Subject, members []SubjectMember) error {
	body := subjectMembersRequest{Subject: group, Members: members}
	return c.call(ctx, "add_subject_members", http.MethodPost, "/api/v1/subjects/members", body, nil)
}

// DeleteSubjectMembers removes members from a group on the backend.
func (c *Client) DeleteSubjectMembers(ctx context.Context, group policy.Subject, members []policy.Subject) error {
	body := deleteSubjectMembersRequest{Subject: group, Members: members}
	return c.call(ctx, "delete_subject_members", http.MethodPost, "/api/v1/subjects/members/delete", body, nil)
}

// UpdateSubjectMembersExpiredAt renews group memberships on the
// backend.
func (c *Client) UpdateSubjectMembersExpiredAt(ctx context.Context, group policy.Subject, members []SubjectMember) error {
	body := subjectMembersRequest{Subject: group, Members: members}
	return c.call(ctx, "update_subject_members_expired_at", http.MethodPut, "/api/v1/subjects/members/expired-at", body, nil)
}
