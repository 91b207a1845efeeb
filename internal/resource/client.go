package resource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dhawalhost/permseal/internal/apperr"
)

// providerClient speaks the callback protocol: every call is a POST to
// the provider's endpoint with a {type, method, filter} body, answered
// with a {code, message, data} envelope where code 0 is success.
type providerClient struct {
	systemID       string
	resourceTypeID string
	endpoint       ProviderEndpoint
	httpClient     *http.Client
}

type providerRequest struct {
	Type   string      `json:"type"`
	Method string      `json:"method"`
	Filter interface{} `json:"filter,omitempty"`
}

type providerEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type fetchInstanceInfoFilter struct {
	IDs   []string `json:"ids"`
	Attrs []string `json:"attrs,omitempty"`
}

// fetchInstanceInfo asks the provider for the given instances. When
// attrs is non-empty, only those attributes are kept; providers that
// return everything anyway are tolerated.
func (c *providerClient) fetchInstanceInfo(ctx context.Context, ids, attrs []string) ([]InstanceInfo, error) {
	filter := fetchInstanceInfoFilter{IDs: ids, Attrs: attrs}

	var rows []map[string]interface{}
	if err := c.call(ctx, "fetch_instance_info", filter, &rows); err != nil {
		return nil, err
	}

	infos := make([]InstanceInfo, 0, len(rows))
	for _, row := range rows {
		id, ok := row["id"].(string)
		if !ok || id == "" {
			return nil, apperr.Invariantf("resource provider %s/%s returned an instance without an id", c.systemID, c.resourceTypeID)
		}
		attributes := make(map[string]interface{}, len(row))
		for k, v := range row {
			if k == "id" {
				continue
			}
			if len(attrs) > 0 && !containsString(attrs, k) {
				continue
			}
			attributes[k] = v
		}
		infos = append(infos, InstanceInfo{ID: id, Attributes: attributes})
	}
	return infos, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (c *providerClient) call(ctx context.Context, method string, filter, out interface{}) error {
	body := providerRequest{Type: c.resourceTypeID, Method: method, Filter: filter}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode provider request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint.URL, bytes.NewBuffer(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch c.endpoint.AuthType {
	case AuthNone, "":
	case AuthBasic:
		req.SetBasicAuth(providerAuthUser, c.endpoint.AuthToken)
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+c.endpoint.AuthToken)
	default:
		return apperr.Validationf("unsupported provider auth type %q for %s/%s", c.endpoint.AuthType, c.systemID, c.resourceTypeID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.Remotef("resource provider %s/%s unreachable: %w", c.systemID, c.resourceTypeID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return apperr.Remotef("resource provider %s/%s returned status %d: %s",
			c.systemID, c.resourceTypeID, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var env providerEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return apperr.Remotef("failed to decode provider %s/%s response: %w", c.systemID, c.resourceTypeID, err)
	}
	if env.Code != 0 {
		return c.codeError(env.Code, env.Message, method)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return apperr.Remotef("failed to decode provider %s/%s data: %w", c.systemID, c.resourceTypeID, err)
		}
	}
	return nil
}

// codeError maps the provider's envelope codes onto error categories.
// 406 carries the provider's own validation message, which is safe to
// surface to the caller; everything else is a remote fault.
func (c *providerClient) codeError(code int, message, method string) error {
	detail := fmt.Sprintf("system_id=%s, resource_type_id=%s, method=%s", c.systemID, c.resourceTypeID, method)
	switch code {
	case 401:
		return apperr.Remotef("resource provider rejected our credentials: %s (%s)", message, detail)
	case 404:
		return apperr.Remotef("resource provider does not serve this resource type: %s (%s)", message, detail)
	case 406:
		return apperr.Validationf("%s", message)
	case 422:
		return apperr.Remotef("resource provider refused, requested data too large: %s (%s)", message, detail)
	case 429:
		return apperr.Remotef("resource provider request frequency exceeded: %s (%s)", message, detail)
	case 500:
		return apperr.Remotef("resource provider internal error: %s (%s)", message, detail)
	}
	return apperr.Remotef("resource provider error %d: %s (%s)", code, message, detail)
}
