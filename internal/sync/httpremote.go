package sync

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

	"github.com/roamlog/roamlog/internal/models"
)

// HTTPRemoteConfig holds connection settings for one HTTP target.
type HTTPRemoteConfig struct {
	Name      string
	BaseURL   string
	AuthToken string
}

// HTTPRemote is a RemoteStore over a JSON HTTP API:
//
//	POST   {base}/entities/{type}            create, returns {"id": ...}
//	PUT    {base}/entities/{type}/{id}       update
//	DELETE {base}/entities/{type}/{id}       delete
//	GET    {base}/changes?since={unix}       pull
//	GET    {base}/health                     reachability probe
//
// A 409 response carries the server's version of the entity.
type HTTPRemote struct {
	config     HTTPRemoteConfig
	httpClient *http.Client
}

// NewHTTPRemote creates an HTTPRemote.
func NewHTTPRemote(config HTTPRemoteConfig) *HTTPRemote {
	return &HTTPRemote{
		config: config,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

// Name implements RemoteStore.
func (r *HTTPRemote) Name() string {
	return r.config.Name
}

// Reachable probes the health endpoint.
func (r *HTTPRemote) Reachable(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := r.newRequest(probeCtx, http.MethodGet, "/health", nil)
	if err != nil {
		return false
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return false
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Send implements RemoteStore.
func (r *HTTPRemote) Send(ctx context.Context, op *models.Operation) (*ServerEntity, error) {
	var (
		method string
		path   string
		body   io.Reader
	)
	switch op.Kind {
	case models.OpCreate:
		method = http.MethodPost
		path = "/entities/" + url.PathEscape(string(op.EntityType))
	case models.OpUpdate:
		method = http.MethodPut
		path = "/entities/" + url.PathEscape(string(op.EntityType)) + "/" + url.PathEscape(op.EntityID)
	case models.OpDelete:
		method = http.MethodDelete
		path = "/entities/" + url.PathEscape(string(op.EntityType)) + "/" + url.PathEscape(op.EntityID)
	default:
		return nil, &RemoteError{Kind: RemoteValidation, Message: fmt.Sprintf("unknown operation kind %q", op.Kind)}
	}

	if op.Kind != models.OpDelete {
		raw, err := json.Marshal(op.Payload)
		if err != nil {
			return nil, &RemoteError{Kind: RemoteValidation, Message: "payload not serializable", Err: err}
		}
		body = bytes.NewReader(raw)
	}

	req, err := r.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, &RemoteError{Kind: RemoteNetwork, Message: "failed to build request", Err: err}
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, &RemoteError{Kind: RemoteNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		entity := &ServerEntity{}
		if op.Kind == models.OpCreate {
			var ack struct {
				ID string `json:"id"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
				return nil, &RemoteError{Kind: RemoteServerBusy, Message: "unreadable acknowledgement", Err: err}
			}
			entity.ServerID = ack.ID
		} else {
			io.Copy(io.Discard, resp.Body)
		}
		return entity, nil
	}

	return nil, r.classify(resp)
}

// Pull implements RemoteStore.
func (r *HTTPRemote) Pull(ctx context.Context, since int64) ([]*models.EntityVersion, error) {
	req, err := r.newRequest(ctx, http.MethodGet, "/changes?since="+strconv.FormatInt(since, 10), nil)
	if err != nil {
		return nil, &RemoteError{Kind: RemoteNetwork, Message: "failed to build request", Err: err}
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, &RemoteError{Kind: RemoteNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, r.classify(resp)
	}

	var versions []*models.EntityVersion
	if err := json.NewDecoder(resp.Body).Decode(&versions); err != nil {
		return nil, &RemoteError{Kind: RemoteServerBusy, Message: "unreadable change feed", Err: err}
	}
	return versions, nil
}

func (r *HTTPRemote) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, r.config.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.config.AuthToken)
	}
	return req, nil
}

// classify maps an HTTP failure to a routed RemoteError. The body is
// consumed either for the conflicting version or a message.
func (r *HTTPRemote) classify(resp *http.Response) *RemoteError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusConflict:
		re := &RemoteError{Kind: RemoteConflict, Message: "server holds a diverging version"}
		var remote models.EntityVersion
		if err := json.Unmarshal(raw, &remote); err == nil {
			re.Remote = &remote
		}
		return re
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &RemoteError{Kind: RemoteAuthExpired, Message: "credentials rejected"}
	case resp.StatusCode == http.StatusBadRequest ||
		resp.StatusCode == http.StatusUnprocessableEntity ||
		resp.StatusCode == http.StatusNotFound:
		return &RemoteError{Kind: RemoteValidation, Message: serverMessage(raw, resp.StatusCode)}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &RemoteError{Kind: RemoteServerBusy, Message: serverMessage(raw, resp.StatusCode)}
	default:
		return &RemoteError{Kind: RemoteValidation, Message: serverMessage(raw, resp.StatusCode)}
	}
}

func serverMessage(raw []byte, status int) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return fmt.Sprintf("server returned status %d", status)
}
