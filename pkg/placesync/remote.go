package placesync

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/imroc/req/v3"

	wpsync "github.com/hyperengineering/waypoint/internal/sync"
)

const (
	pathBulkSync  = "/api/v1/sync/bulk"
	pathSyncDelta = "/api/v1/sync/delta"
	pathHealth    = "/api/v1/health"
)

// Remote is the server side of a sync round.
type Remote interface {
	BulkSync(ctx context.Context, req *wpsync.BulkSyncRequest) (*wpsync.BulkSyncResponse, error)
	ChangesSince(ctx context.Context, since time.Time) ([]Place, error)
}

// APIError is an error response from the sync server, decoded from its
// problem details body.
type APIError struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("api error: %d %s: %s", e.Status, e.Title, e.Detail)
	}
	return fmt.Sprintf("api error: %d %s", e.Status, e.Title)
}

// HTTPRemote talks to the sync server over HTTP.
type HTTPRemote struct {
	client         *req.Client
	requestTimeout time.Duration
	bulkTimeout    time.Duration
}

// NewHTTPRemote returns a remote for the server at baseURL that
// authenticates with token.
func NewHTTPRemote(baseURL, token string, requestTimeout, bulkTimeout time.Duration) *HTTPRemote {
	client := req.C().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetUserAgent("waypoint-placesync").
		SetCommonErrorResult(&APIError{})
	if token != "" {
		client.SetCommonBearerAuthToken(token)
	}
	return &HTTPRemote{
		client:         client,
		requestTimeout: requestTimeout,
		bulkTimeout:    bulkTimeout,
	}
}

// BulkSync submits a batch of actions as one call.
func (r *HTTPRemote) BulkSync(ctx context.Context, body *wpsync.BulkSyncRequest) (*wpsync.BulkSyncResponse, error) {
	ctx, cancel := withTimeout(ctx, r.bulkTimeout)
	defer cancel()

	var out wpsync.BulkSyncResponse
	res, err := r.client.R().
		SetContext(ctx).
		SetBody(body).
		SetSuccessResult(&out).
		Post(pathBulkSync)
	if err := handleAPIError(res, err, "bulk sync"); err != nil {
		return nil, err
	}
	return &out, nil
}

// ChangesSince fetches the live places changed after since.
func (r *HTTPRemote) ChangesSince(ctx context.Context, since time.Time) ([]Place, error) {
	ctx, cancel := withTimeout(ctx, r.requestTimeout)
	defer cancel()

	var out []Place
	request := r.client.R().
		SetContext(ctx).
		SetSuccessResult(&out)
	if !since.IsZero() {
		request.SetQueryParam("since", since.UTC().Format(time.RFC3339Nano))
	}
	res, err := request.Get(pathSyncDelta)
	if err := handleAPIError(res, err, "sync delta"); err != nil {
		return nil, err
	}
	return out, nil
}

// Ping checks that the server is reachable.
func (r *HTTPRemote) Ping(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, r.requestTimeout)
	defer cancel()

	res, err := r.client.R().SetContext(ctx).Get(pathHealth)
	return handleAPIError(res, err, "health")
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// handleAPIError turns a failed call into an error. An error status wins
// over a body decoding failure so callers can always inspect the status.
func handleAPIError(res *req.Response, requestErr error, operation string) error {
	if res != nil && res.Response != nil && res.IsErrorState() {
		if apiErr, ok := res.ErrorResult().(*APIError); ok && apiErr.Status != 0 {
			return fmt.Errorf("%s: %w", operation, apiErr)
		}
		return fmt.Errorf("%s: %w", operation, &APIError{Status: res.StatusCode, Title: http.StatusText(res.StatusCode)})
	}
	if requestErr != nil {
		return fmt.Errorf("%s: %w", operation, requestErr)
	}
	return nil
}
