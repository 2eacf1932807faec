package client

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultViewTimeout    = 60 * time.Second
	healthCheckTimeout    = 2 * time.Second
	defaultDialRetries    = 3
)

// ComfyClient is the top level object that allows for interaction with the ComfyUI backend.
// A client carries one client id; create a new client for every submission so the
// event stream of each job is keyed by a fresh id.
type ComfyClient struct {
	baseURL        string
	clientid       string
	httpclient     *http.Client
	logger         *zap.Logger
	requestTimeout time.Duration
	viewTimeout    time.Duration
	dialRetries    int
}

// NewComfyClient creates a new client for the server at baseURL, e.g. http://127.0.0.1:8188
func NewComfyClient(baseURL string, logger *zap.Logger) *ComfyClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	cid := uuid.New().String()
	return &ComfyClient{
		baseURL:        strings.TrimRight(baseURL, "/"),
		clientid:       cid,
		httpclient:     &http.Client{},
		logger:         logger.With(zap.String("client_id", cid)),
		requestTimeout: defaultRequestTimeout,
		viewTimeout:    defaultViewTimeout,
		dialRetries:    defaultDialRetries,
	}
}

// ClientID returns the unique client ID for the connection to the ComfyUI backend
func (c *ComfyClient) ClientID() string {
	return c.clientid
}

// BaseURL returns the server address the client talks to
func (c *ComfyClient) BaseURL() string {
	return c.baseURL
}

// SetHttpClient replaces the underlying http client. Clients created for
// successive jobs can share one to reuse connections.
func (c *ComfyClient) SetHttpClient(client *http.Client) {
	c.httpclient = client
}

// SetTimeouts sets the per-request budgets for API calls and for artifact downloads.
// Zero values keep the current setting.
func (c *ComfyClient) SetTimeouts(request, view time.Duration) {
	if request > 0 {
		c.requestTimeout = request
	}
	if view > 0 {
		c.viewTimeout = view
	}
}

// SetDialRetries sets how many times opening the event stream is retried.
func (c *ComfyClient) SetDialRetries(retries int) {
	if retries >= 0 {
		c.dialRetries = retries
	}
}

// WaitReady polls /system_stats until the server answers 200 or attempts run out.
// notify, when set, is called after every failed check with the 1-based attempt number.
// Connection failures never escape; the boolean is the only outcome.
func (c *ComfyClient) WaitReady(ctx context.Context, attempts int, interval time.Duration, notify func(attempt int, err error)) bool {
	if attempts < 1 {
		attempts = 1
	}

	attempt := 0
	check := func() error {
		attempt++
		err := c.ping(ctx)
		if err != nil && notify != nil {
			notify(attempt, err)
		}
		return err
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(attempts-1)),
		ctx,
	)
	if err := backoff.Retry(check, b); err != nil {
		c.logger.Warn("ComfyUI server not ready", zap.Int("attempts", attempt), zap.Error(err))
		return false
	}

	c.logger.Debug("ComfyUI server ready", zap.Int("attempts", attempt))
	return true
}

func (c *ComfyClient) endpoint(path string) string {
	return c.baseURL + path
}

func (c *ComfyClient) websocketURL() string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws?clientId=" + c.clientid
}
