package emby

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/embersync/embersync/internal/errors"
	"github.com/embersync/embersync/internal/models"
)

const (
	// requestTimeout bounds a single transport call on the failover path.
	requestTimeout = 30 * time.Second

	// errorBodyLimit caps how much of an error response body is carried
	// on an HTTPError.
	errorBodyLimit = 1024

	// separateHeaderVersion is the first server version that accepts the
	// individual X-Emby-* identity headers. Older servers get the single
	// combined X-Emby-Authorization header.
	separateHeaderVersion = "4.8"

	// queryAuthVersion: servers older than this only accept identity
	// values as query parameters on GET requests.
	queryAuthVersion = "4.1"

	// seenMessageCap bounds the WebSocket message-id dedup set.
	seenMessageCap = 1024
)

// doer is the HTTP transport surface the session depends on. *http.Client
// satisfies it; tests substitute a stub.
type doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RecordStore is the slice of the credential store a session writes
// through. The session never mutates a ServerRecord copy of its own; all
// changes go through the store's single update entry point.
type RecordStore interface {
	UpdateServer(key string, fn func(*models.ServerRecord)) error
}

// AddressResolver re-resolves a working base address for a server after
// a transport failure. Implementations update the credential store
// themselves and return the new base URL.
type AddressResolver interface {
	Resolve(ctx context.Context, serverID string) (string, error)
}

// AppInfo identifies the client application to servers.
type AppInfo struct {
	Name    string
	Version string
}

// DeviceInfo identifies this device to servers.
type DeviceInfo struct {
	Name string
	Id   string
}

// Request describes one API call. Path is relative to the server base
// URL. Body is JSON-marshalled when non-nil. DataType selects decoding
// ("json", "text"); when empty the response Content-Type is sniffed.
type Request struct {
	Method          string
	Path            string
	Query           url.Values
	Body            any
	DataType        string
	DisableFailover bool
}

// Session owns one authenticated HTTP+WebSocket channel to one server.
// HTTP requests transparently fail over to a freshly resolved address
// after a transport-level failure; the WebSocket replays registered
// subscriptions on every open.
type Session struct {
	logger *slog.Logger
	http   doer
	clk    clock.Clock

	app    AppInfo
	device DeviceInfo

	serverID      string
	serverVersion string

	records  RecordStore
	resolver AddressResolver

	mu          sync.Mutex
	baseURL     string
	accessToken string
	userID      string

	// connected flips true after the first successful HTTP exchange.
	// The WebSocket is only opened once that has happened.
	connected bool

	// users caches fetched UserDtos with a freshness window.
	users       map[string]UserDto
	userFlight  singleflight.Group
	cacheUsers  bool
	views       []models.BaseItem
	viewsValid  bool

	// WebSocket state.
	dialWS        wsDialer
	conn          wsConn
	connCancel    context.CancelFunc
	subscriptions map[string]string
	seen          *lru.Cache[string, struct{}]
	keepAliveStop chan struct{}

	events *SessionEvents
}

// SessionConfig holds the parameters needed to build a Session.
type SessionConfig struct {
	ServerID        string
	BaseURL         string
	AccessToken     string
	UserID          string
	ServerVersion   string
	App             AppInfo
	Device          DeviceInfo
	Records         RecordStore
	Resolver        AddressResolver
	HTTPClient      *http.Client
	Clock           clock.Clock
	EnableUserCache bool
}

// NewSession creates a Session. If HTTPClient is nil, http.DefaultClient
// is used; if Clock is nil, the real clock is used.
func NewSession(cfg SessionConfig, logger *slog.Logger) *Session {
	httpClient := doer(http.DefaultClient)
	if cfg.HTTPClient != nil {
		httpClient = cfg.HTTPClient
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	seen, _ := lru.New[string, struct{}](seenMessageCap)

	return &Session{
		logger:        logger,
		http:          httpClient,
		clk:           clk,
		app:           cfg.App,
		device:        cfg.Device,
		serverID:      cfg.ServerID,
		serverVersion: cfg.ServerVersion,
		records:       cfg.Records,
		resolver:      cfg.Resolver,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		accessToken:   cfg.AccessToken,
		userID:        cfg.UserID,
		users:         make(map[string]UserDto),
		cacheUsers:    cfg.EnableUserCache,
		dialWS:        dialWebSocket,
		subscriptions: make(map[string]string),
		seen:          seen,
		events:        newSessionEvents(),
	}
}

// ServerID returns the id of the server this session talks to.
func (s *Session) ServerID() string {
	return s.serverID
}

// BaseURL returns the current base address.
func (s *Session) BaseURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseURL
}

// AccessToken returns the current access token, or empty when anonymous.
func (s *Session) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessToken
}

// UserID returns the signed-in user id, or empty when anonymous.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// SetCredentials updates the session's token and user after validation
// or exchange. An empty token demotes the session to anonymous.
func (s *Session) SetCredentials(token, userID string) {
	s.mu.Lock()
	s.accessToken = token
	s.userID = userID
	s.mu.Unlock()
}

// SetBaseURL points the session at a different resolved address.
func (s *Session) SetBaseURL(base string) {
	s.mu.Lock()
	s.baseURL = strings.TrimRight(base, "/")
	s.mu.Unlock()
}

// SetServerVersion records the server version used to gate legacy auth.
func (s *Session) SetServerVersion(v string) {
	s.mu.Lock()
	s.serverVersion = v
	s.mu.Unlock()
}

// Connected reports whether at least one HTTP exchange has succeeded.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Events returns the session's typed event hub.
func (s *Session) Events() *SessionEvents {
	return s.events
}

// Do performs a request against the current base address, decoding the
// response into result (which may be nil to discard the body).
//
// A failure with no HTTP status means the request never reached the
// server; with failover enabled the session asks its resolver for a
// fresh address, rewrites the request against it, and retries exactly
// once with failover disabled. HTTP-level rejections (status >= 400) are
// surfaced unchanged and never trigger failover.
func (s *Session) Do(ctx context.Context, req Request, result any) error {
	err := s.send(ctx, req, result)
	if err == nil {
		return nil
	}

	if req.DisableFailover || apperrors.IsHTTP(err) || s.resolver == nil {
		return err
	}

	s.logger.Warn("transport failure, re-resolving address",
		slog.String("server_id", s.serverID),
		slog.String("path", req.Path),
		slog.String("error", err.Error()),
	)

	base, rerr := s.resolver.Resolve(ctx, s.serverID)
	if rerr != nil {
		// Re-resolution failed; the original transport error is the
		// meaningful one.
		return fmt.Errorf("request failed and address re-resolution failed (%v): %w", rerr, err)
	}

	s.SetBaseURL(base)

	req.DisableFailover = true

	return s.send(ctx, req, result)
}

// Download performs a request and returns the raw response body as a
// stream. Used for media, image, and subtitle blobs that must not be
// buffered in memory. The caller owns closing the reader. Failover
// follows the same single-retry rule as Do.
func (s *Session) Download(ctx context.Context, req Request) (io.ReadCloser, error) {
	body, err := s.open(ctx, req)
	if err == nil {
		return body, nil
	}

	if req.DisableFailover || apperrors.IsHTTP(err) || s.resolver == nil {
		return nil, err
	}

	base, rerr := s.resolver.Resolve(ctx, s.serverID)
	if rerr != nil {
		return nil, fmt.Errorf("download failed and address re-resolution failed (%v): %w", rerr, err)
	}

	s.SetBaseURL(base)

	req.DisableFailover = true

	return s.open(ctx, req)
}

// send performs one transport attempt and decodes the response.
func (s *Session) send(ctx context.Context, req Request, result any) error {
	body, err := s.openWith(ctx, req, false)
	if err != nil {
		return err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", req.Path, err)
	}

	return s.decode(req, data, body, result)
}

// open performs one transport attempt and returns the response body as a
// stream, without the per-request timeout (a media download may
// legitimately outlast it).
func (s *Session) open(ctx context.Context, req Request) (*responseBody, error) {
	return s.openWith(ctx, req, true)
}

// openWith performs one transport attempt and returns the response body
// with content type attached. A status >= 400 is converted into an
// HTTPError; any other failure is transport-class.
func (s *Session) openWith(ctx context.Context, req Request, stream bool) (*responseBody, error) {
	httpReq, err := s.buildRequest(ctx, req, stream)
	if err != nil {
		return nil, err
	}

	resp, err := s.http.Do(httpReq.Request)
	if err != nil {
		if httpReq.cancel != nil {
			httpReq.cancel()
		}
		return nil, fmt.Errorf("sending request to %s: %w", req.Path, err)
	}

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		resp.Body.Close()
		if httpReq.cancel != nil {
			httpReq.cancel()
		}

		return nil, &apperrors.HTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	s.markConnected()

	return &responseBody{
		ReadCloser:  resp.Body,
		contentType: resp.Header.Get("Content-Type"),
		cancel:      httpReq.cancel,
	}, nil
}

type builtRequest struct {
	*http.Request
	cancel context.CancelFunc
}

// buildRequest assembles the outbound request: URL, identity headers (or
// query-string auth for GETs against pre-gate servers), JSON body, and —
// unless the response will be streamed — the per-request timeout.
func (s *Session) buildRequest(ctx context.Context, req Request, stream bool) (*builtRequest, error) {
	s.mu.Lock()
	base := s.baseURL
	token := s.accessToken
	version := s.serverVersion
	s.mu.Unlock()

	u := base + "/" + strings.TrimLeft(req.Path, "/")

	query := url.Values{}
	for k, vs := range req.Query {
		for _, v := range vs {
			query.Add(k, v)
		}
	}

	useQueryAuth := req.Method == http.MethodGet &&
		version != "" && CompareVersions(version, queryAuthVersion) < 0
	if useQueryAuth {
		query.Set("X-Emby-Client", s.app.Name)
		query.Set("X-Emby-Device-Name", s.device.Name)
		query.Set("X-Emby-Device-Id", s.device.Id)
		query.Set("X-Emby-Client-Version", s.app.Version)
		if token != "" {
			query.Set("X-Emby-Token", token)
		}
	}

	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request body: %w", err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	reqCtx := ctx
	var cancel context.CancelFunc
	if !stream {
		reqCtx, cancel = context.WithTimeout(ctx, requestTimeout)
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, req.Method, u, bodyReader)
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, fmt.Errorf("creating request for %s: %w", req.Path, err)
	}

	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	if !useQueryAuth {
		if version == "" || CompareVersions(version, separateHeaderVersion) >= 0 {
			httpReq.Header.Set("X-Emby-Client", s.app.Name)
			httpReq.Header.Set("X-Emby-Device-Name", s.device.Name)
			httpReq.Header.Set("X-Emby-Device-Id", s.device.Id)
			httpReq.Header.Set("X-Emby-Client-Version", s.app.Version)
			if token != "" {
				httpReq.Header.Set("X-Emby-Token", token)
			}
		} else {
			httpReq.Header.Set("X-Emby-Authorization", s.combinedAuthHeader(token))
		}
	}

	return &builtRequest{Request: httpReq, cancel: cancel}, nil
}

// combinedAuthHeader builds the legacy single-header identity format.
func (s *Session) combinedAuthHeader(token string) string {
	header := fmt.Sprintf(`MediaBrowser Client=%q, Device=%q, DeviceId=%q, Version=%q`,
		s.app.Name, s.device.Name, s.device.Id, s.app.Version)
	if token != "" {
		header += fmt.Sprintf(`, Token=%q`, token)
	}
	return header
}

// decode unmarshals response data into result according to the request's
// declared data type, or by sniffing the response content type.
func (s *Session) decode(req Request, data []byte, body *responseBody, result any) error {
	if result == nil {
		return nil
	}

	dataType := req.DataType
	if dataType == "" {
		if strings.Contains(body.contentType, "json") || gjson.ValidBytes(data) {
			dataType = "json"
		} else {
			dataType = "text"
		}
	}

	switch dataType {
	case "json":
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", req.Path, err)
		}
		return nil

	case "text":
		str, ok := result.(*string)
		if !ok {
			return fmt.Errorf("text response for %s requires a *string result", req.Path)
		}
		*str = string(data)
		return nil

	default:
		return fmt.Errorf("unknown data type %q", dataType)
	}
}

func (s *Session) markConnected() {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
}

// responseBody couples a response stream with its content type and the
// timeout cancel func so the timeout is released when the body is closed.
type responseBody struct {
	io.ReadCloser
	contentType string
	cancel      context.CancelFunc
}

func (b *responseBody) Close() error {
	err := b.ReadCloser.Close()
	if b.cancel != nil {
		b.cancel()
	}
	return err
}

// CompareVersions compares two dotted version strings numerically,
// returning -1, 0, or 1. Missing segments compare as zero.
func CompareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")

	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}

	for i := 0; i < n; i++ {
		var av, bv int
		if i < len(as) {
			av, _ = strconv.Atoi(strings.TrimSpace(as[i]))
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(strings.TrimSpace(bs[i]))
		}

		if av < bv {
			return -1
		}
		if av > bv {
			return 1
		}
	}

	return 0
}
