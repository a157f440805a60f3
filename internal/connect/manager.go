package connect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/embersync/embersync/emby"
	"github.com/embersync/embersync/internal/config"
	apperrors "github.com/embersync/embersync/internal/errors"
	"github.com/embersync/embersync/internal/models"
	"github.com/embersync/embersync/internal/state"
)

const (
	// probeRounds is the total number of probe rounds before a server is
	// declared unavailable.
	probeRounds = 3

	// probeRoundPause separates consecutive probe rounds.
	probeRoundPause = 500 * time.Millisecond
)

// State is the terminal outcome of a connection attempt.
type State string

const (
	StateSignedIn           State = "SignedIn"
	StateServerSignIn       State = "ServerSignIn"
	StateServerSelection    State = "ServerSelection"
	StateServerUpdateNeeded State = "ServerUpdateNeeded"
	StateUnavailable        State = "Unavailable"
	StateConnectSignIn      State = "ConnectSignIn"
)

// Result is what a connection attempt yields to the host application.
type Result struct {
	State   State
	Servers []models.ServerRecord
	Session *emby.Session
}

// Options tunes a single connection attempt. Sync-mode connects suppress
// capability reporting and the opportunistic WebSocket open.
type Options struct {
	ReportCapabilities bool
	EnableWebSocket    bool
}

// DefaultOptions is what an interactive host connect uses.
var DefaultOptions = Options{ReportCapabilities: true, EnableWebSocket: true}

// SyncOptions is the reduced connection mode the sync coordinator uses.
var SyncOptions = Options{}

// Manager coordinates discovery, probing, validation, and session
// construction into a single connection state machine. It is re-entrant
// per server: concurrent attempts to different servers are independent;
// serializing attempts to the same server is the caller's concern.
type Manager struct {
	store     *state.Store
	prober    *Prober
	validator *Validator
	logger    *slog.Logger
	clk       clock.Clock

	app        emby.AppInfo
	device     emby.DeviceInfo
	caps       config.Capabilities
	minVersion string
	maxVersion string
	autoLogin  bool
	httpClient *http.Client

	mu       sync.Mutex
	sessions map[string]*emby.Session

	events *Events
}

// ManagerConfig holds Manager construction parameters.
type ManagerConfig struct {
	Store        *state.Store
	App          emby.AppInfo
	Device       emby.DeviceInfo
	Capabilities config.Capabilities
	MinVersion   string
	MaxVersion   string
	AutoLogin    bool
	RequireHTTPS bool
	HTTPClient   *http.Client
	Clock        clock.Clock
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig, logger *slog.Logger) *Manager {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	return &Manager{
		store:      cfg.Store,
		prober:     NewProber(cfg.HTTPClient, clk, cfg.RequireHTTPS, logger),
		validator:  NewValidator(cfg.Store, logger),
		logger:     logger,
		clk:        clk,
		app:        cfg.App,
		device:     cfg.Device,
		caps:       cfg.Capabilities,
		minVersion: cfg.MinVersion,
		maxVersion: cfg.MaxVersion,
		autoLogin:  cfg.AutoLogin,
		httpClient: cfg.HTTPClient,
		sessions:   make(map[string]*emby.Session),
		events:     NewEvents(),
	}
}

// Events returns the manager's typed event hub.
func (m *Manager) Events() *Events {
	return m.events
}

// Connect runs the full connection state machine against one server
// record. The returned Result is terminal for this attempt; per-branch
// detail is internal. The Connected event fires on every branch.
func (m *Manager) Connect(ctx context.Context, rec models.ServerRecord, opts Options) (*Result, error) {
	result, err := m.connect(ctx, rec, opts)
	if err != nil {
		return nil, err
	}

	m.events.publishConnected(*result)

	return result, nil
}

func (m *Manager) connect(ctx context.Context, rec models.ServerRecord, opts Options) (*Result, error) {
	probe, err := m.probeWithRetry(ctx, rec)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		m.logger.Warn("server unavailable",
			slog.String("server", rec.Name),
			slog.String("error", err.Error()),
		)

		return &Result{State: StateUnavailable, Servers: []models.ServerRecord{rec}}, nil
	}

	if bad, why := m.versionMismatch(probe.Info.Version); bad {
		m.logger.Warn("server version outside supported range",
			slog.String("server", probe.Info.ServerName),
			slog.String("version", probe.Info.Version),
			slog.String("reason", why),
		)

		return &Result{State: StateServerUpdateNeeded, Servers: []models.ServerRecord{rec}}, nil
	}

	// A different server id behind a known address means a different
	// physical server; reusing the old token against it would leak
	// credentials, so a fresh record is synthesized instead.
	if rec.Id != "" && probe.Info.Id != "" && rec.Id != probe.Info.Id {
		m.logger.Warn("server id changed behind address, discarding cached credentials",
			slog.String("old_id", rec.Id),
			slog.String("new_id", probe.Info.Id),
			slog.String("address", probe.Address),
		)

		rec = models.ServerRecord{
			Id:            probe.Info.Id,
			ManualAddress: rec.ManualAddress,
		}
	}

	m.importProbe(&rec, probe)

	sess := m.sessionFor(&rec, probe)

	if rec.AccessToken != "" {
		m.validator.Validate(ctx, sess, &rec)
	}

	if rec.AccessToken == "" && rec.ExchangeToken != "" {
		identity, err := m.store.IdentitySession()
		if err != nil {
			m.logger.Warn("loading identity session", slog.String("error", err.Error()))
		}
		if identity != nil {
			m.validator.Exchange(ctx, sess, &rec, identity)
		}
	}

	if err := m.store.SaveServer(rec); err != nil {
		return nil, fmt.Errorf("saving server record: %w", err)
	}

	result := &Result{Servers: []models.ServerRecord{rec}, Session: sess}

	if rec.AccessToken != "" && m.autoLogin {
		result.State = StateSignedIn
		m.onSignedIn(ctx, sess, opts)
	} else {
		result.State = StateServerSignIn
	}

	m.logger.Info("connection attempt finished",
		slog.String("server", rec.Name),
		slog.String("state", string(result.State)),
	)

	return result, nil
}

// ConnectToAny is the higher-level "connect to any known server" flow.
// With no known servers it asks the host to sign in to the identity
// provider; with exactly one it connects (mapping an unavailable server
// to server selection); with several it defers the choice to the host.
func (m *Manager) ConnectToAny(ctx context.Context, opts Options) (*Result, error) {
	servers, err := m.store.Servers()
	if err != nil {
		return nil, fmt.Errorf("listing servers: %w", err)
	}

	switch len(servers) {
	case 0:
		result := &Result{State: StateConnectSignIn}
		m.events.publishConnected(*result)
		return result, nil

	case 1:
		result, err := m.Connect(ctx, servers[0], opts)
		if err != nil {
			return nil, err
		}
		if result.State == StateUnavailable {
			result = &Result{State: StateServerSelection, Servers: servers}
			m.events.publishConnected(*result)
		}
		return result, nil

	default:
		result := &Result{State: StateServerSelection, Servers: servers}
		m.events.publishConnected(*result)
		return result, nil
	}
}

// Resolve re-resolves a working base address for a server, updating the
// stored record. It is the session's failover hook: address
// re-resolution only, no re-authentication.
func (m *Manager) Resolve(ctx context.Context, serverID string) (string, error) {
	rec, err := m.store.GetServer(serverID)
	if err != nil {
		return "", fmt.Errorf("loading server record: %w", err)
	}
	if rec == nil {
		return "", fmt.Errorf("server %s not found", serverID)
	}

	probe, err := m.probeWithRetry(ctx, *rec)
	if err != nil {
		return "", err
	}

	err = m.store.UpdateServer(serverID, func(r *models.ServerRecord) {
		r.LastConnectionMode = probe.Mode
		r.DateLastAccessed = m.clk.Now()
	})
	if err != nil {
		return "", fmt.Errorf("updating server record: %w", err)
	}

	return probe.Address, nil
}

// probeWithRetry runs up to probeRounds full probe races, pausing
// between rounds. A record without candidate addresses fails immediately.
func (m *Manager) probeWithRetry(ctx context.Context, rec models.ServerRecord) (*ProbeResult, error) {
	var lastErr error

	for round := 0; round < probeRounds; round++ {
		if round > 0 {
			timer := m.clk.Timer(probeRoundPause)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}

			m.logger.Debug("retrying address probe",
				slog.String("server", rec.Name),
				slog.Int("round", round+1),
			)
		}

		probe, err := m.prober.Probe(ctx, rec)
		if err == nil {
			return probe, nil
		}
		if errors.Is(err, apperrors.ErrNoAddresses) || ctx.Err() != nil {
			return nil, err
		}

		lastErr = err
	}

	return nil, lastErr
}

// versionMismatch checks the reported version against the configured
// range. Either direction of mismatch requires an update (of the server,
// or of this client) before a session is possible.
func (m *Manager) versionMismatch(version string) (bool, string) {
	if version == "" {
		return false, ""
	}
	if emby.CompareVersions(version, m.minVersion) < 0 {
		return true, "server below minimum supported version"
	}
	if m.maxVersion != "" && emby.CompareVersions(version, m.maxVersion) > 0 {
		return true, "server newer than this client supports"
	}
	return false, ""
}

// importProbe copies the probe outcome onto the record.
func (m *Manager) importProbe(rec *models.ServerRecord, probe *ProbeResult) {
	if rec.Id == "" {
		rec.Id = probe.Info.Id
	}
	if probe.Info.ServerName != "" {
		rec.Name = probe.Info.ServerName
	}
	if probe.Info.LocalAddress != "" {
		rec.LocalAddress = probe.Info.LocalAddress
	}
	if probe.Info.WanAddress != "" {
		rec.RemoteAddress = probe.Info.WanAddress
	}

	rec.LastConnectionMode = probe.Mode
	rec.DateLastAccessed = m.clk.Now()
}

// sessionFor returns the cached session for a server, updated to the
// probe outcome, or builds a new one.
func (m *Manager) sessionFor(rec *models.ServerRecord, probe *ProbeResult) *emby.Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[rec.Id]; ok {
		sess.SetBaseURL(probe.Address)
		sess.SetServerVersion(probe.Info.Version)
		sess.SetCredentials(rec.AccessToken, rec.UserId)
		return sess
	}

	sess := emby.NewSession(emby.SessionConfig{
		ServerID:        rec.Id,
		BaseURL:         probe.Address,
		AccessToken:     rec.AccessToken,
		UserID:          rec.UserId,
		ServerVersion:   probe.Info.Version,
		App:             m.app,
		Device:          m.device,
		Records:         m.store,
		Resolver:        m,
		HTTPClient:      m.httpClient,
		Clock:           m.clk,
		EnableUserCache: true,
	}, m.logger)

	m.sessions[rec.Id] = sess

	return sess
}

// onSignedIn performs the post-sign-in side effects: capability report
// (fire-and-forget) and the opportunistic WebSocket open.
func (m *Manager) onSignedIn(ctx context.Context, sess *emby.Session, opts Options) {
	if opts.ReportCapabilities {
		if err := sess.ReportCapabilities(ctx, m.caps); err != nil {
			m.logger.Warn("reporting capabilities",
				slog.String("server_id", sess.ServerID()),
				slog.String("error", err.Error()),
			)
		}
	}

	if opts.EnableWebSocket {
		if err := sess.ConnectSocket(ctx); err != nil {
			m.logger.Warn("opening websocket",
				slog.String("server_id", sess.ServerID()),
				slog.String("error", err.Error()),
			)
		}
	}
}
