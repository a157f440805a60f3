package connect

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embersync/embersync/emby"
	"github.com/embersync/embersync/internal/config"
	"github.com/embersync/embersync/internal/models"
	"github.com/embersync/embersync/internal/state"
)

// fakeServer is an httptest-backed media server with adjustable
// behavior per endpoint.
type fakeServer struct {
	*httptest.Server

	id          string
	version     string
	rejectToken bool

	capsCalls     atomic.Int32
	exchangeCalls atomic.Int32
}

func newFakeServer(t *testing.T, id, version string) *fakeServer {
	t.Helper()

	fs := &fakeServer{id: id, version: version}

	mux := http.NewServeMux()
	mux.HandleFunc("/system/info/public", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"Id":"` + fs.id + `","ServerName":"den","Version":"` + fs.version + `"}`))
	})
	mux.HandleFunc("/System/Info", func(w http.ResponseWriter, r *http.Request) {
		if fs.rejectToken || r.Header.Get("X-Emby-Token") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"Id":"` + fs.id + `","ServerName":"den","Version":"` + fs.version + `","MacAddress":"aa:bb:cc:dd:ee:ff","WakeOnLanPort":9}`))
	})
	mux.HandleFunc("/Sessions/Capabilities/Full", func(w http.ResponseWriter, r *http.Request) {
		fs.capsCalls.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/Connect/Exchange", func(w http.ResponseWriter, r *http.Request) {
		fs.exchangeCalls.Add(1)
		if r.URL.Query().Get("X-Emby-Token") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"LocalUserId":"u9","AccessToken":"fresh-token"}`))
	})

	fs.Server = httptest.NewServer(mux)
	t.Cleanup(fs.Close)

	return fs
}

func newTestManager(t *testing.T) (*Manager, *state.Store) {
	t.Helper()

	store, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	m := NewManager(ManagerConfig{
		Store:        store,
		App:          emby.AppInfo{Name: "embersync", Version: "1.0.0"},
		Device:       emby.DeviceInfo{Name: "box", Id: "dev1"},
		Capabilities: config.Capabilities{SupportsSync: true},
		MinVersion:   "4.0.0",
		AutoLogin:    true,
	}, testLogger())

	return m, store
}

func TestConnect_SignedInWithValidToken(t *testing.T) {
	fs := newFakeServer(t, "s1", "4.8.0")
	m, store := newTestManager(t)

	rec := models.ServerRecord{Id: "s1", ManualAddress: fs.URL, AccessToken: "tok", UserId: "u1"}

	result, err := m.Connect(context.Background(), rec, Options{ReportCapabilities: true})
	require.NoError(t, err)
	assert.Equal(t, StateSignedIn, result.State)
	require.NotNil(t, result.Session)
	assert.Equal(t, int32(1), fs.capsCalls.Load())

	saved, err := store.GetServer("s1")
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, "den", saved.Name)
	assert.Equal(t, "tok", saved.AccessToken)
	assert.Equal(t, models.ModeManual, saved.LastConnectionMode)

	// Wake-on-lan info from the validated system info is cached.
	wol, err := store.WakeOnLan("s1")
	require.NoError(t, err)
	require.NotNil(t, wol)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", wol.MacAddress)
}

func TestConnect_RejectedTokenDemotesToServerSignIn(t *testing.T) {
	fs := newFakeServer(t, "s1", "4.8.0")
	fs.rejectToken = true
	m, store := newTestManager(t)

	rec := models.ServerRecord{Id: "s1", ManualAddress: fs.URL, AccessToken: "stale", UserId: "u1"}

	result, err := m.Connect(context.Background(), rec, Options{})
	require.NoError(t, err)
	assert.Equal(t, StateServerSignIn, result.State)

	saved, err := store.GetServer("s1")
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Empty(t, saved.AccessToken)
	assert.Empty(t, saved.UserId)
}

func TestConnect_VersionBelowMinimum(t *testing.T) {
	fs := newFakeServer(t, "s1", "3.6.0")
	m, _ := newTestManager(t)

	result, err := m.Connect(context.Background(), models.ServerRecord{Id: "s1", ManualAddress: fs.URL}, Options{})
	require.NoError(t, err)
	assert.Equal(t, StateServerUpdateNeeded, result.State)
}

func TestConnect_VersionAboveMaximum(t *testing.T) {
	fs := newFakeServer(t, "s1", "5.0.0")
	m, _ := newTestManager(t)
	m.maxVersion = "4.9"

	result, err := m.Connect(context.Background(), models.ServerRecord{Id: "s1", ManualAddress: fs.URL}, Options{})
	require.NoError(t, err)
	assert.Equal(t, StateServerUpdateNeeded, result.State)
}

func TestConnect_UnreachableServer(t *testing.T) {
	m, _ := newTestManager(t)

	result, err := m.Connect(context.Background(), models.ServerRecord{
		Id:            "s1",
		Name:          "gone",
		ManualAddress: deadAddress(t),
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, StateUnavailable, result.State)
}

func TestConnect_RetriesThreeProbeRounds(t *testing.T) {
	m, _ := newTestManager(t)

	start := time.Now()
	result, err := m.Connect(context.Background(), models.ServerRecord{
		Id:            "s1",
		ManualAddress: deadAddress(t),
	}, Options{})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, StateUnavailable, result.State)
	// Two inter-round pauses of 500 ms separate the three rounds.
	assert.GreaterOrEqual(t, elapsed, 2*probeRoundPause)
}

func TestConnect_ServerIdChangeDiscardsToken(t *testing.T) {
	fs := newFakeServer(t, "new-id", "4.8.0")
	m, store := newTestManager(t)

	rec := models.ServerRecord{Id: "old-id", ManualAddress: fs.URL, AccessToken: "tok", UserId: "u1"}

	result, err := m.Connect(context.Background(), rec, Options{})
	require.NoError(t, err)
	assert.Equal(t, StateServerSignIn, result.State)
	require.Len(t, result.Servers, 1)
	assert.Equal(t, "new-id", result.Servers[0].Id)
	assert.Empty(t, result.Servers[0].AccessToken)

	saved, err := store.GetServer("new-id")
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Empty(t, saved.AccessToken)
}

func TestConnect_ExchangeTokenSignsIn(t *testing.T) {
	fs := newFakeServer(t, "s1", "4.8.0")
	m, store := newTestManager(t)

	require.NoError(t, store.SetIdentitySession(&models.IdentitySession{UserId: "cu1", AccessToken: "ca"}))

	rec := models.ServerRecord{Id: "s1", ManualAddress: fs.URL, ExchangeToken: "ex-tok"}

	result, err := m.Connect(context.Background(), rec, Options{})
	require.NoError(t, err)
	assert.Equal(t, StateSignedIn, result.State)
	assert.Equal(t, int32(1), fs.exchangeCalls.Load())

	saved, err := store.GetServer("s1")
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, "fresh-token", saved.AccessToken)
	assert.Equal(t, "u9", saved.UserId)
}

func TestConnect_PublishesConnectedEvent(t *testing.T) {
	fs := newFakeServer(t, "s1", "4.8.0")
	m, _ := newTestManager(t)

	events := m.Events().Connected()

	_, err := m.Connect(context.Background(), models.ServerRecord{Id: "s1", ManualAddress: fs.URL}, Options{})
	require.NoError(t, err)

	select {
	case result := <-events:
		assert.Equal(t, StateServerSignIn, result.State)
	default:
		t.Fatal("expected a connected event")
	}
}

func TestConnectToAny_NoServers(t *testing.T) {
	m, _ := newTestManager(t)

	result, err := m.ConnectToAny(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, StateConnectSignIn, result.State)
}

func TestConnectToAny_SingleServerConnects(t *testing.T) {
	fs := newFakeServer(t, "s1", "4.8.0")
	m, store := newTestManager(t)

	require.NoError(t, store.SaveServer(models.ServerRecord{
		Id:            "s1",
		ManualAddress: fs.URL,
		AccessToken:   "tok",
		UserId:        "u1",
	}))

	result, err := m.ConnectToAny(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, StateSignedIn, result.State)
}

func TestConnectToAny_SingleUnavailableMapsToSelection(t *testing.T) {
	m, store := newTestManager(t)

	require.NoError(t, store.SaveServer(models.ServerRecord{
		Id:            "s1",
		ManualAddress: deadAddress(t),
	}))

	result, err := m.ConnectToAny(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, StateServerSelection, result.State)
	assert.Len(t, result.Servers, 1)
}

func TestConnectToAny_MultipleServersDeferChoice(t *testing.T) {
	m, store := newTestManager(t)

	require.NoError(t, store.SaveServer(models.ServerRecord{Id: "s1", ManualAddress: "http://a"}))
	require.NoError(t, store.SaveServer(models.ServerRecord{Id: "s2", ManualAddress: "http://b"}))

	result, err := m.ConnectToAny(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, StateServerSelection, result.State)
	assert.Len(t, result.Servers, 2)
}

func TestResolve_UpdatesRecordAndReturnsAddress(t *testing.T) {
	fs := newFakeServer(t, "s1", "4.8.0")
	m, store := newTestManager(t)

	require.NoError(t, store.SaveServer(models.ServerRecord{Id: "s1", ManualAddress: fs.URL}))

	base, err := m.Resolve(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, fs.URL, base)

	saved, err := store.GetServer("s1")
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, models.ModeManual, saved.LastConnectionMode)
	assert.False(t, saved.DateLastAccessed.IsZero())
}

func TestResolve_UnknownServer(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Resolve(context.Background(), "nope")
	assert.ErrorContains(t, err, "not found")
}
