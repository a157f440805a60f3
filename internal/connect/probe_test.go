package connect

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/embersync/embersync/internal/errors"
	"github.com/embersync/embersync/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// deadAddress returns a loopback address with nothing listening on it.
func deadAddress(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	return "http://" + addr
}

// infoServer serves the public system info endpoint with the given id,
// delaying each response by latency.
func infoServer(t *testing.T, id string, latency time.Duration) *httptest.Server {
	t.Helper()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if latency > 0 {
			time.Sleep(latency)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"Id":"` + id + `","ServerName":"test","Version":"4.8.0"}`))
	}))
	t.Cleanup(ts.Close)

	return ts
}

func TestProbe_SingleReachableAddressWins(t *testing.T) {
	// Only the remote address is reachable; despite its 200 ms stagger
	// handicap it must still win the race.
	remote := infoServer(t, "s1", 0)

	p := NewProber(nil, nil, false, testLogger())
	result, err := p.Probe(context.Background(), models.ServerRecord{
		Id:            "s1",
		LocalAddress:  deadAddress(t),
		ManualAddress: deadAddress(t),
		RemoteAddress: remote.URL,
	})
	require.NoError(t, err)
	assert.Equal(t, remote.URL, result.Address)
	assert.Equal(t, models.ModeRemote, result.Mode)
	assert.Equal(t, "s1", result.Info.Id)
}

func TestProbe_StaggerLetsLocalWin(t *testing.T) {
	// Local answers in 50 ms, remote in 30 ms — but remote's probe is not
	// even dispatched until its 200 ms stagger elapses, so local wins.
	local := infoServer(t, "local", 50*time.Millisecond)
	remote := infoServer(t, "remote", 30*time.Millisecond)

	p := NewProber(nil, nil, false, testLogger())
	result, err := p.Probe(context.Background(), models.ServerRecord{
		Id:            "s1",
		LocalAddress:  local.URL,
		RemoteAddress: remote.URL,
	})
	require.NoError(t, err)
	assert.Equal(t, models.ModeLocal, result.Mode)
	assert.Equal(t, "local", result.Info.Id)
}

func TestProbe_NoAddresses(t *testing.T) {
	p := NewProber(nil, nil, false, testLogger())

	_, err := p.Probe(context.Background(), models.ServerRecord{Id: "s1"})
	assert.ErrorIs(t, err, apperrors.ErrNoAddresses)
}

func TestProbe_AllAddressesFail(t *testing.T) {
	p := NewProber(nil, nil, false, testLogger())

	_, err := p.Probe(context.Background(), models.ServerRecord{
		Id:            "s1",
		LocalAddress:  deadAddress(t),
		RemoteAddress: deadAddress(t),
	})
	assert.ErrorIs(t, err, apperrors.ErrUnavailable)
}

func TestProbe_NonOKStatusIsFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(ts.Close)

	p := NewProber(nil, nil, false, testLogger())
	_, err := p.Probe(context.Background(), models.ServerRecord{Id: "s1", LocalAddress: ts.URL})
	assert.ErrorIs(t, err, apperrors.ErrUnavailable)
}

func TestCandidates_OrderAndDedup(t *testing.T) {
	p := NewProber(nil, nil, false, testLogger())

	cands := p.candidates(models.ServerRecord{
		LocalAddress:  "http://10.0.0.5:8096/",
		ManualAddress: "HTTP://10.0.0.5:8096",
		RemoteAddress: "https://s1.example.com",
	})

	// Manual duplicates local (case-insensitive, trailing slash ignored).
	require.Len(t, cands, 2)
	assert.Equal(t, models.ModeLocal, cands[0].mode)
	assert.Equal(t, "http://10.0.0.5:8096", cands[0].address)
	assert.Equal(t, models.ModeRemote, cands[1].mode)
}

func TestCandidates_ManualOnly(t *testing.T) {
	p := NewProber(nil, nil, false, testLogger())

	cands := p.candidates(models.ServerRecord{
		LocalAddress:      "http://10.0.0.5:8096",
		ManualAddress:     "http://nas.local:8096",
		RemoteAddress:     "https://s1.example.com",
		ManualAddressOnly: true,
	})

	require.Len(t, cands, 1)
	assert.Equal(t, models.ModeManual, cands[0].mode)
}

func TestCandidates_RequireHTTPSDropsPlainHTTP(t *testing.T) {
	p := NewProber(nil, nil, true, testLogger())

	cands := p.candidates(models.ServerRecord{
		LocalAddress:  "http://10.0.0.5:8096",
		RemoteAddress: "https://s1.example.com",
	})

	require.Len(t, cands, 1)
	assert.Equal(t, models.ModeRemote, cands[0].mode)
}

func TestCandidates_StaggerDelays(t *testing.T) {
	p := NewProber(nil, nil, false, testLogger())

	cands := p.candidates(models.ServerRecord{
		LocalAddress:  "http://a",
		ManualAddress: "http://b",
		RemoteAddress: "http://c",
	})

	require.Len(t, cands, 3)
	assert.Equal(t, time.Duration(0), cands[0].delay)
	assert.Equal(t, 100*time.Millisecond, cands[1].delay)
	assert.Equal(t, 200*time.Millisecond, cands[2].delay)
}
