package emby

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCachingSession(t *testing.T) (*Session, *clock.Mock) {
	t.Helper()

	clk := clock.NewMock()
	sess := NewSession(SessionConfig{
		ServerID:        "s1",
		BaseURL:         "http://server.example",
		AccessToken:     "tok",
		UserID:          "u1",
		ServerVersion:   "4.8.0",
		App:             AppInfo{Name: "embersync", Version: "1.0.0"},
		Device:          DeviceInfo{Name: "box", Id: "dev1"},
		Clock:           clk,
		EnableUserCache: true,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	return sess, clk
}

func TestUser_FreshCacheSkipsNetwork(t *testing.T) {
	sess, clk := newCachingSession(t)

	var calls int
	sess.http = doerFunc(func(req *http.Request) (*http.Response, error) {
		calls++
		return jsonResponse(200, `{"Id":"u1","Name":"alex"}`), nil
	})

	user, err := sess.User(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "alex", user.Name)
	assert.Equal(t, 1, calls)

	// 10 seconds later the 60-second window still holds.
	clk.Add(10 * time.Second)

	user, err = sess.User(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "alex", user.Name)
	assert.Equal(t, 1, calls)
}

func TestUser_StaleCacheRefreshes(t *testing.T) {
	sess, clk := newCachingSession(t)

	var calls int
	sess.http = doerFunc(func(req *http.Request) (*http.Response, error) {
		calls++
		return jsonResponse(200, fmt.Sprintf(`{"Id":"u1","Name":"alex-%d"}`, calls)), nil
	})

	_, err := sess.User(context.Background(), "u1")
	require.NoError(t, err)

	clk.Add(61 * time.Second)

	user, err := sess.User(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "alex-2", user.Name)
}

func TestUser_TransportFailureServesStaleCopy(t *testing.T) {
	sess, clk := newCachingSession(t)

	var fail bool
	sess.http = doerFunc(func(req *http.Request) (*http.Response, error) {
		if fail {
			return nil, fmt.Errorf("network down")
		}
		return jsonResponse(200, `{"Id":"u1","Name":"alex"}`), nil
	})

	_, err := sess.User(context.Background(), "u1")
	require.NoError(t, err)

	clk.Add(2 * time.Minute)
	fail = true

	user, err := sess.User(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "alex", user.Name)
}

func TestUser_HTTPRejectionSurfaces(t *testing.T) {
	sess, clk := newCachingSession(t)

	var fail bool
	sess.http = doerFunc(func(req *http.Request) (*http.Response, error) {
		if fail {
			return jsonResponse(http.StatusUnauthorized, `{}`), nil
		}
		return jsonResponse(200, `{"Id":"u1","Name":"alex"}`), nil
	})

	_, err := sess.User(context.Background(), "u1")
	require.NoError(t, err)

	clk.Add(2 * time.Minute)
	fail = true

	_, err = sess.User(context.Background(), "u1")
	require.Error(t, err)
}

func TestInvalidateUser_ForcesRefetch(t *testing.T) {
	sess, _ := newCachingSession(t)

	var calls int
	sess.http = doerFunc(func(req *http.Request) (*http.Response, error) {
		calls++
		return jsonResponse(200, `{"Id":"u1","Name":"alex"}`), nil
	})

	_, err := sess.User(context.Background(), "u1")
	require.NoError(t, err)

	sess.invalidateUser("u1")

	_, err = sess.User(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestUserViews_CachedUntilInvalidated(t *testing.T) {
	sess, _ := newCachingSession(t)

	var calls int
	sess.http = doerFunc(func(req *http.Request) (*http.Response, error) {
		calls++
		return jsonResponse(200, `{"Items":[{"Id":"v1","Name":"Movies","Type":"CollectionFolder"}]}`), nil
	})

	views, err := sess.UserViews(context.Background())
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "Movies", views[0].Name)

	_, err = sess.UserViews(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	sess.invalidateViews()

	_, err = sess.UserViews(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
