package emby

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	apperrors "github.com/embersync/embersync/internal/errors"
	"github.com/embersync/embersync/internal/models"
)

// userFreshness is how long a cached user record is served without a
// refresh attempt.
const userFreshness = 60 * time.Second

// User returns the user record for the given id. A cached copy younger
// than the freshness window is returned without a network call. Past the
// window a refresh is attempted; if the refresh fails for a transport
// reason (not an HTTP rejection) the stale cached copy is returned
// rather than an error. Concurrent refreshes for the same user are
// collapsed into one request.
func (s *Session) User(ctx context.Context, userID string) (*UserDto, error) {
	if s.cacheUsers {
		s.mu.Lock()
		cached, ok := s.users[userID]
		s.mu.Unlock()

		if ok && s.clk.Since(cached.DateLastFetched) < userFreshness {
			return &cached, nil
		}

		user, err := s.refreshUser(ctx, userID)
		if err == nil {
			return user, nil
		}

		// A transport failure with a cached copy on hand falls back to
		// stale data; an HTTP rejection (revoked token, deleted user)
		// must surface.
		if ok && !apperrors.IsHTTP(err) {
			s.logger.Warn("user refresh failed, serving cached copy",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
			return &cached, nil
		}

		return nil, err
	}

	return s.fetchUser(ctx, userID)
}

// refreshUser fetches a user through the singleflight group so that
// concurrent cache misses produce a single request.
func (s *Session) refreshUser(ctx context.Context, userID string) (*UserDto, error) {
	v, err, _ := s.userFlight.Do(userID, func() (any, error) {
		return s.fetchUser(ctx, userID)
	})
	if err != nil {
		return nil, err
	}

	return v.(*UserDto), nil
}

// fetchUser performs the network fetch and stamps/stores the result.
func (s *Session) fetchUser(ctx context.Context, userID string) (*UserDto, error) {
	var user UserDto
	err := s.Do(ctx, Request{
		Method:   http.MethodGet,
		Path:     "Users/" + userID,
		DataType: "json",
	}, &user)
	if err != nil {
		return nil, fmt.Errorf("fetching user %s: %w", userID, err)
	}

	user.DateLastFetched = s.clk.Now()

	s.mu.Lock()
	s.users[userID] = user
	s.mu.Unlock()

	return &user, nil
}

// storeUser replaces the cached copy of a user. Called when the server
// pushes an updated user over the WebSocket.
func (s *Session) storeUser(user UserDto) {
	user.DateLastFetched = s.clk.Now()

	s.mu.Lock()
	s.users[user.Id] = user
	s.mu.Unlock()
}

// invalidateUser drops the cached copy of a user so the next read
// refetches.
func (s *Session) invalidateUser(userID string) {
	s.mu.Lock()
	delete(s.users, userID)
	s.mu.Unlock()
}

// UserViews returns the signed-in user's library views, cached until a
// LibraryChanged message invalidates them.
func (s *Session) UserViews(ctx context.Context) ([]models.BaseItem, error) {
	s.mu.Lock()
	userID := s.userID
	if s.viewsValid {
		views := s.views
		s.mu.Unlock()
		return views, nil
	}
	s.mu.Unlock()

	if userID == "" {
		return nil, apperrors.ErrNotSignedIn
	}

	var resp struct {
		Items []models.BaseItem `json:"Items"`
	}
	err := s.Do(ctx, Request{
		Method:   http.MethodGet,
		Path:     "Users/" + userID + "/Views",
		DataType: "json",
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("fetching user views: %w", err)
	}

	s.mu.Lock()
	s.views = resp.Items
	s.viewsValid = true
	s.mu.Unlock()

	return resp.Items, nil
}

// invalidateViews drops the cached views computation.
func (s *Session) invalidateViews() {
	s.mu.Lock()
	s.views = nil
	s.viewsValid = false
	s.mu.Unlock()
}
