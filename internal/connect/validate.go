package connect

import (
	"context"
	"log/slog"

	"github.com/embersync/embersync/emby"
	"github.com/embersync/embersync/internal/models"
	"github.com/embersync/embersync/internal/state"
)

// Validator checks whether a record's cached credentials are still
// accepted by the server. Validation failures are never fatal to a
// connection attempt; they only demote the session to anonymous.
type Validator struct {
	store  *state.Store
	logger *slog.Logger
}

// NewValidator creates a Validator.
func NewValidator(store *state.Store, logger *slog.Logger) *Validator {
	return &Validator{store: store, logger: logger}
}

// Validate issues an authenticated System/Info call with the record's
// stored token. On success the record's name/id/addresses are refreshed
// from the response (and wake-on-lan info cached opportunistically) and
// the fresh system info is returned. On any failure the record's
// credentials are cleared and nil is returned.
func (v *Validator) Validate(ctx context.Context, sess *emby.Session, rec *models.ServerRecord) *emby.SystemInfo {
	info, err := sess.SystemInfo(ctx)
	if err != nil {
		v.logger.Warn("cached token rejected, demoting to anonymous",
			slog.String("server_id", rec.Id),
			slog.String("error", err.Error()),
		)

		rec.AccessToken = ""
		rec.UserId = ""
		sess.SetCredentials("", "")

		return nil
	}

	if info.Id != "" {
		rec.Id = info.Id
	}
	if info.ServerName != "" {
		rec.Name = info.ServerName
	}
	if info.LocalAddress != "" {
		rec.LocalAddress = info.LocalAddress
	}
	if info.WanAddress != "" {
		rec.RemoteAddress = info.WanAddress
	}

	if info.MacAddress != "" {
		wol := models.WakeOnLanInfo{MacAddress: info.MacAddress, Port: info.WakeOnLanPort}
		if err := v.store.SetWakeOnLan(rec.Id, wol); err != nil {
			v.logger.Warn("caching wake-on-lan info",
				slog.String("server_id", rec.Id),
				slog.String("error", err.Error()),
			)
		}
	}

	return info
}

// Exchange trades the record's exchange token plus the identity-provider
// user id for a fresh local access token. Failure clears the record's
// credentials and the connection proceeds unauthenticated.
func (v *Validator) Exchange(ctx context.Context, sess *emby.Session, rec *models.ServerRecord, identity *models.IdentitySession) {
	resp, err := sess.ExchangeToken(ctx, identity.UserId, rec.ExchangeToken)
	if err != nil {
		v.logger.Warn("exchange token rejected, proceeding unauthenticated",
			slog.String("server_id", rec.Id),
			slog.String("error", err.Error()),
		)

		rec.AccessToken = ""
		rec.UserId = ""
		sess.SetCredentials("", "")

		return
	}

	rec.AccessToken = resp.AccessToken
	rec.UserId = resp.LocalUserId
	sess.SetCredentials(resp.AccessToken, resp.LocalUserId)
}
