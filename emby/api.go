package emby

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/embersync/embersync/internal/models"
)

// SystemInfo fetches the authenticated system info. Failover is disabled:
// the caller (the session validator) is itself part of a connection
// attempt and must see the raw outcome.
func (s *Session) SystemInfo(ctx context.Context) (*SystemInfo, error) {
	var info SystemInfo
	err := s.Do(ctx, Request{
		Method:          http.MethodGet,
		Path:            "System/Info",
		DataType:        "json",
		DisableFailover: true,
	}, &info)
	if err != nil {
		return nil, fmt.Errorf("fetching system info: %w", err)
	}

	return &info, nil
}

// ExchangeToken trades an identity-provider exchange token plus the
// provider user id for a local access token.
func (s *Session) ExchangeToken(ctx context.Context, providerUserID, exchangeToken string) (*ExchangeResponse, error) {
	query := url.Values{}
	query.Set("format", "json")
	query.Set("ConnectUserId", providerUserID)
	// The exchange token authenticates this one call instead of the
	// session token, so it travels as an explicit query parameter.
	query.Set("X-Emby-Token", exchangeToken)

	var resp ExchangeResponse
	err := s.Do(ctx, Request{
		Method:          http.MethodGet,
		Path:            "Connect/Exchange",
		Query:           query,
		DataType:        "json",
		DisableFailover: true,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("exchanging token: %w", err)
	}

	return &resp, nil
}

// ReportCapabilities pushes the client capability descriptor. Called
// fire-and-forget after sign-in.
func (s *Session) ReportCapabilities(ctx context.Context, caps any) error {
	err := s.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   "Sessions/Capabilities/Full",
		Body:   caps,
	}, nil)
	if err != nil {
		return fmt.Errorf("reporting capabilities: %w", err)
	}

	return nil
}

// Item fetches full metadata for one item.
func (s *Session) Item(ctx context.Context, itemID string) (*models.BaseItem, error) {
	var item models.BaseItem
	err := s.Do(ctx, Request{
		Method:   http.MethodGet,
		Path:     "Items/" + itemID,
		DataType: "json",
	}, &item)
	if err != nil {
		return nil, fmt.Errorf("fetching item %s: %w", itemID, err)
	}

	return &item, nil
}

// ImageStream opens the image of the given type for an item.
func (s *Session) ImageStream(ctx context.Context, itemID, imageType, tag string) (io.ReadCloser, error) {
	query := url.Values{}
	if tag != "" {
		query.Set("tag", tag)
	}

	body, err := s.Download(ctx, Request{
		Method: http.MethodGet,
		Path:   "Items/" + itemID + "/Images/" + imageType,
		Query:  query,
	})
	if err != nil {
		return nil, fmt.Errorf("downloading %s image for %s: %w", imageType, itemID, err)
	}

	return body, nil
}

// ReadySyncItems lists the sync job items the server has prepared for
// this device.
func (s *Session) ReadySyncItems(ctx context.Context, targetID string) ([]SyncJobItem, error) {
	query := url.Values{}
	query.Set("TargetId", targetID)

	var items []SyncJobItem
	err := s.Do(ctx, Request{
		Method:   http.MethodGet,
		Path:     "Sync/Items/Ready",
		Query:    query,
		DataType: "json",
	}, &items)
	if err != nil {
		return nil, fmt.Errorf("fetching ready sync items: %w", err)
	}

	return items, nil
}

// ReportTransferred notifies the server that a sync job item's file has
// finished transferring to this device.
func (s *Session) ReportTransferred(ctx context.Context, syncJobItemID string) error {
	err := s.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   "Sync/JobItems/" + syncJobItemID + "/Transferred",
	}, nil)
	if err != nil {
		return fmt.Errorf("reporting job item %s transferred: %w", syncJobItemID, err)
	}

	return nil
}

// SyncJobItemFile opens the media file stream for a sync job item.
func (s *Session) SyncJobItemFile(ctx context.Context, syncJobItemID string) (io.ReadCloser, error) {
	body, err := s.Download(ctx, Request{
		Method: http.MethodGet,
		Path:   "Sync/JobItems/" + syncJobItemID + "/File",
	})
	if err != nil {
		return nil, fmt.Errorf("downloading file for job item %s: %w", syncJobItemID, err)
	}

	return body, nil
}

// AdditionalFiles lists the secondary files attached to a sync job item.
func (s *Session) AdditionalFiles(ctx context.Context, syncJobItemID string) ([]SyncJobFile, error) {
	var files []SyncJobFile
	err := s.Do(ctx, Request{
		Method:   http.MethodGet,
		Path:     "Sync/JobItems/" + syncJobItemID + "/AdditionalFiles",
		DataType: "json",
	}, &files)
	if err != nil {
		return nil, fmt.Errorf("fetching additional files for job item %s: %w", syncJobItemID, err)
	}

	return files, nil
}

// AdditionalFileStream opens one named secondary file of a sync job item.
func (s *Session) AdditionalFileStream(ctx context.Context, syncJobItemID, name string) (io.ReadCloser, error) {
	query := url.Values{}
	query.Set("Name", name)

	body, err := s.Download(ctx, Request{
		Method: http.MethodGet,
		Path:   "Sync/JobItems/" + syncJobItemID + "/AdditionalFiles",
		Query:  query,
	})
	if err != nil {
		return nil, fmt.Errorf("downloading additional file %s for job item %s: %w", name, syncJobItemID, err)
	}

	return body, nil
}

// ReportOfflineActions replays queued offline actions to the server in
// one batch.
func (s *Session) ReportOfflineActions(ctx context.Context, actions []models.OfflineAction) error {
	err := s.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   "Sync/OfflineActions",
		Body:   actions,
	}, nil)
	if err != nil {
		return fmt.Errorf("reporting offline actions: %w", err)
	}

	return nil
}

// SyncData reports the locally completed item set and returns the
// server's list of items to remove.
func (s *Session) SyncData(ctx context.Context, req SyncDataRequest) (*SyncDataResponse, error) {
	var resp SyncDataResponse
	err := s.Do(ctx, Request{
		Method:   http.MethodPost,
		Path:     "Sync/Data",
		Body:     req,
		DataType: "json",
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("reconciling sync data: %w", err)
	}

	return &resp, nil
}
