package emby

import (
	"encoding/json"
	"time"

	"github.com/embersync/embersync/internal/models"
)

// PublicSystemInfo is the response to GET system/info/public, reachable
// without authentication. It is what address probes race against.
type PublicSystemInfo struct {
	Id              string `json:"Id"`
	ServerName      string `json:"ServerName"`
	Version         string `json:"Version"`
	LocalAddress    string `json:"LocalAddress,omitempty"`
	WanAddress      string `json:"WanAddress,omitempty"`
	OperatingSystem string `json:"OperatingSystem,omitempty"`
}

// SystemInfo is the authenticated GET System/Info response. Only the
// fields the validator copies onto the server record are kept, plus the
// opportunistic wake-on-lan info.
type SystemInfo struct {
	PublicSystemInfo
	MacAddress        string `json:"MacAddress,omitempty"`
	WakeOnLanPort     int    `json:"WakeOnLanPort,omitempty"`
	SupportsSync      bool   `json:"SupportsSync,omitempty"`
	HasPendingRestart bool   `json:"HasPendingRestart,omitempty"`
}

// UserDto is a server user. DateLastFetched is stamped locally by the
// user cache and is not part of the wire format.
type UserDto struct {
	Id              string          `json:"Id"`
	Name            string          `json:"Name"`
	ServerId        string          `json:"ServerId,omitempty"`
	PrimaryImageTag string          `json:"PrimaryImageTag,omitempty"`
	HasPassword     bool            `json:"HasPassword,omitempty"`
	Configuration   json.RawMessage `json:"Configuration,omitempty"`
	Policy          json.RawMessage `json:"Policy,omitempty"`
	DateLastFetched time.Time       `json:"-"`
}

// ExchangeResponse is returned when an identity-provider exchange token
// is traded for a local access token.
type ExchangeResponse struct {
	LocalUserId string `json:"LocalUserId"`
	AccessToken string `json:"AccessToken"`
}

// SyncJobItem is one server-computed unit of offline-download work
// returned by GET Sync/Items/Ready.
type SyncJobItem struct {
	SyncJobItemId    string          `json:"SyncJobItemId"`
	ItemId           string          `json:"ItemId"`
	Item             models.BaseItem `json:"Item"`
	OriginalFileName string          `json:"OriginalFileName,omitempty"`
	AdditionalFiles  []SyncJobFile   `json:"AdditionalFiles,omitempty"`
}

// SyncJobFile describes a secondary file attached to a sync job item.
// For subtitles, Index refers to the media stream the file was extracted
// from.
type SyncJobFile struct {
	Name  string `json:"Name"`
	Type  string `json:"Type"`
	Index int    `json:"Index,omitempty"`
}

// SyncDataRequest reports the locally completed item set to the server
// during reconciliation.
type SyncDataRequest struct {
	TargetId     string   `json:"TargetId"`
	LocalItemIds []string `json:"LocalItemIds"`
}

// SyncDataResponse carries the server's reconciliation verdict: item ids
// the client must remove locally.
type SyncDataResponse struct {
	ItemIdsToRemove []string `json:"ItemIdsToRemove"`
}

// Message is one inbound WebSocket message, already deduplicated, with
// its payload left raw for the subscriber to decode.
type Message struct {
	MessageType string          `json:"MessageType"`
	MessageId   string          `json:"MessageId,omitempty"`
	Data        json.RawMessage `json:"Data,omitempty"`
}
