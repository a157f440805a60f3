package models

import "time"

// SyncStatus is the lifecycle state of a locally synced item.
type SyncStatus string

const (
	StatusQueued       SyncStatus = "queued"
	StatusTransferring SyncStatus = "transferring"
	StatusSynced       SyncStatus = "synced"
	StatusError        SyncStatus = "error"
)

// BaseItem is the subset of a server item that the offline store needs for
// browsing and container bookkeeping. The field names follow the server's
// wire format.
type BaseItem struct {
	Id                    string            `json:"Id"`
	Name                  string            `json:"Name"`
	Type                  string            `json:"Type"`
	MediaType             string            `json:"MediaType,omitempty"`
	SeriesId              string            `json:"SeriesId,omitempty"`
	SeriesName            string            `json:"SeriesName,omitempty"`
	SeasonId              string            `json:"SeasonId,omitempty"`
	AlbumId               string            `json:"AlbumId,omitempty"`
	ParentId              string            `json:"ParentId,omitempty"`
	IndexNumber           *int              `json:"IndexNumber,omitempty"`
	ParentIndexNumber     *int              `json:"ParentIndexNumber,omitempty"`
	RunTimeTicks          int64             `json:"RunTimeTicks,omitempty"`
	Container             string            `json:"Container,omitempty"`
	ImageTags             map[string]string `json:"ImageTags,omitempty"`
	SeriesPrimaryImageTag string            `json:"SeriesPrimaryImageTag,omitempty"`
	MediaStreams          []MediaStream     `json:"MediaStreams,omitempty"`
}

// IsContainer reports whether the item is a series/season/album row kept
// only so its children can be browsed offline.
func (b *BaseItem) IsContainer() bool {
	switch b.Type {
	case "Series", "Season", "MusicAlbum":
		return true
	}
	return false
}

// MediaStream describes one stream inside a media source. Only the fields
// the subtitle download step inspects are kept.
type MediaStream struct {
	Index      int    `json:"Index"`
	Type       string `json:"Type"`
	Codec      string `json:"Codec,omitempty"`
	Language   string `json:"Language,omitempty"`
	IsExternal bool   `json:"IsExternal,omitempty"`
}

// AdditionalFile is a secondary file (subtitle, image) attached to a
// local item, with its path relative to the asset store root.
type AdditionalFile struct {
	Name string `json:"Name"`
	Type string `json:"Type,omitempty"`
	Path string `json:"Path"`
}

// LocalItem is one media item held in the offline store. Id is unique per
// (server, item) pair; LocalPath is relative to the asset store root.
type LocalItem struct {
	Id              string           `json:"Id"`
	ItemId          string           `json:"ItemId"`
	ServerId        string           `json:"ServerId"`
	SyncJobItemId   string           `json:"SyncJobItemId,omitempty"`
	Status          SyncStatus       `json:"Status"`
	LocalPath       string           `json:"LocalPath,omitempty"`
	AdditionalFiles []AdditionalFile `json:"AdditionalFiles,omitempty"`
	Item            BaseItem         `json:"Item"`
}

// LocalItemId builds the store key for a (server, item) pair.
func LocalItemId(serverId, itemId string) string {
	return serverId + "_" + itemId
}

// OfflineAction is a user interaction recorded while disconnected, owned
// by the local store until it has been reported to the server.
type OfflineAction struct {
	Id            string    `json:"Id"`
	ServerId      string    `json:"ServerId"`
	UserId        string    `json:"UserId"`
	ItemId        string    `json:"ItemId"`
	Type          string    `json:"Type"`
	Date          time.Time `json:"Date"`
	PositionTicks int64     `json:"PositionTicks,omitempty"`
}
