package models

import "time"

// ConnectionMode identifies which class of address was last used to
// reach a server. It biases the order of future connection attempts.
type ConnectionMode string

const (
	ModeLocal  ConnectionMode = "Local"
	ModeManual ConnectionMode = "Manual"
	ModeRemote ConnectionMode = "Remote"
)

// ServerRecord is the persisted description of one physical media server
// and the client's authentication state against it. The server assigns Id
// on first successful connection; until then a record is addressed only by
// its manual address.
type ServerRecord struct {
	Id                 string         `json:"Id"`
	Name               string         `json:"Name"`
	LocalAddress       string         `json:"LocalAddress,omitempty"`
	ManualAddress      string         `json:"ManualAddress,omitempty"`
	RemoteAddress      string         `json:"RemoteAddress,omitempty"`
	LastConnectionMode ConnectionMode `json:"LastConnectionMode,omitempty"`
	AccessToken        string         `json:"AccessToken,omitempty"`
	UserId             string         `json:"UserId,omitempty"`
	ExchangeToken      string         `json:"ExchangeToken,omitempty"`
	DateLastAccessed   time.Time      `json:"DateLastAccessed"`
	ManualAddressOnly  bool           `json:"ManualAddressOnly,omitempty"`
}

// Key returns the storage key for the record: the server Id when known,
// otherwise the manual address prefixed so the record can be found again
// before the first successful connection.
func (r *ServerRecord) Key() string {
	if r.Id != "" {
		return r.Id
	}
	return "manual:" + r.ManualAddress
}

// Address returns the address for the given connection mode, or empty if
// none is recorded.
func (r *ServerRecord) Address(mode ConnectionMode) string {
	switch mode {
	case ModeLocal:
		return r.LocalAddress
	case ModeManual:
		return r.ManualAddress
	case ModeRemote:
		return r.RemoteAddress
	}
	return ""
}

// Merge folds other into r. Addresses are taken from other when set, the
// newest access token wins, and DateLastAccessed keeps the maximum of the
// two. Used by the credential store when two records share a server Id.
func (r *ServerRecord) Merge(other ServerRecord) {
	if other.Name != "" {
		r.Name = other.Name
	}
	if other.LocalAddress != "" {
		r.LocalAddress = other.LocalAddress
	}
	if other.ManualAddress != "" {
		r.ManualAddress = other.ManualAddress
	}
	if other.RemoteAddress != "" {
		r.RemoteAddress = other.RemoteAddress
	}
	if other.LastConnectionMode != "" {
		r.LastConnectionMode = other.LastConnectionMode
	}
	// The most recently used credentials win, including an empty token: a
	// record demoted to anonymous must not resurrect its stale token from
	// the stored copy.
	if other.DateLastAccessed.After(r.DateLastAccessed) {
		r.AccessToken = other.AccessToken
		r.UserId = other.UserId
		r.DateLastAccessed = other.DateLastAccessed
	}
	if other.ExchangeToken != "" {
		r.ExchangeToken = other.ExchangeToken
	}
	if other.ManualAddressOnly {
		r.ManualAddressOnly = true
	}
}

// IdentitySession is an optional identity-provider session stored next to
// the server list. Its user id is traded together with a server's exchange
// token for a fresh local access token.
type IdentitySession struct {
	UserId      string `json:"UserId"`
	AccessToken string `json:"AccessToken"`
}

// WakeOnLanInfo is cached per server and consulted opportunistically.
// It is not authoritative.
type WakeOnLanInfo struct {
	MacAddress string `json:"MacAddress"`
	Port       int    `json:"Port"`
}
