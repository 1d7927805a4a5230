// Package model defines the session and policy types shared between the
// connection core and the policy modules that inspect it.
package model

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Session is the tracked client session a connection is bound to. The
// connection core only references it; the session store owns it.
type Session struct {
	ID        uuid.UUID
	CreatedAt time.Time
}

// NewSession returns a session with a fresh random ID.
func NewSession() *Session {
	return &Session{ID: uuid.New(), CreatedAt: time.Now()}
}

// AllowList holds parameter names exempt from length validation.
type AllowList []string

// Contains reports whether name is allow-listed.
func (a AllowList) Contains(name string) bool {
	return slices.Contains(a, name)
}

// PageConf is a configured protection rule selected for a request.
type PageConf struct {
	URL         string    `toml:"url"`
	MaxParamLen int       `toml:"max_param_len"`
	Whitelist   AllowList `toml:"whitelist"`
}

// Params is the per-request validation context derived from a PageConf.
type Params struct {
	MaxParamLen int
	Whitelist   AllowList
}

// CopyDefaults copies the default validation fields of conf into params.
// The allow-list is shared, not cloned.
func CopyDefaults(conf *PageConf, params *Params) {
	params.MaxParamLen = conf.MaxParamLen
	params.Whitelist = conf.Whitelist
}
