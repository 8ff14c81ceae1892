package loginaudit

import (
	"time"

	"github.com/google/uuid"

	"github.com/imageehr/ehr/internal/platform/geo"
)

// Attempt maps to the append-only login_attempts table. Username is stored
// as typed, whether or not a principal with that name exists.
type Attempt struct {
	ID            uuid.UUID     `json:"id"`
	Username      string        `json:"username"`
	AttemptedAt   time.Time     `json:"attempted_at"`
	IPAddress     string        `json:"ip_address"`
	Geo           *geo.Location `json:"geo,omitempty"`
	Success       bool          `json:"success"`
	FailureReason string        `json:"failure_reason,omitempty"`
	UserAgent     string        `json:"user_agent"`
}

// Filter narrows List and Summary. Zero fields are ignored.
type Filter struct {
	Username  string
	IPAddress string
	Success   *bool
	Since     *time.Time
	Until     *time.Time
}

// Matches reports whether a satisfies the filter.
func (f Filter) Matches(a *Attempt) bool {
	if f.Username != "" && a.Username != f.Username {
		return false
	}
	if f.IPAddress != "" && a.IPAddress != f.IPAddress {
		return false
	}
	if f.Success != nil && a.Success != *f.Success {
		return false
	}
	if f.Since != nil && a.AttemptedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && !a.AttemptedAt.Before(*f.Until) {
		return false
	}
	return true
}

// UsernameCount pairs a username with a number of attempts.
type UsernameCount struct {
	Username string `json:"username"`
	Count    int    `json:"count"`
}

// Summary aggregates the attempts matching a Filter.
type Summary struct {
	Total              int             `json:"total"`
	Succeeded          int             `json:"succeeded"`
	Failed             int             `json:"failed"`
	DistinctUsernames  int             `json:"distinct_usernames"`
	DistinctIPs        int             `json:"distinct_ips"`
	FailuresByReason   map[string]int  `json:"failures_by_reason"`
	TopFailedUsernames []UsernameCount `json:"top_failed_usernames"`
	First              *time.Time      `json:"first,omitempty"`
	Last               *time.Time      `json:"last,omitempty"`
}

const topFailedLimit = 10
