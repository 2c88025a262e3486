package throttle

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

const (
	HeaderLimit     = "X-Ratelimit-Limit"
	HeaderRemaining = "X-Ratelimit-Remaining"
	HeaderReset     = "X-Ratelimit-Reset"
)

// Snapshot is the rate-limit state reported by one LeMUR response. Reset is
// in seconds from the time of the response.
type Snapshot struct {
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
	Reset     int `json:"reset"`

	HasLimit     bool `json:"-"`
	HasRemaining bool `json:"-"`
	HasReset     bool `json:"-"`
}

func ParseHeaders(h http.Header) Snapshot {
	var s Snapshot
	s.Limit, s.HasLimit = headerInt(h, HeaderLimit)
	s.Remaining, s.HasRemaining = headerInt(h, HeaderRemaining)
	s.Reset, s.HasReset = headerInt(h, HeaderReset)
	return s
}

func headerInt(h http.Header, key string) (int, bool) {
	raw := strings.TrimSpace(h.Get(key))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Known reports whether the snapshot carries anything at all.
func (s Snapshot) Known() bool {
	return s.HasLimit || s.HasRemaining || s.HasReset
}

func (s Snapshot) String() string {
	return fmt.Sprintf("Rate Limit: %s, Remaining: %s, Reset: %s seconds",
		orNA(s.Limit, s.HasLimit),
		orNA(s.Remaining, s.HasRemaining),
		orNA(s.Reset, s.HasReset),
	)
}

func orNA(v int, ok bool) string {
	if !ok {
		return "N/A"
	}
	return strconv.Itoa(v)
}
