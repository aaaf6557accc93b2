package types

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Protocol is the scheme a proxy speaks.
type Protocol string

const (
	ProtocolHTTP   Protocol = "http"
	ProtocolHTTPS  Protocol = "https"
	ProtocolSOCKS4 Protocol = "socks4"
	ProtocolSOCKS5 Protocol = "socks5"
)

// ParseProtocol normalizes s and reports whether it names a known protocol.
func ParseProtocol(s string) (Protocol, bool) {
	switch p := Protocol(strings.ToLower(strings.TrimSpace(s))); p {
	case ProtocolHTTP, ProtocolHTTPS, ProtocolSOCKS4, ProtocolSOCKS5:
		return p, true
	}
	return "", false
}

// Anonymity is how much of the client a proxy reveals to the far end.
type Anonymity string

const (
	AnonymityUnknown     Anonymity = "unknown"
	AnonymityTransparent Anonymity = "transparent"
	AnonymityAnonymous   Anonymity = "anonymous"
	AnonymityElite       Anonymity = "elite"
)

// ParseAnonymity normalizes s and reports whether it names a known level.
func ParseAnonymity(s string) (Anonymity, bool) {
	switch a := Anonymity(strings.ToLower(strings.TrimSpace(s))); a {
	case AnonymityUnknown, AnonymityTransparent, AnonymityAnonymous, AnonymityElite:
		return a, true
	}
	return "", false
}

// Field names shared by dedup keys and storage column lists.
const (
	FieldIP             = "ip"
	FieldPort           = "port"
	FieldProtocol       = "protocol"
	FieldCountry        = "country"
	FieldAnonymity      = "anonymity"
	FieldSource         = "source"
	FieldIsActive       = "is_active"
	FieldCheckFailCount = "check_fail_count"
	FieldSpeedMs        = "speed_ms"
	FieldLastCheckedAt  = "last_checked_at"
	FieldLastWorkedAt   = "last_worked_at"
)

// Candidate is a proxy endpoint reported by a crawl job, not yet validated.
// A zero IP or Port means the crawler did not supply it.
type Candidate struct {
	IP        string     `json:"ip"`
	Port      uint16     `json:"port"`
	Protocol  *Protocol  `json:"protocol"`
	Country   *string    `json:"country"`
	Anonymity *Anonymity `json:"anonymity"`
	Source    *string    `json:"source"`
}

// Addr returns ip:port.
func (c Candidate) Addr() string {
	return net.JoinHostPort(c.IP, strconv.Itoa(int(c.Port)))
}

// Valid reports whether both IP and Port are present.
func (c Candidate) Valid() bool {
	return c.IP != "" && c.Port != 0
}

// Field returns the string form of a named field; absent fields yield "".
func (c Candidate) Field(name string) string {
	switch name {
	case FieldIP:
		return c.IP
	case FieldPort:
		if c.Port == 0 {
			return ""
		}
		return strconv.Itoa(int(c.Port))
	case FieldProtocol:
		if c.Protocol != nil {
			return string(*c.Protocol)
		}
	case FieldCountry:
		if c.Country != nil {
			return *c.Country
		}
	case FieldAnonymity:
		if c.Anonymity != nil {
			return string(*c.Anonymity)
		}
	case FieldSource:
		if c.Source != nil {
			return *c.Source
		}
	}
	return ""
}

// Key joins the named fields into a single comparable string.
func (c Candidate) Key(fields []string) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = c.Field(f)
	}
	return strings.Join(parts, "|")
}

func (c Candidate) String() string {
	if c.Protocol != nil {
		return fmt.Sprintf("%s://%s", *c.Protocol, c.Addr())
	}
	return c.Addr()
}

// CheckedCandidate is a Candidate annotated with the outcome of its latest check.
type CheckedCandidate struct {
	Candidate
	IsActive       bool       `json:"is_active"`
	CheckFailCount uint       `json:"check_fail_count"`
	SpeedMs        *int64     `json:"speed_ms,omitempty"`
	LastCheckedAt  time.Time  `json:"last_checked_at"`
	LastWorkedAt   *time.Time `json:"last_worked_at,omitempty"`
}

// ProbeResult is the raw outcome of probing one ip:port.
type ProbeResult struct {
	Protocol  Protocol  `json:"protocol"`
	Country   string    `json:"country"`
	Anonymity Anonymity `json:"anonymity"`
	SpeedMs   int64     `json:"speed_ms"`
	IsWorking bool      `json:"is_working"`
}

// StoredProxy is a durable inventory row.
type StoredProxy struct {
	ID int64 `json:"id"`
	CheckedCandidate
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Checked returns the projection fed back into a recheck.
func (p StoredProxy) Checked() CheckedCandidate {
	return p.CheckedCandidate
}

// IsDead reports whether the proxy has failed at least threshold checks in a row.
func (p StoredProxy) IsDead(threshold uint) bool {
	return p.CheckFailCount >= threshold
}

// IsStale reports whether the last check is older than maxAge.
func (p StoredProxy) IsStale(maxAge time.Duration, now time.Time) bool {
	if p.LastCheckedAt.IsZero() {
		return true
	}
	return now.Sub(p.LastCheckedAt) > maxAge
}

// URL returns protocol://ip:port, defaulting to http.
func (p StoredProxy) URL() string {
	proto := ProtocolHTTP
	if p.Protocol != nil {
		proto = *p.Protocol
	}
	return fmt.Sprintf("%s://%s", proto, p.Addr())
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
