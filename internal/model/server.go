// Package model holds the normalized, immutable records shared across the
// engine: parsed proxy servers, probe outcomes, and published cache
// snapshots.
package model

import "time"

// Kind enumerates the proxy protocols the parser understands.
type Kind string

const (
	VLESS       Kind = "VLESS"
	VMESS       Kind = "VMESS"
	TROJAN      Kind = "TROJAN"
	SHADOWSOCKS Kind = "SHADOWSOCKS"
)

// Security enumerates the transport security modes a Server may use.
type Security string

const (
	SecurityNone    Security = "none"
	SecurityTLS     Security = "tls"
	SecurityReality Security = "reality"
)

// Transport carries the wire-transport selection and its protocol-specific
// fields. Fields that don't apply to the selected Network are left zero.
type Transport struct {
	Network     string // tcp, ws, grpc, h2
	Path        string
	HostHeader  string
	ServiceName string // grpc service name
}

// TLSInfo carries TLS/REALITY fields. Only populated when Security is
// SecurityTLS or SecurityReality.
type TLSInfo struct {
	SNI         string
	ALPN        string
	Fingerprint string
	PublicKey   string // REALITY pbk
	ShortID     string // REALITY sid
	SpiderX     string // REALITY spx
}

// Server is a normalized, immutable record of one proxy endpoint. It is
// constructed only by internal/parser; two Servers are equal iff their
// RawURI is byte-equal.
type Server struct {
	RawURI       string
	Kind         Kind
	Address      string
	Port         int
	IDOrPassword string
	Transport    Transport
	Security     Security
	TLS          TLSInfo
	Cipher       string // shadowsocks cipher, or vmess auth cipher
	Tag          string
	Flow         string // vless flow, e.g. xtls-rprx-vision
	AlterID      int    // vmess legacy alterId
}

// Key returns the deduplication key for this Server: its raw URI.
func (s *Server) Key() string { return s.RawURI }

// ProbeResult is the outcome of one probe attempt against one Server. It is
// transient: only (Server, LatencyMS) survives into a CacheSnapshot.
type ProbeResult struct {
	Server     *Server
	LatencyMS  int64 // set when Err is nil, and kept when a measured probe is reclassified TOO_SLOW
	Err        error
	ProbeURL   string
	MeasuredAt time.Time
}

// Success reports whether the probe produced a usable latency.
func (r *ProbeResult) Success() bool { return r.Err == nil }

// Entry is one ranked row in a CacheSnapshot.
type Entry struct {
	Server    *Server
	LatencyMS int64
}

// CacheSnapshot is an immutable, atomically-published view of ranked
// servers. Entries are sorted ascending by LatencyMS, ties broken by
// RawURI.
type CacheSnapshot struct {
	GenerationID uint64
	BuiltAt      time.Time
	Entries      []Entry
}

// StaleSeconds reports how long ago this snapshot was built, relative to now.
func (s *CacheSnapshot) StaleSeconds(now time.Time) int64 {
	if s == nil {
		return -1
	}
	d := now.Sub(s.BuiltAt)
	if d < 0 {
		return 0
	}
	return int64(d.Seconds())
}

// SiteSpecificEntry is one row of the per-probe-URL table: a cached
// snapshot scoped to a specific probe target, with its own expiry.
type SiteSpecificEntry struct {
	ProbeURL  string
	Snapshot  *CacheSnapshot
	ExpiresAt time.Time
}
