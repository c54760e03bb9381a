// Package parser decodes proxy subscription URI lines into normalized
// model.Server records. It performs no I/O: every function here is a pure
// string-in, Server-or-error-out transform.
package parser

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"proxycache/internal/errkind"
	"proxycache/internal/model"
)

// Parse dispatches on URI scheme and returns a normalized Server, or a
// *errkind.Error wrapping errkind.ParseURI on any malformed or unsupported
// input.
func Parse(rawURI string) (*model.Server, error) {
	uri := strings.TrimSpace(rawURI)
	if uri == "" {
		return nil, errkind.New(errkind.ParseURI, fmt.Errorf("empty URI"))
	}

	scheme, _, ok := strings.Cut(uri, "://")
	if !ok {
		return nil, errkind.New(errkind.ParseURI, fmt.Errorf("missing scheme: %s", rawURI))
	}

	var (
		srv *model.Server
		err error
	)
	switch strings.ToLower(scheme) {
	case "vless":
		srv, err = parseVLESS(uri)
	case "vmess":
		srv, err = parseVMess(uri)
	case "trojan":
		srv, err = parseTrojan(uri)
	case "ss":
		srv, err = parseShadowsocks(uri)
	default:
		return nil, errkind.New(errkind.ParseURI, fmt.Errorf("unsupported scheme: %s", scheme))
	}
	if err != nil {
		return nil, errkind.New(errkind.ParseURI, err)
	}
	srv.RawURI = rawURI
	return srv, nil
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port out of range: %d", port)
	}
	return nil
}

func unescapeTag(fragment string) string {
	if fragment == "" {
		return ""
	}
	if dec, err := url.QueryUnescape(fragment); err == nil {
		return dec
	}
	return fragment
}

// parseVLESS parses vless://<uuid>@<host>:<port>?<params>#<tag>
func parseVLESS(raw string) (*model.Server, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("vless: %w", err)
	}

	uuid := u.User.Username()
	if uuid == "" {
		return nil, fmt.Errorf("vless: missing uuid")
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("vless: missing host")
	}
	port, err := portOf(u, 443)
	if err != nil {
		return nil, fmt.Errorf("vless: %w", err)
	}
	if err := validatePort(port); err != nil {
		return nil, fmt.Errorf("vless: %w", err)
	}

	q := u.Query()
	sec := model.Security(strings.ToLower(q.Get("security")))
	if sec == "" {
		sec = model.SecurityNone
	}

	return &model.Server{
		Kind:         model.VLESS,
		Address:      host,
		Port:         port,
		IDOrPassword: uuid,
		Transport: model.Transport{
			Network:     defaultStr(q.Get("type"), "tcp"),
			Path:        q.Get("path"),
			HostHeader:  q.Get("host"),
			ServiceName: q.Get("serviceName"),
		},
		Security: sec,
		TLS: model.TLSInfo{
			SNI:         q.Get("sni"),
			ALPN:        q.Get("alpn"),
			Fingerprint: q.Get("fp"),
			PublicKey:   q.Get("pbk"),
			ShortID:     q.Get("sid"),
			SpiderX:     q.Get("spx"),
		},
		Flow: q.Get("flow"),
		Tag:  unescapeTag(u.Fragment),
	}, nil
}

type vmessJSON struct {
	Add  string      `json:"add"`
	Port interface{} `json:"port"`
	ID   string      `json:"id"`
	Aid  interface{} `json:"aid"`
	Net  string      `json:"net"`
	Type string      `json:"type"`
	Host string      `json:"host"`
	Path string      `json:"path"`
	TLS  string      `json:"tls"`
	SNI  string      `json:"sni"`
	Scy  string      `json:"scy"`
	PS   string      `json:"ps"`
}

// parseVMess parses vmess://<base64(json)>, padding-tolerant.
func parseVMess(raw string) (*model.Server, error) {
	body := strings.TrimPrefix(raw, "vmess://")
	if idx := strings.IndexByte(body, '#'); idx >= 0 {
		body = body[:idx]
	}

	decoded, err := decodeBase64Tolerant(body)
	if err != nil {
		return nil, fmt.Errorf("vmess: base64: %w", err)
	}

	var v vmessJSON
	if err := json.Unmarshal(decoded, &v); err != nil {
		return nil, fmt.Errorf("vmess: json: %w", err)
	}

	if v.Add == "" {
		return nil, fmt.Errorf("vmess: missing server address")
	}
	if v.ID == "" {
		return nil, fmt.Errorf("vmess: missing id")
	}

	port, err := toInt(v.Port)
	if err != nil || port == 0 {
		return nil, fmt.Errorf("vmess: invalid port")
	}
	if err := validatePort(port); err != nil {
		return nil, fmt.Errorf("vmess: %w", err)
	}
	aid, _ := toInt(v.Aid)

	sec := model.SecurityNone
	if v.TLS == "tls" {
		sec = model.SecurityTLS
	}

	return &model.Server{
		Kind:         model.VMESS,
		Address:      v.Add,
		Port:         port,
		IDOrPassword: v.ID,
		Transport: model.Transport{
			Network:    defaultStr(v.Net, "tcp"),
			Path:       v.Path,
			HostHeader: v.Host,
		},
		Security: sec,
		TLS:      model.TLSInfo{SNI: v.SNI},
		Cipher:   defaultStr(v.Scy, "auto"),
		AlterID:  aid,
		Tag:      v.PS,
	}, nil
}

// parseTrojan parses trojan://<password>@<host>:<port>?<params>#<tag>
func parseTrojan(raw string) (*model.Server, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("trojan: %w", err)
	}

	password := u.User.Username()
	if password == "" {
		return nil, fmt.Errorf("trojan: missing password")
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("trojan: missing host")
	}
	port, err := portOf(u, 443)
	if err != nil {
		return nil, fmt.Errorf("trojan: %w", err)
	}
	if err := validatePort(port); err != nil {
		return nil, fmt.Errorf("trojan: %w", err)
	}

	q := u.Query()
	sec := model.Security(strings.ToLower(defaultStr(q.Get("security"), "tls")))

	return &model.Server{
		Kind:         model.TROJAN,
		Address:      host,
		Port:         port,
		IDOrPassword: password,
		Transport: model.Transport{
			Network:    defaultStr(q.Get("type"), "tcp"),
			Path:       q.Get("path"),
			HostHeader: q.Get("host"),
		},
		Security: sec,
		TLS:      model.TLSInfo{SNI: q.Get("sni"), ALPN: q.Get("alpn")},
		Tag:      unescapeTag(u.Fragment),
	}, nil
}

// parseShadowsocks parses ss://<base64(method:password)>@<host>:<port>#<tag>,
// with legacy tolerance for ss://<base64(method:password@host:port)>.
func parseShadowsocks(raw string) (*model.Server, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("ss: %w", err)
	}

	// Legacy form: the whole userinfo+host+port is base64-packed with no
	// '@' visible to url.Parse, so u.Host/u.User come back empty and the
	// opaque body needs to be decoded wholesale first.
	if u.Host == "" || u.User == nil {
		body := strings.TrimPrefix(raw, "ss://")
		if idx := strings.IndexByte(body, '#'); idx >= 0 {
			body = body[:idx]
		}
		decoded, derr := decodeBase64Tolerant(body)
		if derr != nil {
			return nil, fmt.Errorf("ss: legacy decode: %w", derr)
		}
		return parseShadowsocksLegacy(string(decoded), unescapeTag(u.Fragment))
	}

	host := u.Hostname()
	port, err := portOf(u, 8388)
	if err != nil {
		return nil, fmt.Errorf("ss: %w", err)
	}
	if err := validatePort(port); err != nil {
		return nil, fmt.Errorf("ss: %w", err)
	}

	userinfo := u.User.String()
	decoded, derr := decodeBase64Tolerant(userinfo)
	methodPassword := string(decoded)
	if derr != nil {
		// userinfo may already be method:password in plain form (rare but
		// seen in the wild when producers forget to encode it).
		if pw, ok := u.User.Password(); ok {
			methodPassword = u.User.Username() + ":" + pw
		} else {
			return nil, fmt.Errorf("ss: userinfo decode: %w", derr)
		}
	}

	method, password, ok := strings.Cut(methodPassword, ":")
	if !ok {
		return nil, fmt.Errorf("ss: invalid method:password")
	}

	return &model.Server{
		Kind:         model.SHADOWSOCKS,
		Address:      host,
		Port:         port,
		IDOrPassword: password,
		Cipher:       method,
		Tag:          unescapeTag(u.Fragment),
	}, nil
}

func parseShadowsocksLegacy(decoded, tag string) (*model.Server, error) {
	credentials, hostport, ok := strings.Cut(decoded, "@")
	if !ok {
		return nil, fmt.Errorf("ss: legacy structure invalid")
	}
	method, password, ok := strings.Cut(credentials, ":")
	if !ok {
		return nil, fmt.Errorf("ss: legacy method:password invalid")
	}
	host, portStr, ok := strings.Cut(hostport, ":")
	if !ok {
		return nil, fmt.Errorf("ss: legacy host:port invalid")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("ss: legacy port: %w", err)
	}
	if err := validatePort(port); err != nil {
		return nil, fmt.Errorf("ss: %w", err)
	}
	return &model.Server{
		Kind:         model.SHADOWSOCKS,
		Address:      host,
		Port:         port,
		IDOrPassword: password,
		Cipher:       method,
		Tag:          tag,
	}, nil
}

func portOf(u *url.URL, def int) (int, error) {
	p := u.Port()
	if p == "" {
		return def, nil
	}
	return strconv.Atoi(p)
}

func defaultStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func toInt(v interface{}) (int, error) {
	switch x := v.(type) {
	case float64:
		return int(x), nil
	case string:
		if x == "" {
			return 0, nil
		}
		return strconv.Atoi(x)
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("unexpected numeric type %T", v)
	}
}

// decodeBase64Tolerant tries standard, raw-standard, URL-safe and
// raw-URL-safe base64 alphabets in turn, since subscription producers are
// inconsistent about padding and alphabet.
func decodeBase64Tolerant(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if unescaped, err := url.QueryUnescape(s); err == nil {
		s = unescaped
	}

	decoders := []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	}
	var lastErr error
	for _, enc := range decoders {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		} else {
			lastErr = err
		}
	}
	return nil, lastErr
}

// LooksLikeProxyURI reports whether line begins with a scheme this parser
// understands, without attempting a full parse. Used by the fetcher to
// discard obviously-irrelevant subscription lines cheaply.
func LooksLikeProxyURI(line string) bool {
	for _, scheme := range []string{"vless://", "vmess://", "trojan://", "ss://"} {
		if strings.HasPrefix(line, scheme) {
			return true
		}
	}
	return false
}
