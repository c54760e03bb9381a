// Package xrayconfig synthesizes the minimal Xray configuration document
// that binds a loopback SOCKS5 inbound to one model.Server's outbound.
package xrayconfig

import (
	"encoding/json"
	"fmt"

	"proxycache/internal/model"
)

// Document is the JSON document handed to the Xray subprocess on stdin.
type Document struct {
	Log       logConfig        `json:"log"`
	Inbounds  []inboundConfig  `json:"inbounds"`
	Outbounds []outboundConfig `json:"outbounds"`
}

type logConfig struct {
	LogLevel string `json:"loglevel"`
}

type inboundConfig struct {
	Tag      string         `json:"tag"`
	Listen   string         `json:"listen"`
	Port     int            `json:"port"`
	Protocol string         `json:"protocol"`
	Settings socksInSetting `json:"settings"`
}

type socksInSetting struct {
	Auth string `json:"auth"`
	UDP  bool   `json:"udp"`
}

type outboundConfig struct {
	Tag            string          `json:"tag"`
	Protocol       string          `json:"protocol"`
	Settings       json.RawMessage `json:"settings"`
	StreamSettings *streamSettings `json:"streamSettings,omitempty"`
}

type streamSettings struct {
	Network  string           `json:"network"`
	Security string           `json:"security,omitempty"`
	TLS      *tlsSettings     `json:"tlsSettings,omitempty"`
	Reality  *realitySettings `json:"realitySettings,omitempty"`
	WS       *wsSettings      `json:"wsSettings,omitempty"`
	GRPC     *grpcSettings    `json:"grpcSettings,omitempty"`
}

type tlsSettings struct {
	ServerName    string   `json:"serverName,omitempty"`
	Fingerprint   string   `json:"fingerprint,omitempty"`
	ALPN          []string `json:"alpn,omitempty"`
	AllowInsecure bool     `json:"allowInsecure,omitempty"`
}

type realitySettings struct {
	ServerName  string `json:"serverName,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	PublicKey   string `json:"publicKey,omitempty"`
	ShortID     string `json:"shortId,omitempty"`
	SpiderX     string `json:"spiderX,omitempty"`
}

type wsSettings struct {
	Path    string            `json:"path,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type grpcSettings struct {
	ServiceName string `json:"serviceName,omitempty"`
}

// Build produces the self-contained config document for probing server
// through a local SOCKS5 inbound bound to 127.0.0.1:socksPort.
//
// The outbound branch is a tagged switch over model.Kind, per the "dynamic
// config generation" design note. Transport-specific settings are emitted
// for ws (path, Host header) and grpc (service name); for h2 only the
// network name is emitted, and its path and host are not.
func Build(server *model.Server, socksPort int) (*Document, error) {
	outbound, err := buildOutbound(server)
	if err != nil {
		return nil, err
	}

	doc := &Document{
		Log: logConfig{LogLevel: "none"},
		Inbounds: []inboundConfig{{
			Tag:      "probe-in",
			Listen:   "127.0.0.1",
			Port:     socksPort,
			Protocol: "socks",
			Settings: socksInSetting{Auth: "noauth", UDP: false},
		}},
		Outbounds: []outboundConfig{*outbound},
	}
	return doc, nil
}

// Marshal renders the document as the JSON bytes to feed to the subprocess.
func (d *Document) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

func buildOutbound(server *model.Server) (*outboundConfig, error) {
	switch server.Kind {
	case model.VLESS:
		return buildVLESSOutbound(server)
	case model.VMESS:
		return buildVMessOutbound(server)
	case model.TROJAN:
		return buildTrojanOutbound(server)
	case model.SHADOWSOCKS:
		return buildShadowsocksOutbound(server)
	default:
		return nil, fmt.Errorf("xrayconfig: unsupported kind %q", server.Kind)
	}
}

func buildVLESSOutbound(server *model.Server) (*outboundConfig, error) {
	settings := map[string]interface{}{
		"vnext": []map[string]interface{}{{
			"address": server.Address,
			"port":    server.Port,
			"users": []map[string]interface{}{{
				"id":         server.IDOrPassword,
				"encryption": "none",
				"flow":       server.Flow,
			}},
		}},
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return nil, err
	}
	return &outboundConfig{
		Tag:            "probe-out",
		Protocol:       "vless",
		Settings:       raw,
		StreamSettings: buildStreamSettings(server),
	}, nil
}

func buildVMessOutbound(server *model.Server) (*outboundConfig, error) {
	settings := map[string]interface{}{
		"vnext": []map[string]interface{}{{
			"address": server.Address,
			"port":    server.Port,
			"users": []map[string]interface{}{{
				"id":       server.IDOrPassword,
				"alterId":  server.AlterID,
				"security": valueOr(server.Cipher, "auto"),
			}},
		}},
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return nil, err
	}
	return &outboundConfig{
		Tag:            "probe-out",
		Protocol:       "vmess",
		Settings:       raw,
		StreamSettings: buildStreamSettings(server),
	}, nil
}

func buildTrojanOutbound(server *model.Server) (*outboundConfig, error) {
	settings := map[string]interface{}{
		"servers": []map[string]interface{}{{
			"address":  server.Address,
			"port":     server.Port,
			"password": server.IDOrPassword,
		}},
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return nil, err
	}
	return &outboundConfig{
		Tag:            "probe-out",
		Protocol:       "trojan",
		Settings:       raw,
		StreamSettings: buildStreamSettings(server),
	}, nil
}

func buildShadowsocksOutbound(server *model.Server) (*outboundConfig, error) {
	settings := map[string]interface{}{
		"servers": []map[string]interface{}{{
			"address":  server.Address,
			"port":     server.Port,
			"method":   server.Cipher,
			"password": server.IDOrPassword,
		}},
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return nil, err
	}
	return &outboundConfig{
		Tag:      "probe-out",
		Protocol: "shadowsocks",
		Settings: raw,
	}, nil
}

func buildStreamSettings(server *model.Server) *streamSettings {
	network := valueOr(server.Transport.Network, "tcp")
	ss := &streamSettings{Network: network}

	switch server.Security {
	case model.SecurityTLS:
		ss.Security = "tls"
		ss.TLS = &tlsSettings{
			ServerName:  server.TLS.SNI,
			Fingerprint: server.TLS.Fingerprint,
			ALPN:        splitALPN(server.TLS.ALPN),
		}
	case model.SecurityReality:
		ss.Security = "reality"
		ss.Reality = &realitySettings{
			ServerName:  server.TLS.SNI,
			Fingerprint: server.TLS.Fingerprint,
			PublicKey:   server.TLS.PublicKey,
			ShortID:     server.TLS.ShortID,
			SpiderX:     server.TLS.SpiderX,
		}
	}

	switch network {
	case "ws":
		ss.WS = &wsSettings{Path: server.Transport.Path}
		if server.Transport.HostHeader != "" {
			ss.WS.Headers = map[string]string{"Host": server.Transport.HostHeader}
		}
	case "grpc":
		ss.GRPC = &grpcSettings{ServiceName: server.Transport.ServiceName}
	}

	if ss.Security == "" && ss.WS == nil && ss.GRPC == nil && network == "tcp" {
		// Plain tcp/none is still worth emitting explicitly so the
		// document never depends on Xray's own defaults.
		return ss
	}
	return ss
}

func splitALPN(alpn string) []string {
	if alpn == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(alpn); i++ {
		if i == len(alpn) || alpn[i] == ',' {
			if i > start {
				out = append(out, alpn[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func valueOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
