package xrayconfig

import (
	"encoding/json"
	"strings"
	"testing"

	"proxycache/internal/model"
)

func TestBuild_VLESS_TLS(t *testing.T) {
	server := &model.Server{
		Kind:         model.VLESS,
		Address:      "example.com",
		Port:         443,
		IDOrPassword: "uuid-here",
		Transport:    model.Transport{Network: "tcp"},
		Security:     model.SecurityTLS,
		TLS:          model.TLSInfo{SNI: "example.com", ALPN: "h2,http/1.1"},
		Flow:         "xtls-rprx-vision",
	}

	doc, err := Build(server, 31000)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	if len(doc.Inbounds) != 1 || doc.Inbounds[0].Port != 31000 {
		t.Fatalf("expected one inbound bound to 31000, got %+v", doc.Inbounds)
	}
	if doc.Inbounds[0].Protocol != "socks" {
		t.Errorf("expected socks inbound, got %s", doc.Inbounds[0].Protocol)
	}
	if len(doc.Outbounds) != 1 || doc.Outbounds[0].Protocol != "vless" {
		t.Fatalf("expected one vless outbound, got %+v", doc.Outbounds)
	}
	if doc.Outbounds[0].StreamSettings == nil || doc.Outbounds[0].StreamSettings.Security != "tls" {
		t.Fatalf("expected tls stream settings, got %+v", doc.Outbounds[0].StreamSettings)
	}
	if got := doc.Outbounds[0].StreamSettings.TLS.ALPN; len(got) != 2 || got[0] != "h2" || got[1] != "http/1.1" {
		t.Errorf("expected split ALPN [h2 http/1.1], got %v", got)
	}

	raw, err := doc.Marshal()
	if err != nil {
		t.Fatalf("Marshal returned error: %v", err)
	}
	if !strings.Contains(string(raw), "uuid-here") {
		t.Error("expected marshaled document to contain the server's id")
	}
	var round map[string]interface{}
	if err := json.Unmarshal(raw, &round); err != nil {
		t.Fatalf("marshaled document did not round-trip through json.Unmarshal: %v", err)
	}
}

func TestBuild_Shadowsocks_NoStreamSettings(t *testing.T) {
	server := &model.Server{
		Kind:         model.SHADOWSOCKS,
		Address:      "example.com",
		Port:         8388,
		IDOrPassword: "pw",
		Cipher:       "aes-256-gcm",
	}
	doc, err := Build(server, 31001)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	if doc.Outbounds[0].Protocol != "shadowsocks" {
		t.Errorf("expected shadowsocks outbound, got %s", doc.Outbounds[0].Protocol)
	}
	if doc.Outbounds[0].StreamSettings != nil {
		t.Errorf("expected no stream settings for shadowsocks, got %+v", doc.Outbounds[0].StreamSettings)
	}
}

func TestBuild_UnsupportedKind(t *testing.T) {
	server := &model.Server{Kind: model.Kind("unknown")}
	if _, err := Build(server, 31002); err == nil {
		t.Fatal("expected error for unsupported kind")
	}
}

func TestBuild_GRPCTransport(t *testing.T) {
	server := &model.Server{
		Kind:         model.VMESS,
		Address:      "example.com",
		Port:         443,
		IDOrPassword: "uuid",
		Transport:    model.Transport{Network: "grpc", ServiceName: "my-service"},
	}
	doc, err := Build(server, 31003)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	ss := doc.Outbounds[0].StreamSettings
	if ss == nil || ss.GRPC == nil || ss.GRPC.ServiceName != "my-service" {
		t.Fatalf("expected grpc stream settings with service name, got %+v", ss)
	}
}
