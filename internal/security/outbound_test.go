package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewOutboundGuard(t *testing.T) {
	if NewOutboundGuard() == nil {
		t.Fatal("NewOutboundGuard() returned nil")
	}
}

// TestNewSafeClientTimeout はタイムアウト設定が反映されることをテストする。
func TestNewSafeClientTimeout(t *testing.T) {
	client := NewOutboundGuard().NewSafeClient(5 * time.Second)
	if client.Timeout != 5*time.Second {
		t.Errorf("expected timeout %v, got %v", 5*time.Second, client.Timeout)
	}
	if client.Transport == nil || client.Transport == http.DefaultTransport {
		t.Fatal("expected custom Transport")
	}
}

// TestNewSafeClientBlocksLoopback はhttptestサーバー（127.0.0.1）への接続が拒否されることをテストする。
func TestNewSafeClientBlocksLoopback(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewOutboundGuard().NewSafeClient(5 * time.Second)
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, ts.URL, nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	resp, err := client.Do(req)
	if err == nil {
		resp.Body.Close()
		t.Fatal("ループバックへのリクエストがブロックされなかった")
	}
}

func TestValidateEndpoint(t *testing.T) {
	guard := NewOutboundGuard()
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"https公開ホスト", "https://api.twitter.com", false},
		{"httpは拒否", "http://api.twitter.com", true},
		{"空URL", "", true},
		{"ホストなし", "https://", true},
		{"localhost", "https://localhost/1.1", true},
		{"プライベートIP", "https://10.0.0.1", true},
		{"メタデータIP", "https://169.254.169.254/latest", true},
		{"IPv6ループバック", "https://[::1]", true},
		{"公開IP", "https://8.8.8.8", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := guard.ValidateEndpoint(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateEndpoint(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}
