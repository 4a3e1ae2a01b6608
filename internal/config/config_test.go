package config

import (
	"strings"
	"testing"
	"time"
)

const testSecret = "a-test-secret-of-at-least-32-characters"

// Tests use t.Setenv, so none of them may run in parallel.

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ServerPort != 8081 {
		t.Errorf("ServerPort = %d, want 8081", cfg.ServerPort)
	}
	if cfg.HeartbeatIntervalMS != 41250 {
		t.Errorf("HeartbeatIntervalMS = %d, want 41250", cfg.HeartbeatIntervalMS)
	}
	if cfg.PingInterval != 30*time.Second {
		t.Errorf("PingInterval = %v, want 30s", cfg.PingInterval)
	}
	if cfg.SessionTTL != 10*time.Minute {
		t.Errorf("SessionTTL = %v, want 10m", cfg.SessionTTL)
	}
	if cfg.ResumeWindow != 3*time.Minute {
		t.Errorf("ResumeWindow = %v, want 3m", cfg.ResumeWindow)
	}
	if cfg.ResumeBufferMax != 100 {
		t.Errorf("ResumeBufferMax = %d, want 100", cfg.ResumeBufferMax)
	}
	if cfg.MaxConnections != 10000 {
		t.Errorf("MaxConnections = %d, want 10000", cfg.MaxConnections)
	}
	if cfg.OfflineGrace != 8*time.Second {
		t.Errorf("OfflineGrace = %v, want 8s", cfg.OfflineGrace)
	}
	if cfg.PrivilegedIntents != 0 {
		t.Errorf("PrivilegedIntents = %d, want 0", cfg.PrivilegedIntents)
	}
	if cfg.IsDevelopment() {
		t.Error("IsDevelopment() = true with default SERVER_ENV")
	}
	if cfg.VoiceConfigured() {
		t.Error("VoiceConfigured() = true with no VOICE_SERVICE_URL")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("GATEWAY_HEARTBEAT_INTERVAL_MS", "20000")
	t.Setenv("GATEWAY_RESUME_BUFFER_MAX", "250")
	t.Setenv("GATEWAY_PRIVILEGED_INTENTS", "98304")
	t.Setenv("GATEWAY_OFFLINE_GRACE", "15s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HeartbeatIntervalMS != 20000 {
		t.Errorf("HeartbeatIntervalMS = %d, want 20000", cfg.HeartbeatIntervalMS)
	}
	if cfg.ResumeBufferMax != 250 {
		t.Errorf("ResumeBufferMax = %d, want 250", cfg.ResumeBufferMax)
	}
	if cfg.PrivilegedIntents != 98304 {
		t.Errorf("PrivilegedIntents = %d, want 98304", cfg.PrivilegedIntents)
	}
	if cfg.OfflineGrace != 15*time.Second {
		t.Errorf("OfflineGrace = %v, want 15s", cfg.OfflineGrace)
	}
}

func TestLoadDevelopmentServerURL(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("SERVER_ENV", "development")
	t.Setenv("SERVER_PORT", "9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ServerURL != "http://localhost:9090" {
		t.Errorf("ServerURL = %q, want http://localhost:9090", cfg.ServerURL)
	}
}

func TestLoadCollectsParseErrors(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("SERVER_PORT", "not-a-number")
	t.Setenv("GATEWAY_PING_INTERVAL", "not-a-duration")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() error = nil, want parse errors")
	}
	msg := err.Error()
	if !strings.Contains(msg, "SERVER_PORT") {
		t.Errorf("error %q does not mention SERVER_PORT", msg)
	}
	if !strings.Contains(msg, "GATEWAY_PING_INTERVAL") {
		t.Errorf("error %q does not mention GATEWAY_PING_INTERVAL", msg)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing jwt secret", map[string]string{}, "JWT_SECRET is required"},
		{"short jwt secret", map[string]string{"JWT_SECRET": "short"}, "at least 32 characters"},
		{"bad port", map[string]string{"JWT_SECRET": testSecret, "SERVER_PORT": "70000"}, "SERVER_PORT"},
		{"zero buffer", map[string]string{"JWT_SECRET": testSecret, "GATEWAY_RESUME_BUFFER_MAX": "0"}, "GATEWAY_RESUME_BUFFER_MAX"},
		{"min over max conns", map[string]string{"JWT_SECRET": testSecret, "DATABASE_MIN_CONNS": "50", "DATABASE_MAX_CONNS": "10"}, "DATABASE_MIN_CONNS"},
		{"voice url without key", map[string]string{"JWT_SECRET": testSecret, "VOICE_SERVICE_URL": "http://voice:8090"}, "VOICE_SERVICE_KEY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("Load() error = nil, want validation failure")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want mention of %q", err, tt.want)
			}
		})
	}
}
