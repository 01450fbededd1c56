package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func noEnv(string) (string, bool) { return "", false }

func TestDefaultsDev(t *testing.T) {
	cfg, err := load(noEnv, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeDev)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("listenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.AuthMode != AuthModeNone {
		t.Fatalf("authMode=%q, want %q", cfg.AuthMode, AuthModeNone)
	}
	if !cfg.KickEnforcement {
		t.Fatalf("KickEnforcement=false, want true by default")
	}
	if cfg.RoomCodeLength != DefaultRoomCodeLength {
		t.Fatalf("RoomCodeLength=%d, want %d", cfg.RoomCodeLength, DefaultRoomCodeLength)
	}
	if cfg.ChatHistoryCap != DefaultChatHistoryCap {
		t.Fatalf("ChatHistoryCap=%d, want %d", cfg.ChatHistoryCap, DefaultChatHistoryCap)
	}
	if cfg.MaxSignalingMessageBytes != DefaultMaxSignalingMessageBytes {
		t.Fatalf("MaxSignalingMessageBytes=%d, want %d", cfg.MaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	}
	if cfg.MaxConnections != 0 {
		t.Fatalf("MaxConnections=%d, want 0 (unlimited)", cfg.MaxConnections)
	}
	if cfg.RedisURL != "" {
		t.Fatalf("RedisURL=%q, want empty", cfg.RedisURL)
	}
	if cfg.ICEConfigError() != nil {
		t.Fatalf("unexpected ICE config error: %v", cfg.ICEConfigError())
	}
}

func TestDefaultsProdWhenModeFlagSet(t *testing.T) {
	cfg, err := load(noEnv, []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeProd {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeProd)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatJSON)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("logLevel=%v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
}

func TestLogFormatExplicitOverride(t *testing.T) {
	cfg, err := load(noEnv, []string{"--mode", "prod", "--log-format", "text"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
}

func TestEnvProvidesFlagDefaults(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarListenAddr:             "0.0.0.0:9090",
		envVarSignalingWSIdleTimeout: "90s",
		envVarMaxConnections:         "200",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:9090" {
		t.Fatalf("listenAddr=%q", cfg.ListenAddr)
	}
	if cfg.SignalingWSIdleTimeout != 90*time.Second {
		t.Fatalf("idleTimeout=%v", cfg.SignalingWSIdleTimeout)
	}
	if cfg.MaxConnections != 200 {
		t.Fatalf("MaxConnections=%d", cfg.MaxConnections)
	}
}

func TestFlagOverridesEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarListenAddr: "0.0.0.0:9090",
	}), []string{"--listen-addr", "127.0.0.1:7070"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:7070" {
		t.Fatalf("listenAddr=%q, want flag value", cfg.ListenAddr)
	}
}

func TestPingIntervalMustBeBelowIdleTimeout(t *testing.T) {
	_, err := load(noEnv, []string{
		"--signaling-ws-ping-interval", "60s",
		"--signaling-ws-idle-timeout", "30s",
	})
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "must be <") {
		t.Fatalf("err=%v", err)
	}
}

func TestAuthModeAPIKeyRequiresKey(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		envVarAuthMode: "api_key",
	}), nil)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(err.Error(), envVarAPIKey) {
		t.Fatalf("err=%v, expected mention of %s", err, envVarAPIKey)
	}

	cfg, err := load(lookupMap(map[string]string{
		envVarAuthMode: "api_key",
		envVarAPIKey:   "secret",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AuthMode != AuthModeAPIKey || cfg.APIKey != "secret" {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestAuthModeJWTRequiresSecret(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		envVarAuthMode: "jwt",
	}), nil)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(err.Error(), envVarJWTSecret) {
		t.Fatalf("err=%v", err)
	}
}

func TestInvalidAuthMode(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		envVarAuthMode: "mtls",
	}), nil)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
}

func TestRoomCodeLengthBounds(t *testing.T) {
	for _, bad := range []string{"3", "33", "0", "-1"} {
		if _, err := load(lookupMap(map[string]string{envVarRoomCodeLength: bad}), nil); err == nil {
			t.Fatalf("expected error for room code length %s", bad)
		}
	}
	cfg, err := load(lookupMap(map[string]string{envVarRoomCodeLength: "6"}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RoomCodeLength != 6 {
		t.Fatalf("RoomCodeLength=%d", cfg.RoomCodeLength)
	}
}

func TestInvalidRedisURLRejected(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		envVarRedisURL: "http://not-redis",
	}), nil)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
}

func TestRedisURLAccepted(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarRedisURL: "redis://localhost:6379/0",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RedisURL != "redis://localhost:6379/0" {
		t.Fatalf("RedisURL=%q", cfg.RedisURL)
	}
}

func TestTURNRESTPrefixMustNotContainColon(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		envVarTURNRESTSharedSecret:   "s3cret",
		envVarTURNRESTUsernamePrefix: "a:b",
	}), nil)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
}

func TestAllowedOriginsParsing(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarAllowedOrigins: "https://meet.example.com, https://Example.COM:443 ,*",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := []string{"https://meet.example.com", "https://example.com", "*"}
	if len(cfg.AllowedOrigins) != len(want) {
		t.Fatalf("allowedOrigins=%v, want %v", cfg.AllowedOrigins, want)
	}
	for i := range want {
		if cfg.AllowedOrigins[i] != want[i] {
			t.Fatalf("allowedOrigins[%d]=%q, want %q", i, cfg.AllowedOrigins[i], want[i])
		}
	}
}

func TestInvalidAllowedOrigin(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		envVarAllowedOrigins: "example.com",
	}), nil)
	if err == nil {
		t.Fatalf("expected error for schemeless origin")
	}
}

func TestICEConfigErrorDeferred(t *testing.T) {
	// A bad ICE config must not fail startup; it surfaces via ICEConfigError so
	// /readyz and /webrtc/ice can report it.
	cfg, err := load(lookupMap(map[string]string{
		envICEServersJSON: "not-json",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected deferred ICE config error")
	}
}

func TestKickEnforcementOptOut(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarKickEnforcement: "false",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.KickEnforcement {
		t.Fatalf("KickEnforcement=true, want false")
	}
}
