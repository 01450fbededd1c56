package config

import (
	"strings"
	"testing"
)

func TestParseICEServersJSON(t *testing.T) {
	servers, err := parseICEServersJSON(`[
		{"urls": "stun:stun.l.google.com:19302"},
		{"urls": ["turn:turn.example.com:3478"], "username": "u", "credential": "c"}
	]`, false)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("len=%d, want 2", len(servers))
	}
	if servers[0].URLs[0] != "stun:stun.l.google.com:19302" {
		t.Fatalf("urls[0]=%q", servers[0].URLs[0])
	}
	if servers[1].Username != "u" {
		t.Fatalf("username=%q", servers[1].Username)
	}
}

func TestParseICEServersJSON_TURNRequiresCredentials(t *testing.T) {
	_, err := parseICEServersJSON(`[{"urls": "turn:turn.example.com:3478"}]`, false)
	if err == nil {
		t.Fatalf("expected error for turn without credentials")
	}
	if !strings.Contains(err.Error(), "username") {
		t.Fatalf("err=%v", err)
	}

	// With TURN REST, credentials are injected per /webrtc/ice request, so bare
	// TURN entries are valid.
	servers, err := parseICEServersJSON(`[{"urls": "turn:turn.example.com:3478"}]`, true)
	if err != nil {
		t.Fatalf("parse with turn rest: %v", err)
	}
	if len(servers) != 1 {
		t.Fatalf("len=%d, want 1", len(servers))
	}
}

func TestParseICEServersJSON_RejectsUnknownScheme(t *testing.T) {
	_, err := parseICEServersJSON(`[{"urls": "https://example.com"}]`, false)
	if err == nil {
		t.Fatalf("expected error for non-ICE url scheme")
	}
}

func TestParseICEServersFromConvenienceEnv(t *testing.T) {
	servers, err := parseICEServersFromConvenienceEnv(
		"stun:stun1.example.com, stun:stun2.example.com",
		"turn:turn.example.com:3478",
		"user", "pass", false,
	)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("len=%d, want 2", len(servers))
	}
	if len(servers[0].URLs) != 2 {
		t.Fatalf("stun urls=%v", servers[0].URLs)
	}
	if cred, _ := servers[1].Credential.(string); cred != "pass" {
		t.Fatalf("credential=%v", servers[1].Credential)
	}
}

func TestParseICEServersFromConvenienceEnv_TURNNeedsBothCreds(t *testing.T) {
	_, err := parseICEServersFromConvenienceEnv("", "turn:turn.example.com:3478", "user", "", false)
	if err == nil {
		t.Fatalf("expected error when only username set")
	}
}

func TestStringOrStringSlice(t *testing.T) {
	var s stringOrStringSlice
	if err := s.UnmarshalJSON([]byte(`"stun:x"`)); err != nil {
		t.Fatalf("single: %v", err)
	}
	if len(s) != 1 || s[0] != "stun:x" {
		t.Fatalf("s=%v", s)
	}
	if err := s.UnmarshalJSON([]byte(`["stun:a","stun:b"]`)); err != nil {
		t.Fatalf("slice: %v", err)
	}
	if len(s) != 2 {
		t.Fatalf("s=%v", s)
	}
	if err := s.UnmarshalJSON([]byte(`42`)); err == nil {
		t.Fatalf("expected error for number")
	}
}
