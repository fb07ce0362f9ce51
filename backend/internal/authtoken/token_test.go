package authtoken

import (
	"testing"
	"time"
)

func TestSignAndParse(t *testing.T) {
	token, _, err := SignInviteToken("s1", "u1", "Alice", true, time.Minute)
	if err != nil {
		t.Fatalf("SignInviteToken() error = %v", err)
	}
	claims, err := ParseInviteToken(token)
	if err != nil {
		t.Fatalf("ParseInviteToken() error = %v", err)
	}
	if claims.SessionID != "s1" || claims.UserID != "u1" || claims.Username != "Alice" || !claims.Owner {
		t.Fatalf("claims = %+v", claims)
	}
	if claims.Type != "invite" {
		t.Fatalf("Type = %q, want invite", claims.Type)
	}
}

func TestParseRejectsExpired(t *testing.T) {
	token, _, err := SignInviteToken("s1", "u1", "Alice", false, -time.Minute)
	if err != nil {
		t.Fatalf("SignInviteToken() error = %v", err)
	}
	if _, err := ParseInviteToken(token); err == nil {
		t.Fatal("过期令牌应被拒绝")
	}
	// refresh 路径：过期但签名有效的令牌仍然可解析
	claims, err := ParseAllowExpired(token)
	if err != nil {
		t.Fatalf("ParseAllowExpired() error = %v", err)
	}
	if claims.SessionID != "s1" {
		t.Fatalf("SessionID = %q, want s1", claims.SessionID)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := ParseInviteToken("not-a-jwt"); err == nil {
		t.Fatal("垃圾输入应报错")
	}
}

func TestPeekSessionID(t *testing.T) {
	token, _, err := SignInviteToken("s9", "u1", "Alice", false, time.Minute)
	if err != nil {
		t.Fatalf("SignInviteToken() error = %v", err)
	}
	if got := PeekSessionID(token); got != "s9" {
		t.Fatalf("PeekSessionID() = %q, want s9", got)
	}
	if got := PeekSessionID("junk"); got != "" {
		t.Fatalf("PeekSessionID(junk) = %q, want 空", got)
	}
}
