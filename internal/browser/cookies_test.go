package browser

import (
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
)

func TestFromNetworkCookies(t *testing.T) {
	raw := []*network.Cookie{
		{Name: "auth_token", Value: "abc", Domain: ".x.com", Path: "/", Expires: 1900000000, HTTPOnly: true, Secure: true, SameSite: network.CookieSameSiteLax},
		{Name: "guest", Value: "1", Domain: ".x.com", Path: "/", Expires: -1, Session: true},
		nil,
	}
	got := fromNetworkCookies(raw)
	if len(got) != 2 {
		t.Fatalf("expected 2 cookies, got %d", len(got))
	}
	if got[0].SameSite != "Lax" || !got[0].HTTPOnly || got[0].Expires != 1900000000 {
		t.Errorf("unexpected first cookie: %+v", got[0])
	}
	if got[1].Expires != 0 {
		t.Errorf("session cookie should carry no expiry, got %v", got[1].Expires)
	}
}

func TestToCookieParams(t *testing.T) {
	params := toCookieParams([]Cookie{
		{Name: "ct0", Value: "v", Domain: ".x.com", Path: "/", Expires: 1900000000.5, SameSite: "Strict"},
		{Name: "s", Value: "v", Domain: ".x.com", Path: "/"},
	})
	if len(params) != 2 {
		t.Fatalf("expected 2 params, got %d", len(params))
	}
	if params[0].Expires == nil {
		t.Fatal("expected expiry on persistent cookie")
	}
	if got := params[0].Expires.Time().Unix(); got != 1900000000 {
		t.Errorf("expiry = %d, want 1900000000", got)
	}
	if params[0].SameSite != network.CookieSameSiteStrict {
		t.Errorf("sameSite = %v, want Strict", params[0].SameSite)
	}
	if params[1].Expires != nil {
		t.Error("session cookie should not get an expiry")
	}
}

func TestExpiredAt(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	tests := []struct {
		name    string
		cookies []Cookie
		want    bool
	}{
		{"empty", nil, true},
		{"all past", []Cookie{{Expires: 1_700_000_000}, {Expires: 1_799_999_999}}, true},
		{"one future", []Cookie{{Expires: 1_700_000_000}, {Expires: 1_900_000_000}}, false},
		{"session cookie", []Cookie{{Expires: 0}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExpiredAt(tt.cookies, now); got != tt.want {
				t.Errorf("ExpiredAt() = %v, want %v", got, tt.want)
			}
		})
	}
}
