package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPreferredLocale(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"de-DE,de;q=0.9,en;q=0.8", "de-DE"},
		{"*;q=0.5, fr", "fr"},
		{"en-US;q=0.7", "en-US"},
		{"<script>, es-419", "es-419"},
	}
	for _, tt := range tests {
		if got := PreferredLocale(tt.header); got != tt.want {
			t.Errorf("PreferredLocale(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestMiddlewareIssuesCookie(t *testing.T) {
	var gotID, gotLocale string
	h := Middleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = ClientIDFromContext(r.Context())
		gotLocale = LocaleFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Language", "pt-BR,pt;q=0.9")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !isValidAnonID(gotID) {
		t.Fatalf("client id %q is not a valid anonymous id", gotID)
	}
	if gotLocale != "pt-BR" {
		t.Errorf("locale = %q, want pt-BR", gotLocale)
	}

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != AnonCookieName || cookies[0].Value != gotID {
		t.Fatalf("unexpected cookies: %+v", cookies)
	}
	if cookies[0].Secure {
		t.Error("cookie should not be Secure in development")
	}
}

func TestMiddlewareKeepsExistingCookie(t *testing.T) {
	existing := "anon_0123456789abcdef0123456789abcdef"
	var gotID string
	h := Middleware(false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = ClientIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: existing})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if gotID != existing {
		t.Errorf("client id = %q, want %q", gotID, existing)
	}
	if c := rec.Result().Cookies(); len(c) != 1 || !c[0].Secure {
		t.Errorf("expected a refreshed Secure cookie, got %+v", c)
	}
}

func TestMiddlewareReplacesForgedCookie(t *testing.T) {
	var gotID string
	h := Middleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = ClientIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: "anon_../../etc"})
	h.ServeHTTP(httptest.NewRecorder(), req)

	if gotID == "anon_../../etc" || !isValidAnonID(gotID) {
		t.Errorf("forged cookie was accepted: %q", gotID)
	}
}

func TestIPFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.7:5555"
	if got := IPFromRequest(req); got != "203.0.113.7" {
		t.Errorf("IPFromRequest = %q", got)
	}
}
