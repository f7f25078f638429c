package netid

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientIPHeaderPrecedence(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Real-IP", "9.9.9.9")
	r.Header.Set("True-Client-IP", "1.2.3.4")
	r.RemoteAddr = "5.5.5.5:1234"

	if got := ClientIP(r); got != "1.2.3.4" {
		t.Errorf("ClientIP() = %q, want 1.2.3.4", got)
	}
}

func TestClientIPFallsBackToRemoteAddr(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "8.8.8.8:443"

	if got := ClientIP(r); got != "8.8.8.8" {
		t.Errorf("ClientIP() = %q, want 8.8.8.8", got)
	}
}

func TestClientIPUnknown(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = ""
	if got := ClientIP(r); got != Unknown {
		t.Errorf("ClientIP() = %q, want %q", got, Unknown)
	}
}

func TestClientIPStripsV4Mapped(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Real-IP", "::ffff:192.0.2.1")
	if got := ClientIP(r); got != "192.0.2.1" {
		t.Errorf("ClientIP() = %q, want 192.0.2.1", got)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		origin string
		want   Class
	}{
		{"", LocalLike},
		{"https://example.com", Public},
		{"https://a.test", Public},
		{"http://localhost", LocalLike},
		{"http://localhost:3000", LocalLike},
		{"https://example.com:8443", LocalLike},
		{"http://10.0.0.5", LocalLike},
		{"http://172.16.5.5", LocalLike},
		{"http://192.168.1.1", LocalLike},
		{"http://127.0.0.1", LocalLike},
		{"http://[::1]", LocalLike},
		{"https://foo.internal", LocalLike},
		{"https://foo.lan", LocalLike},
		{"chrome-extension://abcdefg", LocalLike},
		{"file:///etc/passwd", LocalLike},
		{"https://-bad.com", LocalLike},
		{"https://bad-.com", LocalLike},
		{"https://toolong" + string(make([]byte, 64)) + ".com", LocalLike},
		{"https://8.8.8.8", Public},
	}
	for _, c := range cases {
		if got := Classify(c.origin); got != c.want {
			t.Errorf("Classify(%q) = %v, want %v", c.origin, got, c.want)
		}
	}
}

func TestClassifyIdempotent(t *testing.T) {
	for _, origin := range []string{"https://example.com", "http://localhost", "", "https://a.test"} {
		first := Classify(origin)
		second := Classify(origin)
		if first != second {
			t.Errorf("Classify(%q) not stable: %v then %v", origin, first, second)
		}
	}
}
