package secrets

import (
	"context"
	"testing"
)

func TestResolveLiteral(t *testing.T) {
	got, err := Resolve(context.Background(), nil, Ref("plain-value"))
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if got != "plain-value" {
		t.Errorf("got %q, want %q", got, "plain-value")
	}
}

func TestResolveVaultRefWithoutClient(t *testing.T) {
	_, err := Resolve(context.Background(), nil, Ref("vault://secret/rpcgate/admin#api_key"))
	if err == nil {
		t.Fatal("expected error: vault ref with no client")
	}
}

func TestParseVaultRef(t *testing.T) {
	cases := []struct {
		in                        string
		mount, path, key, wantErr string
	}{
		{"vault://secret/rpcgate/admin#api_key", "secret", "rpcgate/admin", "api_key", ""},
		{"vault://secret/admin", "", "", "", "err"},
		{"vault://#key", "", "", "", "err"},
	}
	for _, c := range cases {
		mount, path, key, err := parseVaultRef(c.in)
		if c.wantErr != "" {
			if err == nil {
				t.Errorf("parseVaultRef(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseVaultRef(%q): unexpected error: %v", c.in, err)
			continue
		}
		if mount != c.mount || path != c.path || key != c.key {
			t.Errorf("parseVaultRef(%q) = (%q,%q,%q), want (%q,%q,%q)",
				c.in, mount, path, key, c.mount, c.path, c.key)
		}
	}
}
