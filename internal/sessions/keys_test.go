package sessions

import (
	"testing"

	"github.com/haasonsaas/relay/pkg/models"
)

func TestBuildSessionKey(t *testing.T) {
	t.Run("dm peer key is lowercased and stable", func(t *testing.T) {
		params := KeyParams{
			AgentID: "coder",
			Channel: "TELEGRAM",
			Peer:    &models.Peer{Kind: models.PeerDM, ID: "123"},
		}
		got := BuildSessionKey(params)
		want := "coder|telegram||dm|123|main"
		if got != want {
			t.Errorf("key = %q, want %q", got, want)
		}
		if again := BuildSessionKey(params); again != got {
			t.Errorf("derivation not stable: %q vs %q", again, got)
		}
	})

	t.Run("peerless key keeps empty peer slots", func(t *testing.T) {
		got := BuildSessionKey(KeyParams{
			AgentID:   "main",
			Channel:   "slack",
			AccountID: "acct7",
		})
		want := "main|slack|acct7||||main"
		if got != want {
			t.Errorf("key = %q, want %q", got, want)
		}
	})

	t.Run("identity link rewrites peer id", func(t *testing.T) {
		got := BuildSessionKey(KeyParams{
			AgentID: "main",
			Channel: "discord",
			Peer:    &models.Peer{Kind: models.PeerDM, ID: "9001"},
			IdentityLinks: map[string][]string{
				"alice": {"discord:9001", "telegram:123"},
			},
			DMScope: "per-peer",
		})
		want := "main|discord||dm|alice|per-peer"
		if got != want {
			t.Errorf("key = %q, want %q", got, want)
		}
	})

	t.Run("ids preserve case only until final lowering", func(t *testing.T) {
		got := BuildSessionKey(KeyParams{
			AgentID: "Main",
			Channel: "Slack",
			Peer:    &models.Peer{Kind: models.PeerGroup, ID: "C042AB"},
		})
		want := "main|slack||group|c042ab|main"
		if got != want {
			t.Errorf("key = %q, want %q", got, want)
		}
	})
}

func TestResolveLinkedPeerID(t *testing.T) {
	links := map[string][]string{
		"alice": {"telegram:123", "456"},
		"bob":   {"slack:U99"},
	}

	t.Run("channel-scoped match", func(t *testing.T) {
		if got := ResolveLinkedPeerID(links, "telegram", "123"); got != "alice" {
			t.Errorf("got %q, want alice", got)
		}
	})

	t.Run("bare id match", func(t *testing.T) {
		if got := ResolveLinkedPeerID(links, "discord", "456"); got != "alice" {
			t.Errorf("got %q, want alice", got)
		}
	})

	t.Run("no match", func(t *testing.T) {
		if got := ResolveLinkedPeerID(links, "telegram", "999"); got != "" {
			t.Errorf("got %q, want empty", got)
		}
	})

	t.Run("nil links", func(t *testing.T) {
		if got := ResolveLinkedPeerID(nil, "telegram", "123"); got != "" {
			t.Errorf("got %q, want empty", got)
		}
	})

	t.Run("contested id resolves deterministically", func(t *testing.T) {
		contested := map[string][]string{
			"dave":  {"telegram:777"},
			"bob":   {"telegram:777"},
			"alice": {"telegram:777"},
			"carol": {"telegram:777"},
		}
		for i := 0; i < 2000; i++ {
			if got := ResolveLinkedPeerID(contested, "telegram", "777"); got != "alice" {
				t.Fatalf("iteration %d resolved %q, want alice", i, got)
			}
		}
	})
}

func TestBuildSessionKeyStableWithContestedLinks(t *testing.T) {
	params := KeyParams{
		AgentID: "main",
		Channel: "telegram",
		Peer:    &models.Peer{Kind: models.PeerDM, ID: "777"},
		IdentityLinks: map[string][]string{
			"alice": {"telegram:777"},
			"bob":   {"telegram:777"},
		},
	}
	want := BuildSessionKey(params)
	for i := 0; i < 2000; i++ {
		if got := BuildSessionKey(params); got != want {
			t.Fatalf("iteration %d produced %q, want %q", i, got, want)
		}
	}
	if want != "main|telegram||dm|alice|main" {
		t.Errorf("key = %q, want alice alias", want)
	}
}

func TestSafeFileKey(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"coder|telegram||dm|123|main", "coder_telegram_dm_123_main"},
		{"", "unknown"},
		{"Already-safe_key.v1", "already-safe_key.v1"},
	}
	for _, tc := range cases {
		if got := SafeFileKey(tc.in); got != tc.want {
			t.Errorf("SafeFileKey(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
