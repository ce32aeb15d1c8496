package routing

import (
	"testing"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/pkg/models"
)

func testConfig(bindings ...config.BindingRule) *config.Config {
	cfg := &config.Config{Bindings: bindings}
	cfg.ApplyDefaults()
	return cfg
}

func TestResolvePeerBinding(t *testing.T) {
	resolver := NewResolver(testConfig(config.BindingRule{
		AgentID: "coder",
		Match:   config.BindingMatch{Channel: "telegram", PeerKind: "dm", PeerID: "123"},
	}))

	got := resolver.Resolve(Request{
		Channel: "TELEGRAM",
		Peer:    &models.Peer{Kind: models.PeerDM, ID: "123"},
	})

	if got.MatchedBy != MatchPeer {
		t.Errorf("matchedBy = %q, want %q", got.MatchedBy, MatchPeer)
	}
	if got.AgentID != "coder" {
		t.Errorf("agent = %q, want coder", got.AgentID)
	}
	if got.SessionKey != "coder|telegram||dm|123|main" {
		t.Errorf("sessionKey = %q, want coder|telegram||dm|123|main", got.SessionKey)
	}
}

func TestResolveDefaultFallback(t *testing.T) {
	resolver := NewResolver(testConfig())

	got := resolver.Resolve(Request{Channel: "slack", AccountID: "acct7"})

	if got.MatchedBy != MatchDefault {
		t.Errorf("matchedBy = %q, want %q", got.MatchedBy, MatchDefault)
	}
	if got.SessionKey != "main|slack|acct7||||main" {
		t.Errorf("sessionKey = %q, want main|slack|acct7||||main", got.SessionKey)
	}
}

func TestResolveHierarchyOrder(t *testing.T) {
	// One rule per class on the same channel; the highest class must win
	// regardless of declaration order.
	rules := []config.BindingRule{
		{AgentID: "chan-agent", Match: config.BindingMatch{Channel: "discord", AccountID: "*"}},
		{AgentID: "acct-agent", Match: config.BindingMatch{Channel: "discord", AccountID: "acct1"}},
		{AgentID: "team-agent", Match: config.BindingMatch{Channel: "discord", TeamID: "T1"}},
		{AgentID: "guild-agent", Match: config.BindingMatch{Channel: "discord", GuildID: "G1"}},
		{AgentID: "parent-agent", Match: config.BindingMatch{Channel: "discord", PeerKind: "channel", PeerID: "root"}},
		{AgentID: "peer-agent", Match: config.BindingMatch{Channel: "discord", PeerKind: "dm", PeerID: "77"}},
	}
	resolver := NewResolver(testConfig(rules...))

	full := Request{
		Channel:    "discord",
		AccountID:  "acct1",
		Peer:       &models.Peer{Kind: models.PeerDM, ID: "77"},
		ParentPeer: &models.Peer{Kind: models.PeerChannel, ID: "root"},
		GuildID:    "G1",
		TeamID:     "T1",
	}

	cases := []struct {
		name      string
		mutate    func(r *Request)
		wantAgent string
		wantClass MatchClass
	}{
		{"peer wins over everything", func(r *Request) {}, "peer-agent", MatchPeer},
		{"parent peer next", func(r *Request) { r.Peer = nil }, "parent-agent", MatchPeerParent},
		{"guild next", func(r *Request) { r.Peer, r.ParentPeer = nil, nil }, "guild-agent", MatchGuild},
		{"team next", func(r *Request) { r.Peer, r.ParentPeer, r.GuildID = nil, nil, "" }, "team-agent", MatchTeam},
		{"account next", func(r *Request) {
			r.Peer, r.ParentPeer, r.GuildID, r.TeamID = nil, nil, "", ""
		}, "acct-agent", MatchAccount},
		{"channel wildcard last", func(r *Request) {
			r.Peer, r.ParentPeer, r.GuildID, r.TeamID, r.AccountID = nil, nil, "", "", "other"
		}, "chan-agent", MatchChannel},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := full
			tc.mutate(&req)
			got := resolver.Resolve(req)
			if got.AgentID != tc.wantAgent || got.MatchedBy != tc.wantClass {
				t.Errorf("got (%q, %q), want (%q, %q)", got.AgentID, got.MatchedBy, tc.wantAgent, tc.wantClass)
			}
		})
	}
}

func TestResolveDeclarationOrderWithinClass(t *testing.T) {
	resolver := NewResolver(testConfig(
		config.BindingRule{AgentID: "first", Match: config.BindingMatch{Channel: "slack", AccountID: "acct1"}},
		config.BindingRule{AgentID: "second", Match: config.BindingMatch{Channel: "slack", AccountID: "acct1"}},
	))

	got := resolver.Resolve(Request{Channel: "slack", AccountID: "acct1"})
	if got.AgentID != "first" {
		t.Errorf("agent = %q, want first (declaration order)", got.AgentID)
	}
}

func TestResolveChannelMismatchSkipsRule(t *testing.T) {
	resolver := NewResolver(testConfig(config.BindingRule{
		AgentID: "slack-only",
		Match:   config.BindingMatch{Channel: "slack", AccountID: "*"},
	}))

	got := resolver.Resolve(Request{Channel: "telegram", AccountID: "acct1"})
	if got.MatchedBy != MatchDefault {
		t.Errorf("matchedBy = %q, want default (channel mismatch)", got.MatchedBy)
	}
}

func TestResolveDeterministicKeys(t *testing.T) {
	resolver := NewResolver(testConfig())
	req := Request{
		Channel:   "Telegram",
		AccountID: "Acct1",
		Peer:      &models.Peer{Kind: models.PeerGroup, ID: "G-9"},
	}
	a := resolver.Resolve(req)
	b := resolver.Resolve(req)
	if a.SessionKey != b.SessionKey || a.MainSessionKey != b.MainSessionKey {
		t.Errorf("keys not stable: %q/%q vs %q/%q", a.SessionKey, a.MainSessionKey, b.SessionKey, b.MainSessionKey)
	}
}

func TestResolveMainSessionKey(t *testing.T) {
	resolver := NewResolver(testConfig())
	got := resolver.Resolve(Request{
		Channel: "telegram",
		Peer:    &models.Peer{Kind: models.PeerDM, ID: "123"},
	})
	want := "main|telegram|||||main"
	if got.MainSessionKey != want {
		t.Errorf("mainSessionKey = %q, want %q", got.MainSessionKey, want)
	}
}
