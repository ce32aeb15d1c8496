// Package routing resolves inbound message tuples to agent identities and
// session keys through the ordered binding hierarchy.
package routing

import (
	"strings"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/pkg/models"
)

// MatchClass names the binding class that decided a route.
type MatchClass string

const (
	MatchPeer       MatchClass = "binding.peer"
	MatchPeerParent MatchClass = "binding.peer.parent"
	MatchGuild      MatchClass = "binding.guild"
	MatchTeam       MatchClass = "binding.team"
	MatchAccount    MatchClass = "binding.account"
	MatchChannel    MatchClass = "binding.channel"
	MatchDefault    MatchClass = "default"
)

// DefaultAccount is the sentinel used when the caller supplied no account.
const DefaultAccount = "default"

// Wildcard in a binding's account field matches any account.
const Wildcard = "*"

// Request carries the inbound tuple to resolve.
type Request struct {
	Channel   string
	AccountID string
	Peer      *models.Peer
	// ParentPeer is the thread root for threaded messages.
	ParentPeer *models.Peer
	GuildID    string
	TeamID     string
}

// Result is a resolved route.
type Result struct {
	AgentID        string
	Channel        string
	AccountID      string
	SessionKey     string
	MainSessionKey string
	MatchedBy      MatchClass
}

// Resolver evaluates binding rules against inbound tuples. It is immutable
// after construction; hot reloads swap in a new Resolver.
type Resolver struct {
	bindings       []config.BindingRule
	defaultAgentID string
	mainKey        string
	dmScope        string
	identityLinks  map[string][]string
}

// NewResolver builds a resolver from the session and binding configuration.
func NewResolver(cfg *config.Config) *Resolver {
	return &Resolver{
		bindings:       cfg.Bindings,
		defaultAgentID: cfg.Session.DefaultAgentID,
		mainKey:        cfg.Session.MainKey,
		dmScope:        cfg.Session.DMScope,
		identityLinks:  cfg.Session.IdentityLinks,
	}
}

// Resolve walks the binding hierarchy: peer, peer.parent, guild, team,
// account, channel, then the configured default. Within a class the first
// declared rule wins. The same inputs always produce byte-identical keys.
func (r *Resolver) Resolve(req Request) Result {
	channel := normalize(req.Channel)
	accountID := strings.TrimSpace(req.AccountID)

	// Matching treats an absent account as the sentinel; the session key
	// keeps the slot empty so peerless and DM keys stay distinct.
	matchAccount := accountID
	if matchAccount == "" {
		matchAccount = DefaultAccount
	}
	agentID, matchedBy := r.matchAgent(channel, matchAccount, req)

	sessionKey := sessions.BuildSessionKey(sessions.KeyParams{
		AgentID:       agentID,
		Channel:       channel,
		AccountID:     accountID,
		Peer:          req.Peer,
		IdentityLinks: r.identityLinks,
		DMScope:       r.dmScope,
	})
	mainKey := sessions.BuildMainSessionKey(agentID, channel, accountID, r.mainKey)

	return Result{
		AgentID:        agentID,
		Channel:        channel,
		AccountID:      accountID,
		SessionKey:     sessionKey,
		MainSessionKey: mainKey,
		MatchedBy:      matchedBy,
	}
}

func (r *Resolver) matchAgent(channel, accountID string, req Request) (string, MatchClass) {
	type probe struct {
		class MatchClass
		hit   func(m config.BindingMatch) bool
	}

	peerHit := func(target *models.Peer) func(config.BindingMatch) bool {
		return func(m config.BindingMatch) bool {
			if target == nil || m.PeerID == "" {
				return false
			}
			return normalize(m.PeerKind) == normalize(string(target.Kind)) &&
				strings.TrimSpace(m.PeerID) == strings.TrimSpace(target.ID)
		}
	}
	scalarOnly := func(m config.BindingMatch) bool {
		return m.PeerID == "" && m.PeerKind == "" && m.GuildID == "" && m.TeamID == ""
	}

	probes := []probe{
		{MatchPeer, peerHit(req.Peer)},
		{MatchPeerParent, peerHit(req.ParentPeer)},
		{MatchGuild, func(m config.BindingMatch) bool {
			return m.GuildID != "" && req.GuildID != "" &&
				strings.TrimSpace(m.GuildID) == strings.TrimSpace(req.GuildID)
		}},
		{MatchTeam, func(m config.BindingMatch) bool {
			return m.TeamID != "" && req.TeamID != "" &&
				strings.TrimSpace(m.TeamID) == strings.TrimSpace(req.TeamID)
		}},
		{MatchAccount, func(m config.BindingMatch) bool {
			acct := strings.TrimSpace(m.AccountID)
			return scalarOnly(m) && acct != "" && acct != Wildcard && acct == accountID
		}},
		{MatchChannel, func(m config.BindingMatch) bool {
			return scalarOnly(m) && strings.TrimSpace(m.AccountID) == Wildcard
		}},
	}

	for _, p := range probes {
		for _, rule := range r.bindings {
			if normalize(rule.Match.Channel) != channel {
				continue
			}
			if p.hit(rule.Match) {
				return rule.AgentID, p.class
			}
		}
	}

	agentID := r.defaultAgentID
	if agentID == "" {
		agentID = sessions.DefaultAgentID
	}
	return agentID, MatchDefault
}

func normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
