// Package sessions owns session identity, the transcript store, and the
// per-session file write lock.
package sessions

import (
	"regexp"
	"sort"
	"strings"

	"github.com/haasonsaas/relay/pkg/models"
)

// Default constants for session key derivation.
const (
	DefaultAgentID = "main"
	DefaultMainKey = "main"
	DefaultDMScope = "main"
)

// KeyParams are the inputs to session key derivation. The derivation is
// deterministic: equal params produce byte-identical keys.
type KeyParams struct {
	AgentID   string
	Channel   string
	AccountID string
	Peer      *models.Peer
	// IdentityLinks aliases peer IDs across channels: canonical -> linked.
	IdentityLinks map[string][]string
	DMScope       string
}

// BuildSessionKey derives the stable lowercased session key:
//
//	lower(join("|", agentId, channel, account, peer.kind, peer.id, dmScope))
//
// Identity-link aliasing is applied to the peer ID before joining. When no
// peer is present the peer slots stay empty and an extra empty slot keeps
// keys from peerless routes distinct from DM keys.
func BuildSessionKey(params KeyParams) string {
	agentID := strings.TrimSpace(params.AgentID)
	if agentID == "" {
		agentID = DefaultAgentID
	}
	scope := strings.TrimSpace(params.DMScope)
	if scope == "" {
		scope = DefaultDMScope
	}

	parts := []string{
		agentID,
		strings.TrimSpace(params.Channel),
		strings.TrimSpace(params.AccountID),
	}
	if params.Peer != nil {
		peerID := strings.TrimSpace(params.Peer.ID)
		if linked := ResolveLinkedPeerID(params.IdentityLinks, params.Channel, peerID); linked != "" {
			peerID = linked
		}
		parts = append(parts, string(params.Peer.Kind), peerID)
	} else {
		parts = append(parts, "", "", "")
	}
	parts = append(parts, scope)

	return strings.ToLower(strings.Join(parts, "|"))
}

// BuildMainSessionKey derives the agent's main session key (no peer scope).
func BuildMainSessionKey(agentID, channel, accountID, mainKey string) string {
	if strings.TrimSpace(mainKey) == "" {
		mainKey = DefaultMainKey
	}
	return BuildSessionKey(KeyParams{
		AgentID:   agentID,
		Channel:   channel,
		AccountID: accountID,
		DMScope:   mainKey,
	})
}

// ResolveLinkedPeerID resolves a peer ID through identity links. The match
// set includes the bare ID and the channel-scoped "{channel}:{id}" form.
// Returns the canonical ID on a hit, otherwise "". Canonical names are
// scanned in sorted order so a peer ID claimed by two canonicals always
// resolves the same way.
func ResolveLinkedPeerID(identityLinks map[string][]string, channel, peerID string) string {
	if len(identityLinks) == 0 {
		return ""
	}
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return ""
	}

	candidates := map[string]struct{}{}
	if raw := normalizeToken(peerID); raw != "" {
		candidates[raw] = struct{}{}
	}
	if ch := normalizeToken(channel); ch != "" {
		candidates[normalizeToken(ch+":"+peerID)] = struct{}{}
	}

	type link struct {
		name string
		ids  []string
	}
	links := make([]link, 0, len(identityLinks))
	for canonical, ids := range identityLinks {
		name := strings.TrimSpace(canonical)
		if name == "" {
			continue
		}
		links = append(links, link{name: name, ids: ids})
	}
	sort.Slice(links, func(i, j int) bool { return links[i].name < links[j].name })

	seen := map[string]struct{}{}
	for _, l := range links {
		if _, dup := seen[normalizeToken(l.name)]; dup {
			continue
		}
		seen[normalizeToken(l.name)] = struct{}{}
		for _, id := range l.ids {
			if _, ok := candidates[normalizeToken(id)]; ok {
				return l.name
			}
		}
	}
	return ""
}

func normalizeToken(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

var unsafeKeyChars = regexp.MustCompile(`[^a-z0-9._-]+`)

// SafeFileKey converts a session key into a filesystem-safe name.
func SafeFileKey(sessionKey string) string {
	key := strings.ToLower(strings.TrimSpace(sessionKey))
	if key == "" {
		return "unknown"
	}
	return unsafeKeyChars.ReplaceAllString(key, "_")
}
