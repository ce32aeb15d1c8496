// Package context trims session history before a turn so stale or oversized
// tool results do not crowd the model's window.
package context

import (
	"strings"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// PruningMode controls when pruning runs.
type PruningMode string

const (
	// PruningDisabled leaves history untouched.
	PruningDisabled PruningMode = "disabled"
	// PruningCacheTTL drops prunable tool results older than the TTL.
	PruningCacheTTL PruningMode = "cache-ttl"
	// PruningSoftTrim drops prunable tool results once the running token
	// total crosses the trim budget.
	PruningSoftTrim PruningMode = "soft-trim"
)

// charsPerToken is the coarse estimation ratio. The contract only needs
// monotonicity, not an exact tokenizer.
const charsPerToken = 4

// Settings controls one pruning pass.
type Settings struct {
	Mode              PruningMode
	TTL               time.Duration
	SoftTrimRatio     float64
	KeepBootstrapSafe bool
	PrunableTools     []string
}

// Prune applies the configured mode over messages in iteration order.
// System, user, and assistant messages are never pruned; only toolResult
// messages whose tool is in the prunable set are candidates. Unknown roles
// pass through untouched. The input slice is not mutated.
func Prune(messages []*models.Message, settings Settings, contextWindowTokens int, now time.Time) []*models.Message {
	if len(messages) == 0 || settings.Mode == PruningDisabled || settings.Mode == "" {
		return messages
	}

	prunable := make(map[string]struct{}, len(settings.PrunableTools))
	for _, name := range settings.PrunableTools {
		prunable[strings.ToLower(strings.TrimSpace(name))] = struct{}{}
	}

	firstUser := firstUserIndex(messages)

	budget := -1
	running := 0
	if settings.Mode == PruningSoftTrim {
		budget = int(float64(contextWindowTokens) * settings.SoftTrimRatio)
	}

	out := make([]*models.Message, 0, len(messages))
	for i, msg := range messages {
		keep := true
		switch {
		case msg.Role == models.RoleSystem, msg.Role == models.RoleUser, msg.Role == models.RoleAssistant:
			// Never pruned.
		case settings.KeepBootstrapSafe && firstUser >= 0 && i < firstUser:
			// Bootstrap prefix is preserved.
		case msg.Role == models.RoleToolResult:
			if _, ok := prunable[strings.ToLower(msg.ToolName)]; ok {
				switch settings.Mode {
				case PruningCacheTTL:
					if !msg.Timestamp.IsZero() && now.Sub(msg.Timestamp) >= settings.TTL {
						keep = false
					}
				case PruningSoftTrim:
					if budget <= 0 || running+estimateTokens(msg) > budget {
						keep = false
					}
				}
			}
		default:
			// Unknown roles are kept (fail-open).
		}

		if keep {
			running += estimateTokens(msg)
			out = append(out, msg)
		}
	}
	return out
}

// estimateTokens maps content length to a token count. Longer content always
// estimates higher.
func estimateTokens(msg *models.Message) int {
	chars := len(msg.Content)
	if chars == 0 {
		return 0
	}
	return (chars + charsPerToken - 1) / charsPerToken
}

func firstUserIndex(messages []*models.Message) int {
	for i, msg := range messages {
		if msg.Role == models.RoleUser {
			return i
		}
	}
	return -1
}
