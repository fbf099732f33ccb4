// Package automod filters message content against blocked words, invite
// links, and disallowed URLs.
package automod

import (
	"bufio"
	"os"
	"regexp"
	"strings"

	"github.com/shardguard/shardguard/internal/database/types"
	"github.com/shardguard/shardguard/internal/moderation/event"
	"github.com/shardguard/shardguard/pkg/utils"
	"go.uber.org/zap"
)

// Kind identifies which filter rule a message violated.
type Kind string

const (
	KindBlockedWord Kind = "blocked_word"
	KindInvite      Kind = "invite"
	KindLink        Kind = "link"
)

// Violation reports the rule and the matched fragment, for the audit reason.
type Violation struct {
	Kind  Kind
	Match string
}

var (
	invitePattern = regexp.MustCompile(`discord(?:\.gg|app\.com/invite|\.com/invite)/([a-zA-Z0-9-]+)`)
	urlPattern    = regexp.MustCompile(`https?://(www\.)?[-a-zA-Z0-9@:%._+~#=]{1,256}\.[a-zA-Z0-9()]{1,6}\b([-a-zA-Z0-9()@:%_+.~#?&/=]*)`)
	wordSplit     = regexp.MustCompile(`[^\p{L}\p{N}]+`)
)

// Filter checks message content against a guild's content policy. The
// default word list is shared across guilds; custom words and allowed
// domains come from settings per message.
type Filter struct {
	normalizer   *utils.TextNormalizer
	defaultWords map[string]struct{}
	logger       *zap.Logger
}

// NewFilter creates a content filter seeded with the given default blocked
// words. Words are normalized so restyled variants still match.
func NewFilter(defaultWords []string, logger *zap.Logger) *Filter {
	normalizer := utils.NewTextNormalizer()
	words := make(map[string]struct{}, len(defaultWords))

	for _, word := range defaultWords {
		if normalized := normalizer.Normalize(strings.TrimSpace(word)); normalized != "" {
			words[normalized] = struct{}{}
		}
	}

	return &Filter{
		normalizer:   normalizer,
		defaultWords: words,
		logger:       logger.Named("automod_filter"),
	}
}

// LoadWordList reads a blocked-word list from disk, one word per line.
// Blank lines and lines starting with '#' are skipped. A missing file is not
// an error; the filter just starts with an empty default list.
func LoadWordList(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, err
	}
	defer file.Close()

	var words []string

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		words = append(words, line)
	}

	return words, scanner.Err()
}

// Check evaluates a message against the guild's content policy and returns
// the first violation found, or nil. Rules run in order: blocked words,
// invite links, disallowed URLs. Bots and administrators are exempt.
func (f *Filter) Check(msg event.Message, cfg *types.GuildSettings) *Violation {
	if !cfg.FilterEnabled {
		return nil
	}

	if msg.IsBot || msg.IsAdmin {
		return nil
	}

	if cfg.FilterWords {
		if match := f.findBlockedWord(msg.Content, cfg.CustomWords); match != "" {
			f.logViolation(msg, KindBlockedWord, match)

			return &Violation{Kind: KindBlockedWord, Match: match}
		}
	}

	if cfg.FilterInvites {
		if match := invitePattern.FindString(msg.Content); match != "" {
			f.logViolation(msg, KindInvite, match)

			return &Violation{Kind: KindInvite, Match: match}
		}
	}

	if cfg.FilterLinks {
		if match := f.findDisallowedURL(msg.Content, cfg.AllowedLinks); match != "" {
			f.logViolation(msg, KindLink, match)

			return &Violation{Kind: KindLink, Match: match}
		}
	}

	return nil
}

// findBlockedWord tokenizes the normalized content on word boundaries and
// looks each token up in the combined default and custom word sets.
func (f *Filter) findBlockedWord(content, customWords string) string {
	custom := f.parseCustomWords(customWords)
	normalized := f.normalizer.Normalize(content)

	for _, token := range wordSplit.Split(normalized, -1) {
		if token == "" {
			continue
		}

		if _, ok := f.defaultWords[token]; ok {
			return token
		}

		if _, ok := custom[token]; ok {
			return token
		}
	}

	return ""
}

// findDisallowedURL returns the first URL in the content whose host is not
// covered by the allowed domain list.
func (f *Filter) findDisallowedURL(content, allowedLinks string) string {
	allowed := splitList(allowedLinks)

	for _, url := range urlPattern.FindAllString(content, -1) {
		lower := strings.ToLower(url)

		permitted := false

		for _, domain := range allowed {
			if strings.Contains(lower, domain) {
				permitted = true

				break
			}
		}

		if !permitted {
			return url
		}
	}

	return ""
}

func (f *Filter) parseCustomWords(raw string) map[string]struct{} {
	if raw == "" {
		return nil
	}

	words := make(map[string]struct{})

	for _, chunk := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == '\n' }) {
		if normalized := f.normalizer.Normalize(strings.TrimSpace(chunk)); normalized != "" {
			words[normalized] = struct{}{}
		}
	}

	return words
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}

	var items []string

	for _, chunk := range strings.Split(raw, ",") {
		if trimmed := strings.ToLower(strings.TrimSpace(chunk)); trimmed != "" {
			items = append(items, trimmed)
		}
	}

	return items
}

func (f *Filter) logViolation(msg event.Message, kind Kind, match string) {
	f.logger.Debug("Content rule triggered",
		zap.Uint64("guildID", uint64(msg.GuildID)),
		zap.Uint64("userID", uint64(msg.UserID)),
		zap.String("kind", string(kind)),
		zap.String("match", match))
}
