package comments

import (
	"regexp"
	"strings"
)

var mentionPattern = regexp.MustCompile(`@(\w+)`)

// Candidate is a user a mention token may resolve to.
type Candidate struct {
	UserID      string
	DisplayName string
}

// MentionTokens returns the identifiers following each @ in text, in order
// of appearance, without duplicates.
func MentionTokens(text string) []string {
	matches := mentionPattern.FindAllStringSubmatch(text, -1)
	seen := map[string]bool{}
	tokens := make([]string, 0, len(matches))
	for _, m := range matches {
		token := strings.ToLower(m[1])
		if seen[token] {
			continue
		}
		seen[token] = true
		tokens = append(tokens, token)
	}
	return tokens
}

// ResolveMentions matches each token case-insensitively as a substring of
// the candidates' display names. Tokens matching nobody are dropped.
func ResolveMentions(tokens []string, candidates []Candidate) []string {
	seen := map[string]bool{}
	ids := make([]string, 0)
	for _, token := range tokens {
		for _, c := range candidates {
			if c.UserID == "" || seen[c.UserID] {
				continue
			}
			if strings.Contains(strings.ToLower(c.DisplayName), token) {
				seen[c.UserID] = true
				ids = append(ids, c.UserID)
			}
		}
	}
	return ids
}
