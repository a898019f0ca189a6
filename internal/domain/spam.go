package domain

import "time"

// SpamRuleType enumerates blocklist entry kinds.
type SpamRuleType string

const (
	SpamKeyword SpamRuleType = "KEYWORD"
	SpamDomain  SpamRuleType = "DOMAIN"
	SpamEmail   SpamRuleType = "EMAIL"
	SpamIP      SpamRuleType = "IP"
)

// SpamRule is a blocklist entry, unique on (Type, Value).
type SpamRule struct {
	ID        int64
	Type      SpamRuleType
	Value     string
	Reason    string
	CreatedAt time.Time
}

// Verdict is the moderation decision for a comment.
type Verdict struct {
	Allowed     bool
	MatchedRule *SpamRule
}
