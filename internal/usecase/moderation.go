package usecase

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"ArticleRelay/internal/domain"
	"ArticleRelay/internal/metrics"
	"ArticleRelay/internal/moderation"
	"ArticleRelay/internal/ports"
)

// Moderator screens comments against the stored blocklist.
type Moderator struct {
	rules  ports.SpamRuleRepository
	logger *slog.Logger
}

func NewModerator(rules ports.SpamRuleRepository, logger *slog.Logger) *Moderator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Moderator{rules: rules, logger: logger}
}

// Check returns the verdict for the comment. A rejection is a verdict, not
// an error; errors only come from loading the rules.
func (m *Moderator) Check(ctx context.Context, comment domain.Comment) (domain.Verdict, error) {
	rules, err := m.rules.ListSpamRules(ctx)
	if err != nil {
		return domain.Verdict{}, fmt.Errorf("load spam rules: %w", err)
	}

	verdict := moderation.EvaluateComment(comment, rules)
	if verdict.Allowed {
		metrics.ModerationVerdicts.WithLabelValues("allowed").Inc()
		return verdict, nil
	}
	metrics.ModerationVerdicts.WithLabelValues("rejected").Inc()
	m.logger.Info("comment rejected",
		"article_id", comment.ArticleID,
		"rule_id", verdict.MatchedRule.ID,
		"rule_type", verdict.MatchedRule.Type,
	)
	return verdict, nil
}
