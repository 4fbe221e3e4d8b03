package core

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"lab-assistant/internal/llm"
	"lab-assistant/internal/session"
	"lab-assistant/pkg"
)

// RetentionMode decides how much of the transcript is replayed in a
// continuation prompt.
type RetentionMode string

const (
	// RetainFull replays every turn.
	RetainFull RetentionMode = "full"
	// RetainWindow replays only the most recent MaxTurns turns.
	RetainWindow RetentionMode = "window"
	// RetainSummarize folds older turns into a digest produced by the
	// generator and replays the recent ones verbatim.
	RetainSummarize RetentionMode = "summarize"
)

// ParseRetentionMode validates a configured mode.
func ParseRetentionMode(s string) (RetentionMode, error) {
	switch m := RetentionMode(s); m {
	case RetainFull, RetainWindow, RetainSummarize:
		return m, nil
	case "":
		return RetainFull, nil
	default:
		return "", fmt.Errorf("unknown retention mode %q", s)
	}
}

// RetentionPolicy bounds the transcript context of follow-up prompts.  The
// transcript itself is never truncated.
type RetentionPolicy struct {
	Mode     RetentionMode
	MaxTurns int
}

// Summarizer applies the retention policy to a session's transcript.
type Summarizer struct {
	LLM    llm.Generator
	Policy RetentionPolicy
	Logger *logrus.Logger
}

// NewSummarizer constructs a summariser.
func NewSummarizer(client llm.Generator, policy RetentionPolicy, logger *logrus.Logger) *Summarizer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Summarizer{LLM: client, Policy: policy, Logger: logger}
}

// Context returns the turns to replay verbatim and the digest standing in
// for the older ones.  In summarize mode it may refresh sess.Digest and
// sess.DigestCovers; the caller persists the session.
func (s *Summarizer) Context(ctx context.Context, sess *session.Session) ([]pkg.ConversationTurn, string) {
	turns := sess.Transcript.Snapshot()
	limit := s.Policy.MaxTurns
	if limit <= 0 {
		return turns, ""
	}
	switch s.Policy.Mode {
	case RetainWindow:
		if len(turns) > limit {
			turns = turns[len(turns)-limit:]
		}
		return turns, ""
	case RetainSummarize:
		return s.fold(ctx, sess, turns, limit)
	default:
		return turns, ""
	}
}

// fold summarises pending turns once more than limit of them are waiting,
// keeping the newest half of the window verbatim so the digest is not
// rebuilt on every question.
func (s *Summarizer) fold(ctx context.Context, sess *session.Session, turns []pkg.ConversationTurn, limit int) ([]pkg.ConversationTurn, string) {
	covered := sess.DigestCovers
	if covered > len(turns) {
		covered = 0
	}
	pending := turns[covered:]
	if len(pending) <= limit {
		return pending, sess.Digest
	}
	keep := limit / 2
	if keep < 1 {
		keep = 1
	}
	cut := len(turns) - keep
	prompt := BuildSummaryPrompt(sess.Digest, turns[covered:cut]).Render()
	digest, err := s.LLM.Generate(ctx, prompt)
	if err != nil {
		s.Logger.WithFields(logrus.Fields{
			"session_id": sess.ID,
			"turns":      cut - covered,
		}).WithError(err).Warn("failed to summarise transcript, replaying it in full")
		return pending, sess.Digest
	}
	sess.Digest = digest
	sess.DigestCovers = cut
	return turns[cut:], digest
}
