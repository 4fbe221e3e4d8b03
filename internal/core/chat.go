package core

import (
	"context"
	"strings"

	"lab-assistant/internal/llm"
	"lab-assistant/internal/session"
	"lab-assistant/pkg"
)

// ChatService answers follow-up questions about the uploaded results.  A
// session is Idle until patient data is uploaded and Active afterwards;
// questions are only accepted while Active.
type ChatService struct {
	LLM        llm.Generator
	Summarizer *Summarizer
}

// NewChatService constructs a new ChatService with the given generator.
func NewChatService(client llm.Generator, summarizer *Summarizer) *ChatService {
	return &ChatService{LLM: client, Summarizer: summarizer}
}

// Ask builds a continuation prompt from the patient data, the transcript so
// far and the question, then records the question and, on success, the
// answer.  When generation fails the question stays in the transcript
// without an answer.
func (c *ChatService) Ask(ctx context.Context, sess *session.Session, question string) (string, error) {
	if !sess.Active() {
		return "", pkg.ErrNoPatientRecord
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return "", pkg.ErrEmptyQuestion
	}

	var (
		turns  = sess.Transcript.Snapshot()
		digest string
	)
	if c.Summarizer != nil {
		turns, digest = c.Summarizer.Context(ctx, sess)
	}
	prompt := BuildFollowUpPrompt(sess.Record, turns, digest, question, sess.Language).Render()

	sess.Transcript.Append(pkg.ConversationTurn{Role: pkg.RoleClinician, Text: question})
	reply, err := c.LLM.Generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	sess.Transcript.Append(pkg.ConversationTurn{Role: pkg.RoleAssistant, Text: reply})
	return reply, nil
}
