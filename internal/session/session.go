// Package session holds the per-clinician state of the assistant: the
// uploaded patient record and the conversation transcript.
package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	"lab-assistant/pkg"
)

// Transcript is an append-only, ordered sequence of turns.
type Transcript struct {
	turns []pkg.ConversationTurn
}

// NewTranscript rebuilds a transcript from stored turns.
func NewTranscript(turns []pkg.ConversationTurn) *Transcript {
	t := &Transcript{}
	t.turns = append(t.turns, turns...)
	return t
}

// Append adds one turn at the end.
func (t *Transcript) Append(turn pkg.ConversationTurn) {
	if turn.At.IsZero() {
		turn.At = time.Now().UTC()
	}
	t.turns = append(t.turns, turn)
}

// Snapshot returns a copy of every turn in append order.
func (t *Transcript) Snapshot() []pkg.ConversationTurn {
	out := make([]pkg.ConversationTurn, len(t.turns))
	copy(out, t.turns)
	return out
}

// Len returns the number of turns.
func (t *Transcript) Len() int { return len(t.turns) }

// Session is the explicit per-user context passed to every operation.
type Session struct {
	ID         string
	Record     *pkg.PatientRecord
	Transcript *Transcript
	// Epoch counts transcripts; uploads and reports each start a new one.
	Epoch    int
	Language pkg.Language
	// Report is the most recent generated report, offered for download.
	Report string
	// Digest summarises the first DigestCovers turns of the transcript.
	Digest       string
	DigestCovers int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// New creates an empty session with a fresh id.
func New() *Session {
	now := time.Now().UTC()
	return &Session{
		ID:         uuid.NewString(),
		Transcript: &Transcript{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Active reports whether patient data has been uploaded.
func (s *Session) Active() bool {
	return !s.Record.Empty()
}

// Reseed replaces the patient record and starts a fresh transcript.
func (s *Session) Reseed(record pkg.PatientRecord) {
	s.Record = &record
	s.Report = ""
	s.Restart()
}

// Restart drops the transcript and its digest, keeping the record.
func (s *Session) Restart() {
	s.Transcript = &Transcript{}
	s.Epoch++
	s.Digest = ""
	s.DigestCovers = 0
}

// Clone returns a deep copy so stores never share mutable state with
// callers.
func (s *Session) Clone() *Session {
	c := *s
	if s.Record != nil {
		r := *s.Record
		c.Record = &r
	}
	if s.Transcript != nil {
		c.Transcript = NewTranscript(s.Transcript.turns)
	} else {
		c.Transcript = &Transcript{}
	}
	return &c
}

// Store persists sessions between requests.  Get returns
// pkg.ErrSessionNotFound for unknown or expired ids.
type Store interface {
	Create(ctx context.Context) (*Session, error)
	Get(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
	Close() error
}
