package core

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"lab-assistant/internal/loader"
	"lab-assistant/internal/session"
	"lab-assistant/pkg"
)

// lockStripes is the number of mutexes sessions are hashed onto.
const lockStripes = 64

// AssistantOptions tunes the session-level behaviour of the assistant.
type AssistantOptions struct {
	// Languages lists the enabled languages, default first.
	Languages []pkg.Language
	// RecordContext appends the clinical context to the transcript as a
	// clinician turn before the report.
	RecordContext  bool
	MaxUploadBytes int64
}

// Assistant ties the loader, report generator and follow-up orchestrator
// to the session store.  Operations on the same session are serialised.
type Assistant struct {
	Store   session.Store
	Reports *ReportService
	Chat    *ChatService
	Logger  *logrus.Logger

	opts  AssistantOptions
	locks [lockStripes]sync.Mutex
}

// NewAssistant constructs an Assistant.  English is enabled when no
// languages are configured.
func NewAssistant(store session.Store, reports *ReportService, chat *ChatService, opts AssistantOptions, logger *logrus.Logger) *Assistant {
	if len(opts.Languages) == 0 {
		opts.Languages = []pkg.Language{pkg.LanguageEnglish}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Assistant{Store: store, Reports: reports, Chat: chat, Logger: logger, opts: opts}
}

func (a *Assistant) lock(id string) func() {
	h := fnv.New32a()
	h.Write([]byte(id))
	mu := &a.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// Languages returns the enabled languages, default first.
func (a *Assistant) Languages() []pkg.Language {
	out := make([]pkg.Language, len(a.opts.Languages))
	copy(out, a.opts.Languages)
	return out
}

// ResolveLanguage maps a requested code to an enabled language.  An empty
// code selects the default.
func (a *Assistant) ResolveLanguage(code string) (pkg.Language, error) {
	return ResolveLanguage(a.opts.Languages, code)
}

// ResolveLanguage picks code from enabled, the first entry being the
// default.
func ResolveLanguage(enabled []pkg.Language, code string) (pkg.Language, error) {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" && len(enabled) > 0 {
		return enabled[0], nil
	}
	for _, l := range enabled {
		if string(l) == code {
			return l, nil
		}
	}
	return "", fmt.Errorf("%w: %q", pkg.ErrUnsupportedLanguage, code)
}

// StartSession opens a new, Idle session.
func (a *Assistant) StartSession(ctx context.Context) (*session.Session, error) {
	sess, err := a.Store.Create(ctx)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	a.Logger.WithField("session_id", sess.ID).Info("session started")
	return sess, nil
}

// EndSession discards the session and everything recorded in it.
func (a *Assistant) EndSession(ctx context.Context, id string) error {
	defer a.lock(id)()
	if err := a.Store.Delete(ctx, id); err != nil {
		return err
	}
	a.Logger.WithField("session_id", id).Info("session ended")
	return nil
}

// Upload normalises an uploaded file and makes it the session's patient
// record, starting a fresh transcript.  A rejected upload leaves the
// session untouched.
func (a *Assistant) Upload(ctx context.Context, id string, r io.Reader, filename, contentType, declaredKind string) (*loader.Result, error) {
	kind, comma, err := loader.KindFromUpload(filename, contentType, declaredKind)
	if err != nil {
		return nil, err
	}
	res, err := loader.Load(r, kind, loader.Options{
		Comma:    comma,
		MaxBytes: a.opts.MaxUploadBytes,
		Filename: filename,
	})
	if err != nil {
		return nil, err
	}

	defer a.lock(id)()
	sess, err := a.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.Reseed(res.Record)
	if err := a.Store.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	a.Logger.WithFields(logrus.Fields{
		"session_id": id,
		"kind":       kind,
		"filename":   filename,
		"bytes":      len(res.Record.Text),
	}).Info("patient data uploaded")
	return res, nil
}

// GenerateReport produces the report for the session's patient record and
// opens a new conversation with it.  Turns about an earlier report are
// dropped.
func (a *Assistant) GenerateReport(ctx context.Context, id, clinicalContext, language string) (string, error) {
	lang, err := a.ResolveLanguage(language)
	if err != nil {
		return "", err
	}

	defer a.lock(id)()
	sess, err := a.Store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if !sess.Active() {
		return "", pkg.ErrNoPatientRecord
	}
	report, err := a.Reports.Generate(ctx, sess.Record, clinicalContext, lang)
	if err != nil {
		a.Logger.WithField("session_id", id).WithError(err).Warn("report generation failed")
		return "", err
	}

	sess.Restart()
	sess.Language = lang
	sess.Report = report
	if a.opts.RecordContext && strings.TrimSpace(clinicalContext) != "" {
		sess.Transcript.Append(pkg.ConversationTurn{Role: pkg.RoleClinician, Text: clinicalContext})
	}
	sess.Transcript.Append(pkg.ConversationTurn{Role: pkg.RoleAssistant, Text: report})
	if err := a.Store.Save(ctx, sess); err != nil {
		return "", fmt.Errorf("save session: %w", err)
	}
	a.Logger.WithFields(logrus.Fields{
		"session_id": id,
		"language":   lang,
	}).Info("report generated")
	return report, nil
}

// Ask answers a follow-up question.  A question whose generation failed is
// still recorded.
func (a *Assistant) Ask(ctx context.Context, id, question string) (string, error) {
	defer a.lock(id)()
	sess, err := a.Store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if sess.Language == "" {
		sess.Language = a.opts.Languages[0]
	}
	before := sess.Transcript.Len()
	answer, askErr := a.Chat.Ask(ctx, sess, question)
	if sess.Transcript.Len() == before && askErr != nil {
		return "", askErr
	}
	if err := a.Store.Save(ctx, sess); err != nil {
		return "", errors.Join(askErr, fmt.Errorf("save session: %w", err))
	}
	if askErr != nil {
		a.Logger.WithField("session_id", id).WithError(askErr).Warn("follow-up generation failed")
		return "", askErr
	}
	a.Logger.WithFields(logrus.Fields{
		"session_id": id,
		"turns":      sess.Transcript.Len(),
	}).Debug("follow-up answered")
	return answer, nil
}

// Transcript returns every turn of the current conversation in order.
func (a *Assistant) Transcript(ctx context.Context, id string) ([]pkg.ConversationTurn, error) {
	defer a.lock(id)()
	sess, err := a.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return sess.Transcript.Snapshot(), nil
}

// Record returns the session's patient record, or ErrNoPatientRecord.
func (a *Assistant) Record(ctx context.Context, id string) (*pkg.PatientRecord, error) {
	defer a.lock(id)()
	sess, err := a.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sess.Active() {
		return nil, pkg.ErrNoPatientRecord
	}
	return sess.Record, nil
}

// Report returns the most recent report of the session.
func (a *Assistant) Report(ctx context.Context, id string) (string, error) {
	defer a.lock(id)()
	sess, err := a.Store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if sess.Report == "" {
		return "", pkg.ErrNoReport
	}
	return sess.Report, nil
}
