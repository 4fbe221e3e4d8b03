package pkg

import "time"

// ContentKind is the declared kind of an uploaded lab-results file.
type ContentKind string

const (
	KindTable ContentKind = "table"
	KindText  ContentKind = "text"
)

// PatientRecord is the uploaded lab-results artifact normalised to text.  A
// table upload is held in its canonical delimited form so the rows can be
// recovered by parsing Text again.
type PatientRecord struct {
	Kind     ContentKind `json:"kind"`
	Filename string      `json:"filename,omitempty"`
	Text     string      `json:"text"`
}

// Empty reports whether the record carries no usable patient data.
func (r *PatientRecord) Empty() bool {
	return r == nil || r.Text == ""
}

// Role describes who authored a conversation turn.  Only the clinician and
// the assistant take part in a session.
type Role string

const (
	RoleClinician Role = "clinician"
	RoleAssistant Role = "assistant"
)

// ConversationTurn is one clinician question or one assistant answer.
type ConversationTurn struct {
	Role Role      `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Language selects the language the report is written in.
type Language string

const (
	LanguageEnglish Language = "en"
	LanguageFrench  Language = "fr"
)

// Table is the parsed form of a delimited upload, used for display.
type Table struct {
	Header []string   `json:"header"`
	Rows   [][]string `json:"rows"`
}

// UploadResponse describes a session's patient record after an upload or
// when the record is fetched again.
type UploadResponse struct {
	Kind     ContentKind `json:"kind"`
	Filename string      `json:"filename,omitempty"`
	Header   []string    `json:"header,omitempty"`
	Rows     [][]string  `json:"rows,omitempty"`
}

// ReportRequest asks for a report on the session's patient record.
type ReportRequest struct {
	Context  string   `json:"context"`
	Language Language `json:"language"`
}

// ReportResponse carries the generated report.
type ReportResponse struct {
	Report string `json:"report"`
}

// QuestionRequest carries a clinician follow-up question.
type QuestionRequest struct {
	Question string `json:"question"`
}

// QuestionResponse carries the assistant's answer.
type QuestionResponse struct {
	Answer string `json:"answer"`
}

// TranscriptResponse lists every turn of the session in order.
type TranscriptResponse struct {
	SessionID string             `json:"session_id"`
	Turns     []ConversationTurn `json:"turns"`
}
