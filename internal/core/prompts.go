package core

// prompts.go defines the structured prompts sent to the generator.  Task and
// rule lists are kept as data so they can be tweaked without touching the
// rendering code.

import (
	"fmt"
	"strings"

	"lab-assistant/pkg"
)

// Section is one named block of a prompt.  A section renders its Body
// verbatim, followed by its Items as a numbered or bulleted list.
type Section struct {
	Title    string
	Body     string
	Items    []string
	Numbered bool
}

// PromptSpec is an ordered list of sections rendered to text at the
// boundary with the generator.
type PromptSpec struct {
	Sections []Section
}

// Render joins the sections in order, separated by blank lines.
func (p PromptSpec) Render() string {
	var sb strings.Builder
	for i, s := range p.Sections {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		if s.Title != "" {
			sb.WriteString(s.Title)
			sb.WriteString(":\n")
		}
		sb.WriteString(s.Body)
		for j, item := range s.Items {
			if j > 0 || s.Body != "" {
				sb.WriteString("\n")
			}
			if s.Numbered {
				fmt.Fprintf(&sb, "%d. %s", j+1, item)
			} else {
				sb.WriteString("- " + item)
			}
		}
	}
	sb.WriteString("\n")
	return sb.String()
}

const (
	// ReportFraming opens every report prompt.
	ReportFraming = "You are a senior medical AI assistant supporting licensed physicians."

	// FollowUpFraming opens every continuation prompt.
	FollowUpFraming = "You are a medical AI assistant continuing a discussion with a doctor."

	// SummaryFraming opens the prompt that folds older turns into a digest.
	SummaryFraming = "Summarize the following discussion between a doctor and a medical AI assistant. " +
		"Keep every clinical finding, diagnosis, test and treatment that was mentioned. " +
		"Answer with a short factual summary only."

	// Disclaimer is shown under every page and in the CLI output.
	Disclaimer = "This AI assistant provides clinical decision support only. " +
		"It does NOT diagnose diseases and must NOT replace professional medical judgment."
)

// ReportTasks are the numbered tasks of a report prompt.
var ReportTasks = []string{
	"Interpret the lab results clearly.",
	"Identify abnormal findings.",
	"Provide possible diagnoses (differential diagnosis).",
	"Suggest additional tests or procedures.",
	"Recommend possible treatments or medications (generic names).",
	"Highlight risks and uncertainty.",
	"Produce a structured medical report.",
}

// ReportRules constrain how the report is written.
var ReportRules = []string{
	"You do NOT replace a doctor.",
	"Use professional medical language.",
	"Add a medical disclaimer at the end.",
}

// languageNames maps enabled language codes to the name used in the
// language directive.
var languageNames = map[pkg.Language]string{
	pkg.LanguageEnglish: "English",
	pkg.LanguageFrench:  "French",
}

// LanguageName returns the display name of a known language.
func LanguageName(l pkg.Language) (string, bool) {
	name, ok := languageNames[l]
	return name, ok
}

func languageSection(lang pkg.Language) Section {
	name, ok := languageNames[lang]
	if !ok {
		name = languageNames[pkg.LanguageEnglish]
	}
	return Section{Title: "LANGUAGE", Body: "Write the entire response in " + name + "."}
}

// BuildReportPrompt composes the report prompt.  Patient data and context
// are embedded verbatim; absent values become empty blocks.
func BuildReportPrompt(record *pkg.PatientRecord, clinicalContext string, lang pkg.Language) PromptSpec {
	var data string
	if record != nil {
		data = record.Text
	}
	return PromptSpec{Sections: []Section{
		{Body: ReportFraming},
		{Title: "PATIENT LAB RESULTS", Body: data},
		{Title: "CLINICAL CONTEXT", Body: clinicalContext},
		{Title: "TASKS", Items: ReportTasks, Numbered: true},
		{Title: "RULES", Items: ReportRules},
		languageSection(lang),
	}}
}

// BuildFollowUpPrompt composes a continuation prompt from the patient data,
// the replayed turns and the new question.  digest summarises turns that
// are no longer replayed verbatim.
func BuildFollowUpPrompt(record *pkg.PatientRecord, turns []pkg.ConversationTurn, digest, question string, lang pkg.Language) PromptSpec {
	var data string
	if record != nil {
		data = record.Text
	}
	sections := []Section{
		{Body: FollowUpFraming},
		{Title: "PATIENT DATA", Body: data},
	}
	if digest != "" {
		sections = append(sections, Section{Title: "EARLIER CONVERSATION SUMMARY", Body: digest})
	}
	sections = append(sections,
		Section{Title: "CONVERSATION HISTORY", Body: RenderTurns(turns)},
		Section{Title: "CLINICIAN'S QUESTION", Body: question},
		languageSection(lang),
	)
	return PromptSpec{Sections: sections}
}

// BuildSummaryPrompt asks the generator to fold turns into a digest that
// extends previous.
func BuildSummaryPrompt(previous string, turns []pkg.ConversationTurn) PromptSpec {
	sections := []Section{{Body: SummaryFraming}}
	if previous != "" {
		sections = append(sections, Section{Title: "EXISTING SUMMARY", Body: previous})
	}
	sections = append(sections, Section{Title: "DISCUSSION", Body: RenderTurns(turns)})
	return PromptSpec{Sections: sections}
}

// RenderTurns writes one "Speaker: text" paragraph per turn.
func RenderTurns(turns []pkg.ConversationTurn) string {
	parts := make([]string, 0, len(turns))
	for _, t := range turns {
		parts = append(parts, speaker(t.Role)+": "+t.Text)
	}
	return strings.Join(parts, "\n\n")
}

func speaker(r pkg.Role) string {
	if r == pkg.RoleClinician {
		return "Doctor"
	}
	return "Assistant"
}
