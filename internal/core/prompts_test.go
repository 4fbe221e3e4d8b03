package core

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lab-assistant/pkg"
)

func TestPromptSpec_Render(t *testing.T) {
	spec := PromptSpec{Sections: []Section{
		{Body: "Intro."},
		{Title: "LIST", Items: []string{"a", "b"}, Numbered: true},
		{Title: "BULLETS", Body: "Lead:", Items: []string{"x"}},
	}}
	assert.Equal(t, "Intro.\n\nLIST:\n1. a\n2. b\n\nBULLETS:\nLead:\n- x\n", spec.Render())
}

func TestBuildReportPrompt_EmbedsRecordAndContextVerbatim(t *testing.T) {
	record := &pkg.PatientRecord{Kind: pkg.KindTable, Text: "glucose,unit\n180,mg/dL\n90,mg/dL\n"}
	clinical := "65-year-old, fatigue;\n  polyuria \"recent\""

	out := BuildReportPrompt(record, clinical, pkg.LanguageEnglish).Render()

	assert.Contains(t, out, record.Text)
	assert.Contains(t, out, clinical)
	assert.Contains(t, out, "Write the entire response in English.")

	order := []string{ReportFraming, "PATIENT LAB RESULTS:", "CLINICAL CONTEXT:", "TASKS:", "RULES:", "LANGUAGE:"}
	last := -1
	for _, marker := range order {
		idx := strings.Index(out, marker)
		require.GreaterOrEqual(t, idx, 0, marker)
		assert.Greater(t, idx, last, marker)
		last = idx
	}
	for i, task := range ReportTasks {
		assert.Contains(t, out, fmt.Sprintf("%d. %s", i+1, task))
	}
}

func TestBuildReportPrompt_EmptyContext(t *testing.T) {
	out := BuildReportPrompt(&pkg.PatientRecord{Kind: pkg.KindText, Text: "Hb 9"}, "", pkg.LanguageFrench).Render()
	assert.Contains(t, out, "CLINICAL CONTEXT:\n\n\nTASKS:")
	assert.Contains(t, out, "Write the entire response in French.")
}

func TestBuildFollowUpPrompt(t *testing.T) {
	record := &pkg.PatientRecord{Kind: pkg.KindText, Text: "LDL 190 mg/dL"}
	turns := []pkg.ConversationTurn{
		{Role: pkg.RoleAssistant, Text: "Report OK"},
		{Role: pkg.RoleClinician, Text: "Statin?"},
		{Role: pkg.RoleAssistant, Text: "Consider atorvastatin."},
	}

	out := BuildFollowUpPrompt(record, turns, "", "Dose?", pkg.LanguageEnglish).Render()

	assert.True(t, strings.HasPrefix(out, FollowUpFraming))
	assert.Contains(t, out, "PATIENT DATA:\nLDL 190 mg/dL")
	assert.Contains(t, out, "Assistant: Report OK\n\nDoctor: Statin?\n\nAssistant: Consider atorvastatin.")
	assert.Contains(t, out, "CLINICIAN'S QUESTION:\nDose?")
	assert.NotContains(t, out, "EARLIER CONVERSATION SUMMARY")

	withDigest := BuildFollowUpPrompt(record, turns[2:], "statins discussed", "Dose?", pkg.LanguageEnglish).Render()
	assert.Contains(t, withDigest, "EARLIER CONVERSATION SUMMARY:\nstatins discussed")
	assert.Less(t, strings.Index(withDigest, "EARLIER CONVERSATION SUMMARY"), strings.Index(withDigest, "CONVERSATION HISTORY"))
}

func TestLanguageName(t *testing.T) {
	name, ok := LanguageName(pkg.LanguageFrench)
	assert.True(t, ok)
	assert.Equal(t, "French", name)

	_, ok = LanguageName("xx")
	assert.False(t, ok)
}
