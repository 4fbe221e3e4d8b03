package core

import (
	"context"

	"lab-assistant/internal/llm"
	"lab-assistant/pkg"
)

// ReportService produces the narrative report for uploaded lab results.
type ReportService struct {
	LLM llm.Generator
}

// NewReportService constructs a new ReportService with the given generator.
func NewReportService(client llm.Generator) *ReportService {
	return &ReportService{LLM: client}
}

// Generate renders the report prompt and issues exactly one generation
// call.  Failures are returned unchanged.
func (r *ReportService) Generate(ctx context.Context, record *pkg.PatientRecord, clinicalContext string, lang pkg.Language) (string, error) {
	if record.Empty() {
		return "", pkg.ErrNoPatientRecord
	}
	prompt := BuildReportPrompt(record, clinicalContext, lang).Render()
	return r.LLM.Generate(ctx, prompt)
}
