package report

import (
	"encoding/json"

	"github.com/IvanShishkin/duparchive/pkg/models"
)

// JSONReport adds human-readable fields to the raw results
type JSONReport struct {
	*models.JobResults
	DurationText string `json:"duration_text"`
	Failed       bool   `json:"failed"`
}

func renderJSON(results *models.JobResults) ([]byte, error) {
	report := &JSONReport{
		JobResults:   results,
		DurationText: FormatDuration(results.Duration),
		Failed:       results.HasFailed(),
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
