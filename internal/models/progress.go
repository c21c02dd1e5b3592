package models

import "time"

// AnalysisProgress is the in-memory progress of a run, polled by callers while the run mutates it.
type AnalysisProgress struct {
	RunID              string        `json:"run_id"`
	OwnerID            string        `json:"owner_id"`
	Phase              RunStatus     `json:"phase"`
	Percentage         float64       `json:"percentage"`
	Processed          int           `json:"processed"`
	Total              int           `json:"total"`
	GroupsFound        int           `json:"groups_found"`
	EstimatedRemaining time.Duration `json:"estimated_remaining"`
	Message            string        `json:"message,omitempty"`
	Error              string        `json:"error,omitempty"`
	StartedAt          time.Time     `json:"started_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
	FinishedAt         *time.Time    `json:"finished_at,omitempty"`
}

// Done reports whether the run reached a terminal phase.
func (p AnalysisProgress) Done() bool {
	return p.Phase.Terminal()
}

// Estimate fills Percentage and EstimatedRemaining from the processed/total counters.
//
// The estimate assumes a constant rate since StartedAt.
func (p *AnalysisProgress) Estimate(now time.Time) {
	if p.Total <= 0 {
		p.Percentage = 0
		p.EstimatedRemaining = 0
		return
	}

	processed := min(p.Processed, p.Total)
	p.Percentage = float64(processed) / float64(p.Total) * 100
	if processed == 0 {
		p.EstimatedRemaining = 0
		return
	}

	elapsed := now.Sub(p.StartedAt)
	perItem := elapsed / time.Duration(processed)
	p.EstimatedRemaining = perItem * time.Duration(p.Total-processed)
}
