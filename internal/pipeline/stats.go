package pipeline

import (
	"github.com/ChuLiYu/frameflow/internal/stage"
)

// StageStats is a point-in-time view of one stage.
type StageStats struct {
	Stage     string `json:"stage"`
	Queued    int    `json:"queued"`
	Dropped   int64  `json:"dropped"`
	BatchSize int    `json:"batch_size"`
	Workers   int    `json:"workers"`
}

// Stats is a point-in-time view of the pipeline.
type Stats struct {
	Sources        int          `json:"sources"`
	Results        int          `json:"results_buffered"`
	ResultsDropped int64        `json:"results_dropped"`
	Stages         []StageStats `json:"stages"`
}

// Stats reports queue depths, drops and batch targets of every stage.
func (o *Orchestrator) Stats() Stats {
	st := Stats{
		Sources:        len(o.Sources()),
		Results:        o.output.Len(),
		ResultsDropped: o.resultsDropped.Load(),
	}
	for _, kind := range stage.Kinds {
		m := o.Stage(kind)
		st.Stages = append(st.Stages, StageStats{
			Stage:     kind.String(),
			Queued:    m.Len(),
			Dropped:   m.Dropped(),
			BatchSize: m.BatchSize(),
			Workers:   m.Workers(),
		})
	}
	return st
}

// TotalDropped sums the drops of every stage queue; result buffer drops
// are in ResultsDropped.
func (s Stats) TotalDropped() int64 {
	var n int64
	for _, st := range s.Stages {
		n += st.Dropped
	}
	return n
}
