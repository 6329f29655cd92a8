// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package validate

import (
	"encoding/json"
	"io"
)

// rankReport is the serialized form of a ranking report. JSON object
// keys are emitted sorted, so reports diff cleanly between runs.
type rankReport struct {
	Ranks map[string][]rankReportEntry `json:"ranks"`
}

type rankReportEntry struct {
	Source string  `json:"source"`
	Score  float64 `json:"score"`
}

// WriteRankReport writes the feature-ranking report to w.
func WriteRankReport(w io.Writer, r Ranking) error {
	report := rankReport{Ranks: make(map[string][]rankReportEntry, len(r))}
	for metric, entries := range r {
		out := make([]rankReportEntry, len(entries))
		for i, e := range entries {
			out[i] = rankReportEntry{Source: e.Source, Score: e.Score}
		}
		report.Ranks[metric] = out
	}
	return writeJSON(w, &report)
}

type scoreReport struct {
	Scores map[string]float64 `json:"scores"`
	Folds  []scoreReportFold  `json:"folds"`
}

type scoreReportFold struct {
	Fold   int                `json:"fold"`
	Index  []int              `json:"index"`
	True   []float64          `json:"y_true"`
	Pred   []float64          `json:"y_pred"`
	Scores map[string]float64 `json:"scores"`
}

// WriteScoreReport writes the cross-validation report to w, including
// the per-fold observed and predicted values alongside the scores.
func WriteScoreReport(w io.Writer, r *Result) error {
	report := scoreReport{Scores: r.Scores, Folds: make([]scoreReportFold, len(r.Folds))}
	for i, f := range r.Folds {
		report.Folds[i] = scoreReportFold{
			Fold:   f.Fold,
			Index:  f.Index,
			True:   f.True,
			Pred:   f.Pred,
			Scores: f.Scores,
		}
	}
	return writeJSON(w, &report)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "\t")
	return enc.Encode(v)
}
