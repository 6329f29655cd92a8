// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package validate

import (
	"context"
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/gridml/comm"
	"github.com/grailbio/gridml/feature"
	"github.com/grailbio/gridml/model"
)

// A RankEntry associates a feature source with the cross-validation
// score obtained with that source removed.
type RankEntry struct {
	Source string
	Score  float64
}

// A Ranking maps each metric to its leave-one-source-out rank
// ordering, sorted ascending by score. Whether ascending means "most
// important first" depends on the metric's orientation (see
// LowerIsBetter); reversal is the caller's policy.
type Ranking map[string][]RankEntry

// RankConfig parameterizes a feature-ranking run: the model under
// evaluation and the composition settings to reapply to each reduced
// source set.
type RankConfig struct {
	Algorithm  string
	Options    model.Options
	Impute     bool
	Transforms []string
	Fraction   float64
	Folds      int
	Seed       int64
}

// RankFeatures scores each feature source by leave-one-source-out
// cross-validation: for each source, in name order, the remaining
// sources are recomposed from scratch and cross-validated, and the
// resulting aggregate score is recorded against the removed source.
//
// The loop is strictly sequential: each iteration runs collectives,
// so all ranks must traverse the sources in the same order. sources
// holds this rank's local chunks; index gives the global sample index
// of each local row; y holds observed values by global index.
func RankFeatures(ctx context.Context, g comm.Group, cfg RankConfig, sources feature.SourceSet, index []int, y []float64) (Ranking, error) {
	if len(sources) < 2 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf(
			"rank: %d feature sources; ranking needs at least 2", len(sources)))
	}
	ranking := make(Ranking)
	for _, name := range sources.Names() {
		composer, err := feature.NewComposer(cfg.Impute, cfg.Transforms, cfg.Fraction)
		if err != nil {
			return nil, err
		}
		reduced, err := feature.Concat(sources.Without(name))
		if err != nil {
			return nil, errors.E(fmt.Sprintf("rank: without %s", name), err)
		}
		composed, _, err := composer.Compose(ctx, g, reduced)
		if err != nil {
			return nil, errors.E(fmt.Sprintf("rank: without %s", name), err)
		}
		data, err := feature.GatherComposed(ctx, g, composed, index)
		if err != nil {
			return nil, errors.E(fmt.Sprintf("rank: without %s", name), err)
		}
		result, err := CrossValidate(ctx, g, cfg.Algorithm, cfg.Options, data, y, cfg.Folds, cfg.Seed)
		if err != nil {
			return nil, errors.E(fmt.Sprintf("rank: without %s", name), err)
		}
		for metric, score := range result.Scores {
			ranking[metric] = append(ranking[metric], RankEntry{Source: name, Score: score})
		}
		log.Printf("rank: scored source %s", name)
	}
	for metric := range ranking {
		entries := ranking[metric]
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].Score != entries[j].Score {
				return entries[i].Score < entries[j].Score
			}
			return entries[i].Source < entries[j].Source
		})
	}
	return ranking, nil
}
