// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package validate

import "gonum.org/v1/gonum/stat"

// Metrics lists the regression metrics computed for every fold, in
// report order.
var Metrics = []string{"expvar", "mse", "r2"}

// LowerIsBetter reports the orientation of each metric. Rankings are
// always sorted ascending by score; callers wanting "best first" for a
// higher-is-better metric reverse the order themselves.
var LowerIsBetter = map[string]bool{
	"expvar": false,
	"mse":    true,
	"r2":     false,
}

// Scores computes all metrics for a (observed, predicted) pair.
func Scores(trueVals, pred []float64) map[string]float64 {
	return map[string]float64{
		"expvar": explainedVariance(trueVals, pred),
		"mse":    meanSquaredError(trueVals, pred),
		"r2":     rSquared(trueVals, pred),
	}
}

func meanSquaredError(trueVals, pred []float64) float64 {
	var sum float64
	for i := range trueVals {
		d := trueVals[i] - pred[i]
		sum += d * d
	}
	return sum / float64(len(trueVals))
}

func rSquared(trueVals, pred []float64) float64 {
	mean := stat.Mean(trueVals, nil)
	var ssRes, ssTot float64
	for i := range trueVals {
		d := trueVals[i] - pred[i]
		ssRes += d * d
		m := trueVals[i] - mean
		ssTot += m * m
	}
	if ssTot == 0 {
		return 0
	}
	return 1 - ssRes/ssTot
}

func explainedVariance(trueVals, pred []float64) float64 {
	resid := make([]float64, len(trueVals))
	for i := range trueVals {
		resid[i] = trueVals[i] - pred[i]
	}
	varY := stat.Variance(trueVals, nil)
	if varY == 0 {
		return 0
	}
	return 1 - stat.Variance(resid, nil)/varY
}
