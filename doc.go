// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package gridml implements a distributed pipeline that turns
// spatially partitioned raster covariates and point observations into
// trained predictive models, and renders model predictions back onto
// a raster grid.
//
// A pipeline runs SPMD-style over a fixed group of workers (package
// comm): every worker runs the same program over its deterministic
// share of the data (package chunk), and all coordination happens
// through blocking collective calls. The entry points here are Learn,
// Predict, and Cluster; each takes an immutable Config and an Env
// naming the run's collaborators, and must be invoked with identical
// arguments on every rank.
//
// Feature composition (package feature) computes shared statistics
// cooperatively and stores them in the model bundle, so that
// prediction-time features are composed in exactly the training-time
// basis. Cross-validation and feature ranking live in package
// validate; rendering in package render.
package gridml
