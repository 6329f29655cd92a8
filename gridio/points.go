// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gridio

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/gridml/target"
)

// LoadPoints loads a point observation set from a CSV file with a
// header row. The lon and lat columns are fixed; field selects the
// observation value column. Rows with unparseable values fail the
// load: this pipeline performs no automatic retries or row skipping,
// operator intervention is expected.
func LoadPoints(path, field string) (*target.PointSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadPoints(f, field)
}

// ReadPoints reads CSV point records from r; see LoadPoints.
func ReadPoints(r io.Reader, field string) (*target.PointSet, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, errors.E("points: read header", err)
	}
	lonCol, latCol, valCol := -1, -1, -1
	for i, name := range header {
		switch name {
		case "lon":
			lonCol = i
		case "lat":
			latCol = i
		case field:
			valCol = i
		}
	}
	if lonCol < 0 || latCol < 0 || valCol < 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf(
			"points: header %v missing lon, lat, or field %q", header, field))
	}
	var lon, lat, value []float64
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.E(fmt.Sprintf("points: line %d", line), err)
		}
		lo, err := strconv.ParseFloat(rec[lonCol], 64)
		if err != nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("points: line %d: bad lon %q", line, rec[lonCol]))
		}
		la, err := strconv.ParseFloat(rec[latCol], 64)
		if err != nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("points: line %d: bad lat %q", line, rec[latCol]))
		}
		v, err := strconv.ParseFloat(rec[valCol], 64)
		if err != nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("points: line %d: bad %s %q", line, field, rec[valCol]))
		}
		lon = append(lon, lo)
		lat = append(lat, la)
		value = append(value, v)
	}
	return target.New(lon, lat, value)
}
