package report

import (
	"bytes"
	"context"

	_ "embed"
)

//go:embed sample.csv
var sampleCSV []byte

// Sample returns the demo dataset served without running a scan.
func Sample(ctx context.Context) Report {
	r, err := Parse(ctx, bytes.NewReader(sampleCSV))
	if err != nil {
		panic(err)
	}
	return r
}
