package model

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var ErrISOFormat = errors.New("invalid ISO8601 duration")

// isoDuration is the day-time subset of ISO-8601, PnDTnHnMn.nS. Years,
// months and weeks have no fixed length and are rejected.
var isoDuration = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)(?:[.,](\d{1,9}))?S)?)?$`)

var isoUnits = [...]time.Duration{24 * time.Hour, time.Hour, time.Minute, time.Second}

// ParseISODuration converts configuration durations like PT5S, PT0.5S or
// P1DT12H.
func ParseISODuration(s string) (time.Duration, error) {
	m := isoDuration.FindStringSubmatch(s)
	if m == nil || s == "P" || strings.HasSuffix(s, "T") {
		return 0, fmt.Errorf("%w: %q", ErrISOFormat, s)
	}

	var d time.Duration
	for i, unit := range isoUnits {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.ParseInt(m[i+1], 10, 64)
		if err != nil || n > math.MaxInt64/int64(unit)-int64(d/unit) {
			return 0, fmt.Errorf("%w: %q out of range", ErrISOFormat, s)
		}
		d += time.Duration(n) * unit
	}
	if frac := m[5]; frac != "" {
		ns, err := strconv.Atoi(frac + strings.Repeat("0", 9-len(frac)))
		if err != nil {
			return 0, fmt.Errorf("%w: %q: %w", ErrISOFormat, s, err)
		}
		d += time.Duration(ns)
	}
	return d, nil
}
