package model

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrISOFormat = errors.New("invalid ISO8601 duration")
	ErrSchedule  = errors.New("schedule needs exactly one of cron or duration")
)

var cron5 = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a 5 field cron expression or a descriptor (@hourly, @every 5m).
func ParseCron(expr string) (cron.Schedule, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return nil, fmt.Errorf("empty cron expression")
	}
	return cron5.Parse(e)
}

// Interval returns the period of a schedule: either the parsed ISO duration
// or the distance between the next two cron activations.
func (s Schedule) Interval(now time.Time) (time.Duration, error) {
	switch {
	case (s.Cron == "") == (s.Duration == ""):
		return 0, ErrSchedule
	case s.Duration != "":
		return ParseISODuration(s.Duration)
	}
	sched, err := ParseCron(s.Cron)
	if err != nil {
		return 0, err
	}
	next := sched.Next(now)
	return sched.Next(next).Sub(next), nil
}

var isoDurationRx = regexp.MustCompile(`^P((?P<day>\d+)D)?(T?(?:(?P<hour>[+-]?\d+)H)?(?:(?P<minute>[+-]?\d+)M)?(?:(?P<second>[+-]?\d+(?:[.,]\d+)?)S)?)?$`)

var isoUnits = map[string]time.Duration{
	"day":    24 * time.Hour,
	"hour":   time.Hour,
	"minute": time.Minute,
	"second": time.Second,
}

// ParseISODuration parses the day and time part of ISO-8601 durations (P1D, PT5M, PT1.5S).
// Years, months and weeks are rejected.
func ParseISODuration(dur string) (time.Duration, error) {
	if dur == "" || dur == "P" || dur == "PT" || !isoDurationRx.MatchString(dur) {
		return 0, ErrISOFormat
	}
	match := isoDurationRx.FindStringSubmatch(dur)
	hasT := strings.Contains(dur, "T")
	hasHMS := false

	var ret time.Duration
	for i, name := range isoDurationRx.SubexpNames() {
		part := match[i]
		unit, ok := isoUnits[name]
		if !ok || part == "" {
			continue
		}
		if name != "day" {
			hasHMS = true
		}
		// P2M is a month without T
		if name == "minute" && !hasT {
			return 0, ErrISOFormat
		}

		num, frac, err := splitNumber(part)
		if err != nil {
			return 0, err
		}
		ret += time.Duration(num) * unit
		if num >= 0 {
			ret += time.Duration(frac * float64(unit))
		} else {
			ret -= time.Duration(frac * float64(unit))
		}
	}

	// P2DT
	if hasT && !hasHMS {
		return 0, ErrISOFormat
	}
	return ret, nil
}

func splitNumber(s string) (num int, frac float64, err error) {
	s = strings.Replace(s, ",", ".", 1)
	whole, fraction, ok := strings.Cut(s, ".")
	if ok {
		if len(fraction) > 9 {
			return 0, 0, ErrISOFormat
		}
		f, err := strconv.Atoi(fraction)
		if err != nil {
			return 0, 0, fmt.Errorf("parsing fraction: %w", err)
		}
		frac = float64(f) / math.Pow10(len(fraction))
	}
	num, err = strconv.Atoi(whole)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing number: %w", err)
	}
	return num, frac, nil
}
