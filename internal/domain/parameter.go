// Package domain contains the core experiment models for the dispatcher.
package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// KeySeparator joins parameter fields in a ledger key.
const KeySeparator = "|"

// Bias modes understood by the external runners.
const (
	BiasUnbiased = "unbiased"
	BiasBiased   = "biased"
)

// Date is a calendar date without time zone. The zero value means "absent".
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// NewDate creates a Date.
func NewDate(year int, month time.Month, day int) Date {
	return Date{Year: year, Month: month, Day: day}
}

// IsZero reports whether the date is absent.
func (d Date) IsZero() bool {
	return d == Date{}
}

// String formats the date as YYYY-MM-DD.
func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// Compact formats the date as YYYYMMDD, the form used in result filenames.
func (d Date) Compact() string {
	return fmt.Sprintf("%04d%02d%02d", d.Year, int(d.Month), d.Day)
}

// Before reports whether d is strictly before o.
func (d Date) Before(o Date) bool {
	if d.Year != o.Year {
		return d.Year < o.Year
	}
	if d.Month != o.Month {
		return d.Month < o.Month
	}
	return d.Day < o.Day
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return NewDate(t.Year(), t.Month(), t.Day()), nil
}

// ParseCompactDate parses a YYYYMMDD date.
func ParseCompactDate(s string) (Date, error) {
	if len(s) != 8 {
		return Date{}, fmt.Errorf("invalid compact date %q", s)
	}
	t, err := time.Parse("20060102", s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid compact date %q: %w", s, err)
	}
	return NewDate(t.Year(), t.Month(), t.Day()), nil
}

// MarshalYAML encodes the date as YYYY-MM-DD.
func (d Date) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML decodes a YYYY-MM-DD date.
func (d *Date) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ExperimentParameter identifies one experiment run in a grid.
// It is comparable and used directly as a map key.
type ExperimentParameter struct {
	StockCount    int
	WindowLength  int
	ScenarioCount int
	Bias          string
	Repetition    int
	// Alpha keeps the exact token used in result filenames ("0.5" and
	// "0.50" are different parameters).
	Alpha string

	// Only set for yearly problem types.
	StartDate Date
	EndDate   Date
}

// HasDateRange reports whether the parameter carries a yearly date range.
func (p ExperimentParameter) HasDateRange() bool {
	return !p.StartDate.IsZero() || !p.EndDate.IsZero()
}

// Key returns the ledger encoding of the parameter.
func (p ExperimentParameter) Key() string {
	fields := []string{
		strconv.Itoa(p.StockCount),
		strconv.Itoa(p.WindowLength),
		strconv.Itoa(p.ScenarioCount),
		p.Bias,
		strconv.Itoa(p.Repetition),
		p.Alpha,
	}
	if p.HasDateRange() {
		fields = append(fields, p.StartDate.String(), p.EndDate.String())
	}
	return strings.Join(fields, KeySeparator)
}

// String returns a human readable form for logs.
func (p ExperimentParameter) String() string {
	return "(" + strings.ReplaceAll(p.Key(), KeySeparator, ", ") + ")"
}

// Biased reports whether the runner should use biased scenario generation.
func (p ExperimentParameter) Biased() bool {
	return p.Bias == BiasBiased
}

// AlphaValue returns the confidence level as a float.
func (p ExperimentParameter) AlphaValue() (float64, error) {
	return strconv.ParseFloat(p.Alpha, 64)
}

// ParseKey decodes a ledger key produced by Key. Keys with six fields decode
// to non-yearly parameters, keys with eight fields carry a date range.
func ParseKey(key string) (ExperimentParameter, error) {
	fields := strings.Split(key, KeySeparator)
	if len(fields) != 6 && len(fields) != 8 {
		return ExperimentParameter{}, fmt.Errorf("ledger key %q: expected 6 or 8 fields, got %d", key, len(fields))
	}

	ints := make([]int, 0, 4)
	for _, idx := range []int{0, 1, 2, 4} {
		n, err := strconv.Atoi(fields[idx])
		if err != nil {
			return ExperimentParameter{}, fmt.Errorf("ledger key %q: field %d: %w", key, idx, err)
		}
		ints = append(ints, n)
	}
	if fields[3] == "" || fields[5] == "" {
		return ExperimentParameter{}, fmt.Errorf("ledger key %q: empty bias or alpha", key)
	}

	p := ExperimentParameter{
		StockCount:    ints[0],
		WindowLength:  ints[1],
		ScenarioCount: ints[2],
		Bias:          fields[3],
		Repetition:    ints[3],
		Alpha:         fields[5],
	}

	if len(fields) == 8 {
		start, err := ParseDate(fields[6])
		if err != nil {
			return ExperimentParameter{}, fmt.Errorf("ledger key %q: start date: %w", key, err)
		}
		end, err := ParseDate(fields[7])
		if err != nil {
			return ExperimentParameter{}, fmt.Errorf("ledger key %q: end date: %w", key, err)
		}
		p.StartDate, p.EndDate = start, end
	}

	return p, nil
}

// ParamSet is an unordered set of experiment parameters.
type ParamSet map[ExperimentParameter]struct{}

// NewParamSet creates a set holding the given parameters.
func NewParamSet(params ...ExperimentParameter) ParamSet {
	s := make(ParamSet, len(params))
	for _, p := range params {
		s[p] = struct{}{}
	}
	return s
}

// Add inserts p.
func (s ParamSet) Add(p ExperimentParameter) {
	s[p] = struct{}{}
}

// Remove deletes p.
func (s ParamSet) Remove(p ExperimentParameter) {
	delete(s, p)
}

// Contains reports whether p is in the set.
func (s ParamSet) Contains(p ExperimentParameter) bool {
	_, ok := s[p]
	return ok
}

// Len returns the number of parameters.
func (s ParamSet) Len() int {
	return len(s)
}

// Clone returns a copy of the set.
func (s ParamSet) Clone() ParamSet {
	c := make(ParamSet, len(s))
	for p := range s {
		c[p] = struct{}{}
	}
	return c
}

// Difference returns the parameters of s that are in none of others.
func (s ParamSet) Difference(others ...ParamSet) ParamSet {
	out := make(ParamSet, len(s))
	for p := range s {
		excluded := false
		for _, o := range others {
			if o.Contains(p) {
				excluded = true
				break
			}
		}
		if !excluded {
			out[p] = struct{}{}
		}
	}
	return out
}

// Sorted returns the parameters in a stable order. Only logs and reports
// depend on the order; dispatch never does.
func (s ParamSet) Sorted() []ExperimentParameter {
	out := make([]ExperimentParameter, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return lessParam(out[i], out[j])
	})
	return out
}

func lessParam(a, b ExperimentParameter) bool {
	if a.StartDate != b.StartDate {
		return a.StartDate.Before(b.StartDate)
	}
	if a.EndDate != b.EndDate {
		return a.EndDate.Before(b.EndDate)
	}
	if a.StockCount != b.StockCount {
		return a.StockCount < b.StockCount
	}
	if a.WindowLength != b.WindowLength {
		return a.WindowLength < b.WindowLength
	}
	if a.ScenarioCount != b.ScenarioCount {
		return a.ScenarioCount < b.ScenarioCount
	}
	if a.Bias != b.Bias {
		return a.Bias < b.Bias
	}
	if a.Repetition != b.Repetition {
		return a.Repetition < b.Repetition
	}
	return a.Alpha < b.Alpha
}
