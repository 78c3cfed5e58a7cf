// Package resultstore maps result files back to the experiment parameters
// they were produced for.
package resultstore

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/saltfish/spdispatch/internal/domain"
)

const tokenSeparator = "_"

// ErrMalformedName is returned when a filename does not follow the shape of
// its problem type.
var ErrMalformedName = errors.New("malformed result filename")

// Encode returns the result filename of p for the given problem spec.
func Encode(spec domain.ProblemSpec, p domain.ExperimentParameter) string {
	start, end := spec.Shape.OverallStart, spec.Shape.OverallEnd
	if spec.Yearly {
		start, end = p.StartDate, p.EndDate
	}

	tokens := []string{string(spec.Type), start.Compact(), end.Compact()}
	if spec.Shape.Marker != "" {
		tokens = append(tokens, spec.Shape.Marker)
	}
	tokens = append(tokens,
		"m"+strconv.Itoa(p.StockCount),
		"w"+strconv.Itoa(p.WindowLength),
		"s"+strconv.Itoa(p.ScenarioCount),
		p.Bias,
		strconv.Itoa(p.Repetition),
		"a"+p.Alpha,
	)

	return strings.Join(tokens, tokenSeparator) + spec.Shape.Extension
}

// Prefix returns the filename prefix shared by every result of the spec.
func Prefix(spec domain.ProblemSpec) string {
	prefix := string(spec.Type) + tokenSeparator
	if !spec.Yearly {
		prefix += spec.Shape.OverallStart.Compact() + tokenSeparator + spec.Shape.OverallEnd.Compact() + tokenSeparator
		if spec.Shape.Marker != "" {
			prefix += spec.Shape.Marker + tokenSeparator
		}
	}
	return prefix
}

// Decode parses a result filename (base name, with extension) back into a
// parameter. It is the exact inverse of Encode.
func Decode(spec domain.ProblemSpec, name string) (domain.ExperimentParameter, error) {
	malformed := func(reason string) error {
		return fmt.Errorf("%w: %s: %s", ErrMalformedName, name, reason)
	}

	if !strings.HasSuffix(name, spec.Shape.Extension) {
		return domain.ExperimentParameter{}, malformed("unexpected extension")
	}
	stem := strings.TrimSuffix(name, spec.Shape.Extension)

	typePrefix := string(spec.Type) + tokenSeparator
	if !strings.HasPrefix(stem, typePrefix) {
		return domain.ExperimentParameter{}, malformed("unexpected problem type")
	}
	tokens := strings.Split(strings.TrimPrefix(stem, typePrefix), tokenSeparator)

	want := 2 + 6
	if spec.Shape.Marker != "" {
		want++
	}
	if len(tokens) != want {
		return domain.ExperimentParameter{}, malformed(fmt.Sprintf("expected %d tokens, got %d", want, len(tokens)))
	}

	start, err := domain.ParseCompactDate(tokens[0])
	if err != nil {
		return domain.ExperimentParameter{}, malformed(err.Error())
	}
	end, err := domain.ParseCompactDate(tokens[1])
	if err != nil {
		return domain.ExperimentParameter{}, malformed(err.Error())
	}
	tokens = tokens[2:]

	if spec.Shape.Marker != "" {
		if tokens[0] != spec.Shape.Marker {
			return domain.ExperimentParameter{}, malformed("missing " + spec.Shape.Marker + " marker")
		}
		tokens = tokens[1:]
	}

	var p domain.ExperimentParameter
	if p.StockCount, err = prefixedInt(tokens[0], "m"); err != nil {
		return domain.ExperimentParameter{}, malformed(err.Error())
	}
	if p.WindowLength, err = prefixedInt(tokens[1], "w"); err != nil {
		return domain.ExperimentParameter{}, malformed(err.Error())
	}
	if p.ScenarioCount, err = prefixedInt(tokens[2], "s"); err != nil {
		return domain.ExperimentParameter{}, malformed(err.Error())
	}
	p.Bias = tokens[3]
	if p.Bias == "" {
		return domain.ExperimentParameter{}, malformed("empty bias token")
	}
	if p.Repetition, err = strconv.Atoi(tokens[4]); err != nil {
		return domain.ExperimentParameter{}, malformed("repetition: " + err.Error())
	}
	if !strings.HasPrefix(tokens[5], "a") || len(tokens[5]) == 1 {
		return domain.ExperimentParameter{}, malformed("alpha token " + tokens[5])
	}
	p.Alpha = tokens[5][1:]
	if _, err := strconv.ParseFloat(p.Alpha, 64); err != nil {
		return domain.ExperimentParameter{}, malformed("alpha: " + err.Error())
	}

	if spec.Yearly {
		p.StartDate, p.EndDate = start, end
	} else if start != spec.Shape.OverallStart || end != spec.Shape.OverallEnd {
		return domain.ExperimentParameter{}, malformed("experiment range " + start.Compact() + "_" + end.Compact())
	}

	return p, nil
}

func prefixedInt(token, prefix string) (int, error) {
	if !strings.HasPrefix(token, prefix) {
		return 0, fmt.Errorf("token %q lacks %q prefix", token, prefix)
	}
	n, err := strconv.Atoi(token[len(prefix):])
	if err != nil {
		return 0, fmt.Errorf("token %q: %w", token, err)
	}
	return n, nil
}
