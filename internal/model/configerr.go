package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

type CueErrorDetail struct {
	Path    string // execution.reaper_interval
	Code    string // missing_required | unknown_field | conflicting_values | invalid_enum | type_mismatch | validation_error
	Message string // Human text
	Pos     CueErrorPosition
	Raw     string // original message
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.Pos.Filename),
		slog.Int("line", c.Pos.Line),
		slog.Int("column", c.Pos.Column),
	)
}

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

var (
	reIncomplete  = regexp.MustCompile(`(?i)incomplete value`)
	reNotAllowed  = regexp.MustCompile(`(?i)not allowed|unknown field`)
	reConflict    = regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible`)
	reExpectedGot = regexp.MustCompile(`(?i)expected .* got .*`)
	reEnum        = regexp.MustCompile(`(?i)must be one of|expected one of|empty disjunction`)
)

// enums lists config paths with a closed set of values, the error message
// for those paths enumerates the allowed values.
var enums = []string{"execution.mode"}

// CueErrDetails turns a LoadConfig error into one detail per reported position.
// Errors which do not come from CUE produce a single validation_error detail.
func CueErrDetails(err error) []CueErrorDetail {
	if err == nil {
		return nil
	}

	seen := make(map[CueErrorPosition]struct{})
	var out []CueErrorDetail
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		raw := fmt.Sprintf(format, args...)
		path := normalizePath(e.Path())
		code, msg := classify(raw, path)

		for _, enum := range enums {
			if path != enum {
				continue
			}
			values, dflt := enumStrings(schema.LookupPath(cue.ParsePath(enum)))
			msg += fmt.Sprintf(": possible values (%s)", strings.Join(values, ","))
			if dflt != "" {
				msg += fmt.Sprintf(" (default %s)", dflt)
			}
		}

		pos := position(e)
		if _, ok := seen[pos]; ok && pos.Filename != "" {
			continue
		}
		seen[pos] = struct{}{}

		out = append(out, CueErrorDetail{
			Path:    path,
			Code:    code,
			Message: msg,
			Pos:     pos,
			Raw:     raw,
		})
	}
	if len(out) == 0 {
		out = append(out, CueErrorDetail{Code: "validation_error", Message: err.Error(), Raw: err.Error()})
	}
	return out
}

func enumStrings(v cue.Value) (values []string, dflt string) {
	if d, ok := v.Default(); ok {
		if s, err := d.String(); err == nil {
			dflt = s
		}
	}
	op, args := v.Expr()
	if op != cue.OrOp {
		return
	}
	for _, a := range args {
		if s, err := a.String(); err == nil {
			values = append(values, s)
		}
	}
	return
}

func position(err cueerrors.Error) CueErrorPosition {
	for _, r := range cueerrors.Positions(err) {
		if r.Filename() == "" {
			continue
		}
		return CueErrorPosition{
			Filename: r.Filename(),
			Line:     r.Line(),
			Column:   r.Column(),
		}
	}
	return CueErrorPosition{}
}

func normalizePath(p []string) string {
	if len(p) == 0 {
		return ""
	}
	// drop the leading #Config
	if strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}

func classify(raw, path string) (code, msg string) {
	switch {
	case reNotAllowed.MatchString(raw):
		return "unknown_field", fmt.Sprintf("Field %s is not allowed", last(path))
	case reIncomplete.MatchString(raw):
		return "missing_required", fmt.Sprintf("Field %s is required", last(path))
	case reEnum.MatchString(raw):
		return "invalid_enum", fmt.Sprintf("Field %s has invalid value", last(path))
	case reConflict.MatchString(raw):
		return "conflicting_values", fmt.Sprintf("Conflicting values for %s", last(path))
	case reExpectedGot.MatchString(raw):
		return "type_mismatch", fmt.Sprintf("Field %s has wrong type/value", last(path))
	default:
		return "validation_error", raw
	}
}

func last(p string) string {
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		return p[i+1:]
	}
	return p
}
