// Package validate enforces submission size limits before any file is staged
// or any upstream call is issued. Lengths are counted in Unicode code points.
package validate

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ErrValidation matches every error produced by this package.
var ErrValidation = errors.New("validation failed")

// FieldTooLongError reports a field over its declared limit.
type FieldTooLongError struct {
	Field  string
	Limit  int
	Length int
}

func (e *FieldTooLongError) Error() string {
	return fmt.Sprintf("%s field too long, should not exceed %d characters.", capitalize(e.Field), e.Limit)
}

func (e *FieldTooLongError) Is(target error) bool { return target == ErrValidation }

// BodyTooLongError reports a submission whose fields sum past the total limit.
type BodyTooLongError struct {
	Limit  int
	Length int
}

func (e *BodyTooLongError) Error() string {
	return fmt.Sprintf("Request body too long, should not exceed %d characters.", e.Limit)
}

func (e *BodyTooLongError) Is(target error) bool { return target == ErrValidation }

// FieldError is a field-level rule violation other than length.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s %s", capitalize(e.Field), e.Reason)
}

func (e *FieldError) Is(target error) bool { return target == ErrValidation }

// Validate checks per-field limits first, in sorted field order, then the
// aggregate. A totalLimit of zero disables the aggregate check.
func Validate(fields map[string]string, totalLimit int, perField map[string]int) error {
	names := make([]string, 0, len(perField))
	for name := range perField {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		limit := perField[name]
		value, ok := fields[name]
		if !ok || limit <= 0 {
			continue
		}
		if n := utf8.RuneCountInString(value); n > limit {
			return &FieldTooLongError{Field: name, Limit: limit, Length: n}
		}
	}
	if totalLimit <= 0 {
		return nil
	}
	total := 0
	for _, value := range fields {
		total += utf8.RuneCountInString(value)
	}
	if total > totalLimit {
		return &BodyTooLongError{Limit: totalLimit, Length: total}
	}
	return nil
}

// Required fails on the first named field that is missing or blank.
func Required(fields map[string]string, names ...string) error {
	for _, name := range names {
		if strings.TrimSpace(fields[name]) == "" {
			return &FieldError{Field: name, Reason: "is required"}
		}
	}
	return nil
}

// PositiveInt parses a reference field such as author_id.
func PositiveInt(field, value string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || n <= 0 {
		return 0, &FieldError{Field: field, Reason: "must be a positive integer"}
	}
	return n, nil
}

// Checkbox mirrors HTML form semantics: only "on" (or a truthy literal) is checked.
func Checkbox(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "on", "true", "1", "yes":
		return true
	}
	return false
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	return strings.ToUpper(string(r)) + s[size:]
}
