package validate

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

const MinPasswordLength = 8

// Reason codes reported by PasswordStrength for every failed check
const (
	ReasonLength    = "length"
	ReasonMixedCase = "mixed_case"
	ReasonDigit     = "digit"
	ReasonSymbol    = "symbol"
)

var std = New()

// New returns a validator reporting fields by their json names
func New() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(useJSONTagNames)
	return v
}

func useJSONTagNames(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	// skip if tag key says it should be ignored
	if name == "-" {
		return ""
	}
	return name
}

// Struct validates v against its validate tags
// Returned error is validator.ValidationErrors when a field is rejected
func Struct(v any) error {
	return std.Struct(v)
}

// EmailFormat checks that s looks like an email address, case insensitive
func EmailFormat(s string) bool {
	return std.Var(strings.ToLower(s), "required,email") == nil
}

type Strength struct {
	Valid   bool     `json:"valid"`
	Score   int      `json:"score"` // 0..4
	Reasons []string `json:"reasons"`
}

// PasswordStrength scores a password one point per satisfied rule:
// length of at least 8, mixed case, a digit, a symbol
// Three points make a valid password
func PasswordStrength(s string) Strength {
	var lower, upper, digit, symbol bool
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
			lower = true
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= '0' && r <= '9':
			digit = true
		default:
			symbol = true
		}
	}

	checks := []struct {
		ok     bool
		reason string
	}{
		{len([]rune(s)) >= MinPasswordLength, ReasonLength},
		{lower && upper, ReasonMixedCase},
		{digit, ReasonDigit},
		{symbol, ReasonSymbol},
	}

	st := Strength{Reasons: []string{}}
	for _, c := range checks {
		if c.ok {
			st.Score++
			continue
		}
		st.Reasons = append(st.Reasons, c.reason)
	}
	st.Valid = st.Score >= 3

	return st
}
