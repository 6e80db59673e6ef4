package profile

import (
	"strconv"
	"strings"
)

// ValidationErrors maps field name to a human-readable message. An empty set
// is the gating condition for committing the profile and leaving stage 1.
type ValidationErrors map[string]string

const (
	msgRequired = "必須入力です"
	msgInteger  = "整数で入力"
	msgPercent  = "0〜100の数値(％)"
)

var fullwidthDigits = strings.NewReplacer(
	"０", "0", "１", "1", "２", "2", "３", "3", "４", "4",
	"５", "5", "６", "6", "７", "7", "８", "8", "９", "9",
)

// Normalize maps full-width numerals to ASCII and strips thousands
// separators (both ASCII and full-width commas) before any numeric parse.
func Normalize(v string) string {
	v = strings.ReplaceAll(v, ",", "")
	v = strings.ReplaceAll(v, "，", "")
	return strings.TrimSpace(fullwidthDigits.Replace(v))
}

func parseYen(v string) (int64, bool) {
	n, err := strconv.ParseInt(Normalize(v), 10, 64)
	return n, err == nil
}

func parsePercent(v string) (float64, bool) {
	s := Normalize(v)
	s = strings.TrimSuffix(s, "%")
	s = strings.TrimSuffix(s, "％")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 || f > 100 {
		return 0, false
	}
	return f, true
}

// ValidateField checks a single field and returns an empty string when valid.
func ValidateField(name, value string) string {
	for _, req := range RequiredFields {
		if name == req && strings.TrimSpace(value) == "" {
			return msgRequired
		}
	}
	for _, f := range IntFields {
		if name == f && strings.TrimSpace(value) != "" {
			if _, ok := parseYen(value); !ok {
				return msgInteger
			}
		}
	}
	if name == FieldMargin && strings.TrimSpace(value) != "" {
		if _, ok := parsePercent(value); !ok {
			return msgPercent
		}
	}
	return ""
}

// Validate recomputes the full error set from scratch. Callers must replace
// any previously displayed set wholesale; merging would leak stale entries
// for fields that have since been corrected.
func Validate(r *Record) ValidationErrors {
	errs := ValidationErrors{}
	for _, name := range []string{
		FieldCompanyName, FieldIndustry, FieldRegion, FieldProducts,
		FieldCustomers, FieldRevenue, FieldMargin, FieldProfit,
		FieldLoan, FieldProblem,
	} {
		if msg := ValidateField(name, r.field(name)); msg != "" {
			errs[name] = msg
		}
	}
	return errs
}

// Commit parses the numeric fields into their typed slots. It must only be
// called after Validate returned an empty set; until then the record keeps
// raw strings so the form can round-trip exactly what the user typed.
func Commit(r *Record) {
	r.RevenueYen = commitYen(r.Revenue)
	r.ProfitYen = commitYen(r.Profit)
	r.LoanYen = commitYen(r.Loan)
	if strings.TrimSpace(r.Margin) != "" {
		if f, ok := parsePercent(r.Margin); ok {
			r.MarginPct = &f
		}
	} else {
		r.MarginPct = nil
	}
}

func commitYen(raw string) *int64 {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	n, ok := parseYen(raw)
	if !ok {
		return nil
	}
	return &n
}
