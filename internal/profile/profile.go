package profile

import (
	"encoding/json"
	"strings"
)

// Field names used across the wizard API, validation error maps, and prompt
// construction. These are the canonical keys; the Japanese labels shown to
// the model live in Labels.
const (
	FieldCompanyName = "company_name"
	FieldIndustry    = "industry"
	FieldRegion      = "region"
	FieldProducts    = "products"
	FieldCustomers   = "customers"
	FieldRevenue     = "annual_revenue"
	FieldMargin      = "gross_margin_pct"
	FieldProfit      = "net_profit"
	FieldLoan        = "loan_balance"
	FieldProblem     = "problem_statement"
)

// Labels maps field names to the Japanese labels the original intake form
// used. Prompts are built with these so the model sees the same vocabulary
// the rest of the product speaks.
var Labels = map[string]string{
	FieldCompanyName: "会社名・屋号",
	FieldIndustry:    "業種（できるだけ詳しく）",
	FieldRegion:      "地域",
	FieldProducts:    "主な商品・サービス",
	FieldCustomers:   "主な顧客層",
	FieldRevenue:     "年間売上高（おおよそ）",
	FieldMargin:      "粗利率（おおよそ）",
	FieldProfit:      "最終利益（税引後・おおよそ）",
	FieldLoan:        "借入金額（だいたい）",
	FieldProblem:     "経営の問題点",
}

// RequiredFields is the subset that gates completion of the intake stage.
var RequiredFields = []string{
	FieldCompanyName,
	FieldIndustry,
	FieldRegion,
	FieldProducts,
	FieldCustomers,
	FieldProblem,
}

// IntFields hold yen amounts and must parse as integers after normalization.
var IntFields = []string{FieldRevenue, FieldProfit, FieldLoan}

// Record is the company profile as entered by the user. The string fields
// carry raw form input; the typed pointers are populated by Commit only after
// a fully clean validation pass, and are nil for optional fields left blank.
type Record struct {
	CompanyName string `json:"company_name"`
	Industry    string `json:"industry"`
	Region      string `json:"region"`
	Products    string `json:"products"`
	Customers   string `json:"customers"`
	Revenue     string `json:"annual_revenue"`
	Margin      string `json:"gross_margin_pct"`
	Profit      string `json:"net_profit"`
	Loan        string `json:"loan_balance"`
	Problem     string `json:"problem_statement"`

	RevenueYen *int64   `json:"annual_revenue_yen,omitempty"`
	MarginPct  *float64 `json:"gross_margin_value,omitempty"`
	ProfitYen  *int64   `json:"net_profit_yen,omitempty"`
	LoanYen    *int64   `json:"loan_balance_yen,omitempty"`
}

func (r *Record) field(name string) string {
	switch name {
	case FieldCompanyName:
		return r.CompanyName
	case FieldIndustry:
		return r.Industry
	case FieldRegion:
		return r.Region
	case FieldProducts:
		return r.Products
	case FieldCustomers:
		return r.Customers
	case FieldRevenue:
		return r.Revenue
	case FieldMargin:
		return r.Margin
	case FieldProfit:
		return r.Profit
	case FieldLoan:
		return r.Loan
	case FieldProblem:
		return r.Problem
	}
	return ""
}

// Complete reports whether every required field is non-empty after trimming.
// Forward navigation out of the intake stage is refused until this holds.
func (r *Record) Complete() bool {
	for _, f := range RequiredFields {
		if strings.TrimSpace(r.field(f)) == "" {
			return false
		}
	}
	return true
}

// PromptJSON renders the profile as a compact JSON object keyed by the
// Japanese labels, trimmed to limit bytes. Numeric fields use their committed
// values when present so the model sees normalized numbers.
func (r *Record) PromptJSON(limit int) string {
	m := map[string]any{
		Labels[FieldCompanyName]: r.CompanyName,
		Labels[FieldIndustry]:    r.Industry,
		Labels[FieldRegion]:      r.Region,
		Labels[FieldProducts]:    r.Products,
		Labels[FieldCustomers]:   r.Customers,
		Labels[FieldProblem]:     r.Problem,
	}
	m[Labels[FieldRevenue]] = numericOrRaw(r.RevenueYen, r.Revenue)
	m[Labels[FieldProfit]] = numericOrRaw(r.ProfitYen, r.Profit)
	m[Labels[FieldLoan]] = numericOrRaw(r.LoanYen, r.Loan)
	if r.MarginPct != nil {
		m[Labels[FieldMargin]] = *r.MarginPct
	} else {
		m[Labels[FieldMargin]] = r.Margin
	}
	blob, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	s := string(blob)
	if limit > 0 {
		if rs := []rune(s); len(rs) > limit {
			s = string(rs[:limit])
		}
	}
	return s
}

// PromptValue returns the display value for one field in prompt text,
// substituting 未入力 for blanks the way the original intake did.
func (r *Record) PromptValue(name string) string {
	v := strings.TrimSpace(r.field(name))
	if v == "" {
		return "未入力"
	}
	return v
}

func numericOrRaw(committed *int64, raw string) any {
	if committed != nil {
		return *committed
	}
	return raw
}
