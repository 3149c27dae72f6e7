// Package convert maps domain values to and from google.protobuf.Struct wire messages.
package convert

import (
	"fmt"
	"math"
	"time"

	"github.com/gofrs/uuid/v5"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/lendingdesk/internal/model"
)

// --- helpers ---

func ts(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func tsPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

// mustStruct builds a Struct from values produced by this package only.
func mustStruct(m map[string]any) *structpb.Struct {
	s, err := structpb.NewStruct(m)
	if err != nil {
		panic(fmt.Sprintf("convert: %v", err))
	}
	return s
}

// --- Loan (server -> client) ---

func loanMap(l model.Loan, now time.Time) map[string]any {
	var borrower any
	if id, ok := l.Borrower.ID(); ok {
		borrower = id
	}
	return map[string]any{
		"id":             l.ID.String(),
		"item_id":        l.ItemID,
		"borrower_id":    borrower,
		"internal_use":   l.Borrower.IsInternal(),
		"borrowed_at":    ts(l.BorrowedAt),
		"due_date":       ts(l.DueDate),
		"returned_at":    tsPtr(l.ReturnedAt),
		"renewal_count":  l.RenewalCount,
		"is_extended":    l.IsExtended,
		"last_nudged_at": tsPtr(l.LastNudgedAt),
		"state":          string(model.StateOf(l)),
		"overdue":        model.IsOverdue(l, now),
	}
}

// ToStructLoan converts a loan; overdue is evaluated at now.
func ToStructLoan(l model.Loan, now time.Time) *structpb.Struct {
	return mustStruct(loanMap(l, now))
}

// ToStructLoans wraps loans in {"loans": [...]}.
func ToStructLoans(ls []model.Loan, now time.Time) *structpb.Struct {
	list := make([]any, 0, len(ls))
	for _, l := range ls {
		list = append(list, loanMap(l, now))
	}
	return mustStruct(map[string]any{"loans": list})
}

// ToStructRenewPreview converts a renewal preview.
func ToStructRenewPreview(p model.RenewPreview) *structpb.Struct {
	return mustStruct(map[string]any{
		"new_due_date":  ts(p.NewDueDate),
		"renewals_left": p.RenewalsLeft,
	})
}

// ToStructExtendPreview converts an extension preview.
func ToStructExtendPreview(p model.ExtendPreview) *structpb.Struct {
	return mustStruct(map[string]any{"new_due_date": ts(p.NewDueDate)})
}

// ToStructNudgeResult converts a nudge outcome.
func ToStructNudgeResult(r model.NudgeResult) *structpb.Struct {
	return mustStruct(map[string]any{
		"changed":      r.Changed,
		"new_due_date": tsPtr(r.NewDueDate),
	})
}

// ToStructTokens converts a login result.
func ToStructTokens(tok model.Tokens, b model.Borrower) *structpb.Struct {
	return mustStruct(map[string]any{
		"access_token": tok.AccessToken,
		"expires_at":   ts(tok.ExpiresAt),
		"borrower_id":  b.ID,
		"staff":        b.IsStaff,
	})
}

// --- Policy ---

var policyFields = []struct {
	name string
	get  func(*model.Policy) *int
	set  func(*model.PolicyPatch, int)
}{
	{"max_active_loans_per_borrower", func(p *model.Policy) *int { return &p.MaxActiveLoansPerBorrower }, func(pp *model.PolicyPatch, v int) { pp.MaxActiveLoansPerBorrower = &v }},
	{"standard_loan_days", func(p *model.Policy) *int { return &p.StandardLoanDays }, func(pp *model.PolicyPatch, v int) { pp.StandardLoanDays = &v }},
	{"max_renewals", func(p *model.Policy) *int { return &p.MaxRenewals }, func(pp *model.PolicyPatch, v int) { pp.MaxRenewals = &v }},
	{"renewal_days", func(p *model.Policy) *int { return &p.RenewalDays }, func(pp *model.PolicyPatch, v int) { pp.RenewalDays = &v }},
	{"extension_block_multiplier", func(p *model.Policy) *int { return &p.ExtensionBlockMultiplier }, func(pp *model.PolicyPatch, v int) { pp.ExtensionBlockMultiplier = &v }},
	{"nudge_shortened_due_days", func(p *model.Policy) *int { return &p.NudgeShortenedDueDays }, func(pp *model.PolicyPatch, v int) { pp.NudgeShortenedDueDays = &v }},
	{"nudge_cooldown_hours", func(p *model.Policy) *int { return &p.NudgeCooldownHours }, func(pp *model.PolicyPatch, v int) { pp.NudgeCooldownHours = &v }},
}

// ToStructPolicy converts the whole policy record.
func ToStructPolicy(p model.Policy) *structpb.Struct {
	m := make(map[string]any, len(policyFields))
	for _, f := range policyFields {
		m[f.name] = *f.get(&p)
	}
	return mustStruct(m)
}

// FromStructPolicyPatch reads the policy fields present in s; absent fields stay nil.
func FromStructPolicyPatch(s *structpb.Struct) (model.PolicyPatch, error) {
	var pp model.PolicyPatch
	for _, f := range policyFields {
		v, ok, err := OptInt64(s, f.name)
		if err != nil {
			return model.PolicyPatch{}, err
		}
		if ok {
			f.set(&pp, int(v))
		}
	}
	return pp, nil
}

// --- request fields (client -> server) ---

func field(s *structpb.Struct, name string) (*structpb.Value, bool) {
	if s == nil {
		return nil, false
	}
	v, ok := s.GetFields()[name]
	if !ok {
		return nil, false
	}
	if _, null := v.GetKind().(*structpb.Value_NullValue); null {
		return nil, false
	}
	return v, true
}

// OptInt64 reads an optional whole number.
func OptInt64(s *structpb.Struct, name string) (int64, bool, error) {
	v, ok := field(s, name)
	if !ok {
		return 0, false, nil
	}
	n, isNum := v.GetKind().(*structpb.Value_NumberValue)
	if !isNum {
		return 0, false, fmt.Errorf("%s: want number", name)
	}
	f := n.NumberValue
	if f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, false, fmt.Errorf("%s: want integer", name)
	}
	return int64(f), true, nil
}

// Int64 reads a required whole number.
func Int64(s *structpb.Struct, name string) (int64, error) {
	v, ok, err := OptInt64(s, name)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%s: required", name)
	}
	return v, nil
}

// OptString reads an optional string.
func OptString(s *structpb.Struct, name string) (string, bool, error) {
	v, ok := field(s, name)
	if !ok {
		return "", false, nil
	}
	str, isStr := v.GetKind().(*structpb.Value_StringValue)
	if !isStr {
		return "", false, fmt.Errorf("%s: want string", name)
	}
	return str.StringValue, true, nil
}

// String reads a required non-empty string.
func String(s *structpb.Struct, name string) (string, error) {
	v, ok, err := OptString(s, name)
	if err != nil {
		return "", err
	}
	if !ok || v == "" {
		return "", fmt.Errorf("%s: required", name)
	}
	return v, nil
}

// UUID reads a required uuid string.
func UUID(s *structpb.Struct, name string) (uuid.UUID, error) {
	raw, err := String(s, name)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.FromString(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s: %w", name, err)
	}
	return id, nil
}

// LoanFilter reads the optional "filter" field.
func LoanFilter(s *structpb.Struct) (model.LoanFilter, error) {
	raw, _, err := OptString(s, "filter")
	if err != nil {
		return "", err
	}
	f, ok := model.ParseLoanFilter(raw)
	if !ok {
		return "", fmt.Errorf("filter: unknown value %q", raw)
	}
	return f, nil
}
