/*
Package factory provides JSON to Go commission policy conversion.

PURPOSE:
  Converts a JSON policy document into revenue.CommissionPolicy,
  revenue.PayoutRules and the catalog courses to seed. Finance can change
  rates without a deploy; the server reads the file at startup.

JSON SCHEMA:
  {
    "precision": 2,
    "rates": {"membership": "20", "course": "10", "product": "15"},
    "tiers": {"gold": {"course": "15"}},
    "membership_plans": {"annual": "25"},
    "default_mentor_share": "70",
    "payout": {"min_amount": "100", "fee_flat": "5", "fee_percent": "1"},
    "courses": [
      {"id": "go-101", "mentor_id": "mentor-1", "mentor_share": "60", "active": true}
    ]
  }

  Amounts and rates may be JSON numbers or strings; strings keep exact
  decimals. Rates are percentages.

KEY FEATURES:
  - Rejects unknown sale kinds in rate tables
  - Validates every rate through revenue.CommissionPolicy.Validate
  - Payout fees are rounded to the policy precision
  - Defaults precision to 2 when omitted

USAGE:
  f := factory.NewPolicyFactory()
  cfg, err := f.LoadFile("commission.json")
  // or: cfg, err := f.ParsePolicy(factory.DefaultPolicyJSON())

  dist := revenue.NewDistributor(store, revenue.NewResolver(store))
  dist.Distribute(ctx, cfg.Policy, sale)
*/
package factory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"

	"github.com/warp/revenue-engine/revenue"
)

const defaultPrecision = 2

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PolicyJSON is the JSON representation of a commission policy.
type PolicyJSON struct {
	Precision          *int32                                `json:"precision,omitempty"`
	Rates              map[string]decimal.Decimal            `json:"rates"`
	Tiers              map[string]map[string]decimal.Decimal `json:"tiers,omitempty"`
	MembershipPlans    map[string]decimal.Decimal            `json:"membership_plans,omitempty"`
	DefaultMentorShare decimal.Decimal                       `json:"default_mentor_share"`
	Payout             *PayoutJSON                           `json:"payout,omitempty"`
	Courses            []CourseJSON                          `json:"courses,omitempty"`
}

type PayoutJSON struct {
	MinAmount  decimal.Decimal `json:"min_amount"`
	FeeFlat    decimal.Decimal `json:"fee_flat"`
	FeePercent decimal.Decimal `json:"fee_percent"`
}

type CourseJSON struct {
	ID          string           `json:"id"`
	MentorID    string           `json:"mentor_id"`
	MentorShare *decimal.Decimal `json:"mentor_share,omitempty"` // omitted: policy default
	Active      *bool            `json:"active,omitempty"`       // omitted: active
}

// Config is everything a policy document configures.
type Config struct {
	Policy  revenue.CommissionPolicy
	Payout  revenue.PayoutRules
	Courses []revenue.Course
}

// =============================================================================
// POLICY FACTORY
// =============================================================================

// PolicyFactory converts JSON policies to Go structs.
type PolicyFactory struct{}

func NewPolicyFactory() *PolicyFactory {
	return &PolicyFactory{}
}

// LoadFile reads and parses a policy document from disk.
func (f *PolicyFactory) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return f.Parse(data)
}

// ParsePolicy parses a JSON string.
func (f *PolicyFactory) ParsePolicy(jsonStr string) (*Config, error) {
	return f.Parse([]byte(jsonStr))
}

func (f *PolicyFactory) Parse(data []byte) (*Config, error) {
	var pj PolicyJSON
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&pj); err != nil {
		return nil, fmt.Errorf("failed to parse policy JSON: %w", err)
	}
	return f.FromJSON(pj)
}

// FromJSON converts PolicyJSON to the engine's value objects and validates them.
func (f *PolicyFactory) FromJSON(pj PolicyJSON) (*Config, error) {
	precision := int32(defaultPrecision)
	if pj.Precision != nil {
		precision = *pj.Precision
	}

	rates, err := parseRates(pj.Rates)
	if err != nil {
		return nil, err
	}
	policy := revenue.CommissionPolicy{
		Rates:              rates,
		PlanRates:          pj.MembershipPlans,
		DefaultMentorShare: pj.DefaultMentorShare,
		Precision:          precision,
	}
	if len(pj.Tiers) > 0 {
		policy.TierRates = make(map[string]map[revenue.SaleKind]decimal.Decimal, len(pj.Tiers))
		for tier, tr := range pj.Tiers {
			parsed, err := parseRates(tr)
			if err != nil {
				return nil, fmt.Errorf("tier %q: %w", tier, err)
			}
			policy.TierRates[tier] = parsed
		}
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	rules := revenue.PayoutRules{Precision: precision}
	if pj.Payout != nil {
		rules.MinAmount = pj.Payout.MinAmount
		rules.FeeFlat = pj.Payout.FeeFlat
		rules.FeePercent = pj.Payout.FeePercent
	}
	if err := rules.Validate(); err != nil {
		return nil, err
	}

	courses := make([]revenue.Course, 0, len(pj.Courses))
	for _, cj := range pj.Courses {
		c, err := parseCourse(cj)
		if err != nil {
			return nil, err
		}
		courses = append(courses, c)
	}

	return &Config{Policy: policy, Payout: rules, Courses: courses}, nil
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseRates(raw map[string]decimal.Decimal) (map[revenue.SaleKind]decimal.Decimal, error) {
	rates := make(map[revenue.SaleKind]decimal.Decimal, len(raw))
	for k, r := range raw {
		kind, err := parseSaleKind(k)
		if err != nil {
			return nil, err
		}
		rates[kind] = r
	}
	return rates, nil
}

func parseSaleKind(s string) (revenue.SaleKind, error) {
	switch revenue.SaleKind(s) {
	case revenue.SaleMembership, revenue.SaleCourse, revenue.SaleProduct:
		return revenue.SaleKind(s), nil
	default:
		return "", fmt.Errorf("%w: unknown sale kind %q", revenue.ErrInvalidPolicy, s)
	}
}

func parseCourse(cj CourseJSON) (revenue.Course, error) {
	if cj.ID == "" || cj.MentorID == "" {
		return revenue.Course{}, fmt.Errorf("%w: course requires id and mentor_id", revenue.ErrInvalidPolicy)
	}
	if cj.MentorShare != nil && (cj.MentorShare.IsNegative() || cj.MentorShare.GreaterThan(decimal.NewFromInt(100))) {
		return revenue.Course{}, fmt.Errorf("%w: course %s mentor share %s outside [0, 100]",
			revenue.ErrInvalidPolicy, cj.ID, cj.MentorShare)
	}
	active := true
	if cj.Active != nil {
		active = *cj.Active
	}
	return revenue.Course{
		ID:          revenue.CourseID(cj.ID),
		MentorID:    revenue.OwnerID(cj.MentorID),
		MentorShare: cj.MentorShare,
		Active:      active,
	}, nil
}

// =============================================================================
// PRESET POLICIES
// =============================================================================

// DefaultPolicyJSON is the policy used when no file is configured.
func DefaultPolicyJSON() string {
	return `{
  "precision": 2,
  "rates": {"membership": "20", "course": "10", "product": "10"},
  "default_mentor_share": "70",
  "payout": {"min_amount": "0", "fee_flat": "0", "fee_percent": "0"}
}`
}
