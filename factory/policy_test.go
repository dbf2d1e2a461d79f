package factory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/revenue-engine/revenue"
)

const fullPolicy = `{
  "precision": 2,
  "rates": {"membership": "20", "course": 10, "product": "15"},
  "tiers": {"gold": {"course": "15"}},
  "membership_plans": {"annual": "25"},
  "default_mentor_share": "70",
  "payout": {"min_amount": "100", "fee_flat": "5", "fee_percent": "1"},
  "courses": [
    {"id": "go-101", "mentor_id": "mentor-1"},
    {"id": "rust-201", "mentor_id": "mentor-2", "mentor_share": "50", "active": false}
  ]
}`

func TestParsePolicy_Full(t *testing.T) {
	cfg, err := NewPolicyFactory().ParsePolicy(fullPolicy)
	require.NoError(t, err)

	p := cfg.Policy
	assert.True(t, p.Rates[revenue.SaleMembership].Equal(decimal.NewFromInt(20)))
	assert.True(t, p.Rates[revenue.SaleCourse].Equal(decimal.NewFromInt(10)))
	assert.True(t, p.TierRates["gold"][revenue.SaleCourse].Equal(decimal.NewFromInt(15)))
	assert.True(t, p.PlanRates["annual"].Equal(decimal.NewFromInt(25)))
	assert.True(t, p.DefaultMentorShare.Equal(decimal.NewFromInt(70)))
	assert.Equal(t, int32(2), p.Precision)

	assert.True(t, cfg.Payout.MinAmount.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, int32(2), cfg.Payout.Precision)
	// 5 + 1% of 1000
	assert.True(t, cfg.Payout.Fee(decimal.NewFromInt(1000)).Equal(decimal.NewFromInt(15)))

	require.Len(t, cfg.Courses, 2)
	assert.True(t, cfg.Courses[0].Active)
	assert.Nil(t, cfg.Courses[0].MentorShare)
	assert.False(t, cfg.Courses[1].Active)
	require.NotNil(t, cfg.Courses[1].MentorShare)
	assert.True(t, cfg.Courses[1].MentorShare.Equal(decimal.NewFromInt(50)))
}

func TestParsePolicy_Default(t *testing.T) {
	cfg, err := NewPolicyFactory().ParsePolicy(DefaultPolicyJSON())
	require.NoError(t, err)
	assert.True(t, cfg.Policy.Rates[revenue.SaleCourse].Equal(decimal.NewFromInt(10)))
	assert.Empty(t, cfg.Courses)
}

func TestParsePolicy_PrecisionDefaults(t *testing.T) {
	cfg, err := NewPolicyFactory().ParsePolicy(`{"rates": {"product": "5"}}`)
	require.NoError(t, err)
	assert.Equal(t, int32(defaultPrecision), cfg.Policy.Precision)
	assert.Equal(t, int32(defaultPrecision), cfg.Payout.Precision)
}

func TestParsePolicy_Rejects(t *testing.T) {
	cases := map[string]string{
		"malformed":        `{"rates": `,
		"unknown field":    `{"rates": {}, "bonus": 1}`,
		"unknown kind":     `{"rates": {"webinar": "10"}}`,
		"rate above 100":   `{"rates": {"course": "101"}}`,
		"negative tier":    `{"rates": {}, "tiers": {"gold": {"course": "-1"}}}`,
		"bad fee percent":  `{"rates": {}, "payout": {"fee_percent": "150"}}`,
		"course no mentor": `{"rates": {}, "courses": [{"id": "go-101"}]}`,
		"course share":     `{"rates": {}, "courses": [{"id": "x", "mentor_id": "m", "mentor_share": "120"}]}`,
		"precision 6":      `{"rates": {}, "precision": 6}`,
	}
	f := NewPolicyFactory()
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.ParsePolicy(doc)
			assert.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commission.json")
	require.NoError(t, os.WriteFile(path, []byte(fullPolicy), 0o600))

	cfg, err := NewPolicyFactory().LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Courses, 2)

	_, err = NewPolicyFactory().LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
