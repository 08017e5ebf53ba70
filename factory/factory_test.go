package factory_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/cnam-engine/cnam"
	"github.com/warp/cnam-engine/factory"
	"github.com/warp/cnam-engine/generic"
)

func TestParseNomenclature(t *testing.T) {
	data := []byte(`{
		"version": 3,
		"effective_from": "2024-07-01",
		"entries": [
			{"bon_type": "CONCENTRATEUR_OXYGENE", "monthly_rate": 190},
			{"bon_type": "CPAP", "monthly_rate": "145.500"},
			{"bon_type": "MASQUE", "monthly_rate": 25, "is_active": false}
		]
	}`)

	entries, err := factory.ParseNomenclature(data)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, cnam.BondTypeCPAP, entries[1].BonType)
	assert.True(t, entries[1].MonthlyRate.Equal(generic.Dinars(145.5)))
	assert.Equal(t, generic.CurrencyTND, entries[1].MonthlyRate.Currency)
	assert.Equal(t, 3, entries[1].Version)
	assert.Equal(t, "2024-07-01", generic.FromTime(entries[1].EffectiveFrom).String())
	assert.True(t, entries[0].IsActive)
	assert.False(t, entries[2].IsActive)

	// Inactive entries are ignored by the rate table.
	rt := cnam.NewRateTable(entries, time.Now())
	assert.Equal(t, 2, rt.Len())
}

func TestParseNomenclature_Errors(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"malformed", `{"version": `},
		{"missing version", `{"entries": []}`},
		{"unknown type", `{"version": 1, "entries": [{"bon_type": "FAUTEUIL", "monthly_rate": 10}]}`},
		{"negative rate", `{"version": 1, "entries": [{"bon_type": "VNI", "monthly_rate": -1}]}`},
		{"duplicate type", `{"version": 1, "entries": [{"bon_type": "VNI", "monthly_rate": 1}, {"bon_type": "VNI", "monthly_rate": 2}]}`},
		{"bad date", `{"version": 1, "effective_from": "01/07/2024", "entries": []}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := factory.ParseNomenclature([]byte(tt.json))
			assert.Error(t, err)
		})
	}
}

func TestNomenclatureToJSON(t *testing.T) {
	entries, err := factory.ParseNomenclature([]byte(`{"version": 1, "entries": [{"bon_type": "VNI", "monthly_rate": 350}]}`))
	require.NoError(t, err)

	out := factory.NomenclatureToJSON(entries)

	require.Len(t, out, 1)
	assert.Equal(t, "VNI", out[0].BonType)
	assert.Equal(t, "350", out[0].MonthlyRate.String())
	require.NotNil(t, out[0].IsActive)
	assert.True(t, *out[0].IsActive)
}

func TestParsePolicy_Defaults(t *testing.T) {
	bond, billing, err := factory.ParsePolicy(`{}`)
	require.NoError(t, err)

	assert.Equal(t, cnam.DefaultBondPolicy(), bond)
	assert.Equal(t, cnam.DefaultBillingPolicy(), billing)
}

func TestParsePolicy_Overrides(t *testing.T) {
	bond, billing, err := factory.ParsePolicy(`{
		"bond": {"max_covered_months": 6, "default_covered_months": 3, "renewal_reminder_days": 0},
		"billing": {"lapse_threshold_days": 45, "allow_overlap": true}
	}`)
	require.NoError(t, err)

	assert.Equal(t, 1, bond.MinCoveredMonths)
	assert.Equal(t, 6, bond.MaxCoveredMonths)
	assert.Equal(t, 3, bond.DefaultCoveredMonths)
	assert.Equal(t, 0, bond.DefaultRenewalReminderDays)
	assert.Equal(t, 45, billing.LapseThresholdDays)
	assert.True(t, billing.AllowOverlap)

	// Round trip through the JSON form.
	pj := factory.PolicyToJSON(bond, billing)
	bond2, billing2, err := factory.PolicyFromJSON(pj)
	require.NoError(t, err)
	assert.Equal(t, bond, bond2)
	assert.Equal(t, billing, billing2)
}

func TestParsePolicy_Invalid(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"max below min", `{"bond": {"min_covered_months": 3, "max_covered_months": 2, "default_covered_months": 3}}`},
		{"default above max", `{"bond": {"max_covered_months": 2, "default_covered_months": 5}}`},
		{"negative reminder", `{"bond": {"renewal_reminder_days": -1}}`},
		{"negative lapse", `{"billing": {"lapse_threshold_days": -1}}`},
		{"malformed", `{"bond": `},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := factory.ParsePolicy(tt.json)
			assert.Error(t, err)
		})
	}
}
