package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettingsDefaults(t *testing.T) {
	var s Settings
	assert.Equal(t, FeesPaidByCreator, s.FeeBearer())
	assert.Equal(t, 80, s.CreatorPercent())
	require.NoError(t, s.Validate())
}

func TestSettingsApplyAndValidate(t *testing.T) {
	pct := 90
	url := "  https://hooks.example.com/x  "
	cur := "eur"
	merged := Settings{FeesPaidBy: FeesPaidByPlatform}.Apply(SettingsPatch{
		DefaultCreatorPercent: &pct,
		WebhookURL:            &url,
		Currency:              &cur,
	})
	assert.Equal(t, FeesPaidByPlatform, merged.FeesPaidBy)
	assert.Equal(t, 90, merged.CreatorPercent())
	assert.Equal(t, "https://hooks.example.com/x", merged.WebhookURL)
	assert.Equal(t, "EUR", merged.Currency)
	require.NoError(t, merged.Validate())

	bad := 140
	err := merged.Apply(SettingsPatch{DefaultCreatorPercent: &bad}).Validate()
	require.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, "default_creator_percent must be at most 100", err.Error())
}

func TestParseSettingsIgnoresUnknownKeys(t *testing.T) {
	s, err := ParseSettings([]byte(`{"fees_paid_by":"platform","legacy_flag":true,"dispute_holds_enabled":true}`))
	require.NoError(t, err)
	assert.Equal(t, FeesPaidByPlatform, s.FeesPaidBy)
	assert.True(t, s.DisputeHoldsEnabled)

	s, err = ParseSettings(nil)
	require.NoError(t, err)
	assert.Equal(t, Settings{}, s)

	_, err = ParseSettings([]byte(`{`))
	assert.Error(t, err)
}

func TestRailUpdateFirstTerminal(t *testing.T) {
	cases := []struct {
		upd  RailUpdate
		want bool
	}{
		{RailUpdate{Previous: RailPending, Current: RailCompleted, Changed: true}, true},
		{RailUpdate{Previous: RailProcessing, Current: RailFailed, Changed: true}, true},
		{RailUpdate{Previous: RailCompleted, Current: RailCompleted}, false},
		{RailUpdate{Previous: RailPending, Current: RailProcessing, Changed: true}, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.upd.FirstTerminal(), "%s -> %s", tc.upd.Previous, tc.upd.Current)
	}
}
