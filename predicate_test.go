package dnshield

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluatePredicateEmptyIsTrue(t *testing.T) {
	ok, err := EvaluatePredicate("  ", EvaluationContext{})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluatePredicateComparisonsAndLogic(t *testing.T) {
	ctx := EvaluationContext{NetworkSSID: "Office-5G", VPNConnected: true, SecurityScore: 80}
	ok, err := EvaluatePredicate(`network_ssid == "Office-5G" AND vpn_connected == YES`, ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = EvaluatePredicate(`security_score > 90 OR security_score >= 80`, ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = EvaluatePredicate(`NOT (vpn_connected == NO)`, ctx)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluatePredicateInOperator(t *testing.T) {
	ctx := EvaluationContext{UserGroup: "engineering"}
	ok, err := EvaluatePredicate(`user_group IN ("sales", "engineering", "support")`, ctx)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluatePredicateStringPredicates(t *testing.T) {
	ctx := EvaluationContext{DeviceModel: "MacBookPro18,2"}
	ok, err := EvaluatePredicate(`device_model BEGINSWITH "MacBookPro"`, ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = EvaluatePredicate(`device_model LIKE "MacBook*"`, ctx)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluatePredicateIsWeekdaySugar(t *testing.T) {
	ok, err := EvaluatePredicate("is_weekday()", EvaluationContext{IsWeekend: false})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = EvaluatePredicate("is_weekday()", EvaluationContext{IsWeekend: true})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEvaluatePredicateTimeBetweenSugar(t *testing.T) {
	ctx := EvaluationContext{TimeOfDay: "10:30"}
	ok, err := EvaluatePredicate(`time_between(time_of_day, "09:00", "17:00")`, ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ctx.TimeOfDay = "20:00"
	ok, err = EvaluatePredicate(`time_between(time_of_day, "09:00", "17:00")`, ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEvaluatePredicateIsBusinessHoursSugar(t *testing.T) {
	ctx := EvaluationContext{TimeOfDay: "10:00", IsWeekend: false}
	ok, err := EvaluatePredicate("is_business_hours()", ctx)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluatePredicateUnknownFieldErrors(t *testing.T) {
	_, err := EvaluatePredicate(`bogus_field == "x"`, EvaluationContext{})
	require.Error(t, err)
	var cond *ManifestInvalidConditionError
	require.ErrorAs(t, err, &cond)
}

func TestEvaluatePredicateCustomField(t *testing.T) {
	ctx := EvaluationContext{Custom: map[string]interface{}{"beta_enrolled": true}}
	ok, err := EvaluatePredicate(`custom.beta_enrolled == YES`, ctx)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluatePredicateUnterminatedStringErrors(t *testing.T) {
	_, err := EvaluatePredicate(`network_ssid == "unterminated`, EvaluationContext{})
	require.Error(t, err)
}
