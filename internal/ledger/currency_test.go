package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	n := testSettings.Normalizer()

	got, err := n.Normalize(dec("1000"), "USD")
	require.NoError(t, err)
	requireDec(t, "1000", got)

	got, err = n.Normalize(dec("1000"), "")
	require.NoError(t, err)
	requireDec(t, "1000", got, "empty currency means pivot")

	got, err = n.Normalize(dec("250000"), "kzt")
	require.NoError(t, err)
	requireDec(t, "500", got)

	_, err = n.Normalize(dec("1"), "EUR")
	require.ErrorIs(t, err, ErrValidation)

	_, err = n.Normalize(dec("1"), "NOPE")
	require.ErrorIs(t, err, ErrValidation)
}

func TestNormalizeMissingConfiguration(t *testing.T) {
	st := testSettings
	st.PivotRate = decimal.Zero
	_, err := st.Normalizer().Normalize(dec("100"), "KZT")
	require.ErrorIs(t, err, ErrConfigurationMissing)

	got, err := st.Normalizer().Normalize(dec("100"), "USD")
	require.NoError(t, err, "pivot amounts need no rate")
	requireDec(t, "100", got)

	st = testSettings
	st.PivotCurrency = ""
	_, err = st.Normalizer().Normalize(dec("100"), "USD")
	require.ErrorIs(t, err, ErrConfigurationMissing)
}

func TestDenormalizeRoundsToMinorUnits(t *testing.T) {
	st := Settings{PivotCurrency: "USD", LocalCurrency: "JPY", PivotRate: dec("150")}
	got, err := st.Normalizer().Denormalize(dec("1.234"), "JPY")
	require.NoError(t, err)
	requireDec(t, "185", got)

	got, err = st.Normalizer().Denormalize(dec("1.234"), "USD")
	require.NoError(t, err)
	requireDec(t, "1.23", got)
}

func TestToPivotRoundTrip(t *testing.T) {
	rate := dec("3")
	a := ToPivot(dec("100"), rate)
	b := ToPivot(dec("100"), rate)
	require.True(t, a.Equal(b), "conversion must be deterministic")
	requireDec(t, "42", ToPivot(dec("42"), decimal.NewFromInt(1)))
}

func TestSettingsLocation(t *testing.T) {
	loc, err := Settings{}.Location()
	require.NoError(t, err)
	require.Equal(t, "UTC", loc.String())

	_, err = Settings{Timezone: "Not/AZone"}.Location()
	require.ErrorIs(t, err, ErrConfigurationMissing)
}
