package tracker_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"gitlab.com/localtalent/cve-tracker/tracker"
)

func score(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func TestSeverityFor(t *testing.T) {
	cases := []struct {
		score    decimal.NullDecimal
		expected tracker.Severity
	}{
		{score("10"), tracker.SeverityCritical},
		{score("9.0"), tracker.SeverityCritical},
		{score("8.9"), tracker.SeverityHigh},
		{score("7.0"), tracker.SeverityHigh},
		{score("6.9"), tracker.SeverityMedium},
		{score("4.0"), tracker.SeverityMedium},
		{score("3.9"), tracker.SeverityLow},
		{score("0.1"), tracker.SeverityLow},
		{score("0"), tracker.SeverityUnknown},
		{decimal.NullDecimal{}, tracker.SeverityUnknown},
	}

	for _, c := range cases {
		t.Run(c.score.Decimal.String(), func(t *testing.T) {
			require.Equal(t, c.expected, tracker.SeverityFor(c.score))
		})
	}
}

func TestIsCritical(t *testing.T) {
	require := require.New(t)

	require.True(tracker.IsCritical(score("9.0")))
	require.False(tracker.IsCritical(score("8.99")))
	require.False(tracker.IsCritical(decimal.NullDecimal{}))
}

func TestParseSeverity(t *testing.T) {
	require := require.New(t)

	sev, err := tracker.ParseSeverity("")
	require.NoError(err)
	require.Equal(tracker.SeverityAll, sev)

	sev, err = tracker.ParseSeverity("critical")
	require.NoError(err)
	require.Equal(tracker.SeverityCritical, sev)

	_, err = tracker.ParseSeverity("severe")
	require.Equal(tracker.KindValidation, tracker.KindOf(err))
}

func TestParsePlatformID(t *testing.T) {
	require := require.New(t)

	id, attrs, err := tracker.ParsePlatformID(" cpe:2.3:a:openssl:openssl:3.0.0:*:*:*:*:*:*:* ")
	require.NoError(err)
	require.Equal("cpe:2.3:a:openssl:openssl:3.0.0:*:*:*:*:*:*:*", id)
	require.Equal("openssl", attrs.Vendor)

	_, _, err = tracker.ParsePlatformID("")
	require.Equal(tracker.KindValidation, tracker.KindOf(err))

	_, _, err = tracker.ParsePlatformID("openssl 3.0")
	require.Equal(tracker.KindValidation, tracker.KindOf(err))

	_, _, err = tracker.ParsePlatformID("cpe:2.3:a:openssl:*:*:*:*:*:*:*:*:*")
	require.Equal(tracker.KindValidation, tracker.KindOf(err))
}
