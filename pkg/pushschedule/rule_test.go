package pushschedule

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in     string
		want   Rule
		wantOK bool
	}{
		{"daily", Daily, true},
		{"Every Day", Daily, true},
		{"每天", Daily, true},
		{"friday", EveryFriday, true},
		{"every_friday", EveryFriday, true},
		{"Every-Monday", EveryMonday, true},
		{"每周一", EveryMonday, true},
		{"每周日", EverySunday, true},
		{" fri_sat_sun ", FriSatSun, true},
		{"每周五六日", FriSatSun, true},
		{"fortnightly", Daily, false},
		{"", Daily, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, ok := ParseRule(tt.in)
			require.Equal(t, tt.wantOK, ok)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestRuleTextRoundTrip(t *testing.T) {
	t.Parallel()

	for _, r := range allRules {
		b, err := r.MarshalText()
		require.NoError(t, err)
		var back Rule
		require.NoError(t, back.UnmarshalText(b))
		require.Equal(t, r, back)
	}

	var r Rule
	require.Error(t, r.UnmarshalText([]byte("sometimes")))
}

func TestParseFireTime(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    FireTime
		wantErr bool
	}{
		{"18:00", FireTime{Hour: 18}, false},
		{"8:05", FireTime{Hour: 8, Minute: 5}, false},
		{"00:00", FireTime{}, false},
		{"23:59", FireTime{Hour: 23, Minute: 59}, false},
		{"24:00", FireTime{}, true},
		{"12:60", FireTime{}, true},
		{"1800", FireTime{}, true},
		{"ab:cd", FireTime{}, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseFireTime(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestCronSpec(t *testing.T) {
	t.Parallel()

	require.Equal(t, "0 18 * * *", Plan{At: FireTime{Hour: 18}, Rule: Daily}.CronSpec())
	require.Equal(t, "30 9 * * 1", Plan{At: FireTime{Hour: 9, Minute: 30}, Rule: EveryMonday}.CronSpec())
	require.Equal(t, "0 18 * * 0", Plan{At: FireTime{Hour: 18}, Rule: EverySunday}.CronSpec())
	require.Equal(t, "0 18 * * 5,6,0", Plan{At: FireTime{Hour: 18}, Rule: FriSatSun}.CronSpec())
}
