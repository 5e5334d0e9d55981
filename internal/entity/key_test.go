package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    Type
		wantErr bool
	}{
		{name: "bank", raw: "bank", want: TypeBank},
		{name: "card uppercase", raw: "CARD", want: TypeCard},
		{name: "tax with whitespace", raw: " tax ", want: TypeTax},
		{name: "unknown", raw: "crypto", wantErr: true},
		{name: "empty", raw: "", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseType(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewKey_Normalizes(t *testing.T) {
	t.Parallel()

	a := NewKey(TypeBank, "Shinhan")
	b := NewKey(TypeBank, " shinhan ")

	assert.Equal(t, a, b)
	assert.Equal(t, "bank:shinhan", a.String())
}

func TestParseKey_RoundTrip(t *testing.T) {
	t.Parallel()

	k, err := ParseKey("card:samsung")
	require.NoError(t, err)
	assert.Equal(t, NewKey(TypeCard, "samsung"), k)

	parsed, err := ParseKey(k.String())
	require.NoError(t, err)
	assert.Equal(t, k, parsed)
}

func TestParseKey_Malformed(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "bank", "bank:", "crypto:x"} {
		_, err := ParseKey(raw)
		assert.Error(t, err, "raw=%q", raw)
	}
}

func TestKeyIsZero(t *testing.T) {
	t.Parallel()

	assert.True(t, Key{}.IsZero())
	assert.False(t, NewKey(TypeTax, "hometax").IsZero())
}
