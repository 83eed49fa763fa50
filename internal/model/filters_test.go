package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int64p(v int64) *int64 { return &v }

func TestFilters_Normalize_ConvertsToKSEK(t *testing.T) {
	f := Filters{RevenueFrom: 100, RevenueTo: 101, ProfitFrom: int64p(5), ProfitTo: int64p(50)}
	n := f.Normalize()

	assert.Equal(t, int64(100000), n.RevenueFrom)
	assert.Equal(t, int64(101000), n.RevenueTo)
	require.NotNil(t, n.ProfitFrom)
	assert.Equal(t, int64(5000), *n.ProfitFrom)
	require.NotNil(t, n.ProfitTo)
	assert.Equal(t, int64(50000), *n.ProfitTo)
	assert.Equal(t, "AB", n.CompanyType)
	assert.Equal(t, UnitKSEK, n.Unit)
}

func TestFilters_Normalize_Idempotent(t *testing.T) {
	f := Filters{RevenueFrom: 100, RevenueTo: 200, ProfitFrom: int64p(10)}
	once := f.Normalize()
	twice := once.Normalize()

	assert.Equal(t, once, twice)
}

func TestFilters_Normalize_OmittedProfitStaysNil(t *testing.T) {
	n := Filters{RevenueFrom: 1, RevenueTo: 2}.Normalize()
	assert.Nil(t, n.ProfitFrom)
	assert.Nil(t, n.ProfitTo)
}

func TestFilters_Validate(t *testing.T) {
	tests := []struct {
		name    string
		f       Filters
		wantErr bool
	}{
		{"valid", Filters{RevenueFrom: 100, RevenueTo: 200, CompanyType: "AB"}, false},
		{"equal bounds", Filters{RevenueFrom: 100, RevenueTo: 100}, false},
		{"negative from", Filters{RevenueFrom: -1, RevenueTo: 10}, true},
		{"inverted revenue", Filters{RevenueFrom: 200, RevenueTo: 100}, true},
		{"inverted profit", Filters{RevenueFrom: 1, RevenueTo: 2, ProfitFrom: int64p(10), ProfitTo: int64p(5)}, true},
		{"wrong company type", Filters{RevenueFrom: 1, RevenueTo: 2, CompanyType: "HB"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.f.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFilters_Hash_Deterministic(t *testing.T) {
	f := Filters{RevenueFrom: 100, RevenueTo: 101, ProfitFrom: int64p(5)}

	h1, err := f.Hash()
	require.NoError(t, err)
	h2, err := f.Hash()
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64) // hex sha-256
}

func TestFilters_Hash_SameForRawAndNormalized(t *testing.T) {
	raw := Filters{RevenueFrom: 100, RevenueTo: 101}
	h1, err := raw.Hash()
	require.NoError(t, err)
	h2, err := raw.Normalize().Hash()
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
}

func TestFilters_Hash_DiffersOnBounds(t *testing.T) {
	h1, err := Filters{RevenueFrom: 100, RevenueTo: 101}.Hash()
	require.NoError(t, err)
	h2, err := Filters{RevenueFrom: 100, RevenueTo: 102}.Hash()
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}
