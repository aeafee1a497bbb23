package catalog

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestResultSetAccessors(t *testing.T) {
	t.Parallel()

	rs := &ResultSet{
		Columns: []string{"RA", "Dec", "Mag_G"},
		Rows:    [][]float64{{0.1, 0.2, 15}, {0.3, 0.4, math.NaN()}},
	}
	assert.Equal(t, 2, rs.Len())

	mags, err := rs.Column("Mag_G")
	require.NoError(t, err)
	assert.InDelta(t, 15, mags[0], 0)
	assert.True(t, math.IsNaN(mags[1]))

	_, err = rs.Column("Plx")
	require.ErrorIs(t, err, ErrUnknownColumn)
	assert.True(t, IsServiceError(err))

	recs := rs.Records()
	require.Len(t, recs, 2)
	assert.InDelta(t, 0.3, recs[1]["RA"], 0)

	var nilSet *ResultSet
	assert.Equal(t, 0, nilSet.Len())
	assert.Nil(t, nilSet.Records())
}

func TestResultSetJSONNulls(t *testing.T) {
	t.Parallel()

	var rs ResultSet
	require.NoError(t, json.Unmarshal([]byte(`{"columns":["RA","Plx"],"rows":[[1.5,null]]}`), &rs))
	require.Len(t, rs.Rows, 1)
	assert.True(t, math.IsNaN(rs.Rows[0][1]))

	out, err := json.Marshal(&rs)
	require.NoError(t, err)
	assert.JSONEq(t, `{"columns":["RA","Plx"],"rows":[[1.5,null]]}`, string(out))

	err = json.Unmarshal([]byte(`{"columns":["RA","Plx"],"rows":[[1.5]]}`), &rs)
	require.Error(t, err)
}
