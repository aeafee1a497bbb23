package alert

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ampelproject/decentfilter/internal/errors"
)

const ztfPacket = `{
  "objectId": "ZTF21aaxtctv",
  "candid": 1524433162615015005,
  "candidate": {"candid": 1524433162615015005, "jd": 2459300.75, "rb": 0.82, "isdiffpos": "t", "ssdistnr": -999, "ra": 150.1, "dec": 2.2},
  "prv_candidates": [
    {"candid": null, "jd": 2459290.70, "diffmaglim": 20.1},
    {"candid": 1522402062615015004, "jd": 2459298.70, "rb": 0.7},
    {"candid": 1523412062615015004, "jd": 2459299.71, "rb": 0.6, "drb": null}
  ]
}`

func TestDecodeZTFPacket(t *testing.T) {
	t.Parallel()

	a, err := Unmarshal([]byte(ztfPacket))
	require.NoError(t, err)

	assert.Equal(t, "ZTF21aaxtctv", a.ObjectID)
	assert.Equal(t, int64(1524433162615015005), a.ID)
	assert.Equal(t, 3, a.NDet())
	require.Len(t, a.UpperLimits, 1)

	latest, ok := a.Latest()
	require.True(t, ok)
	assert.InDelta(t, 2459300.75, latest.JD(), 1e-9)

	jds := []float64{a.Detections[0].JD(), a.Detections[1].JD(), a.Detections[2].JD()}
	assert.Equal(t, []float64{2459300.75, 2459299.71, 2459298.70}, jds)

	// Upper limits are outside the span.
	assert.InDelta(t, 2.05, a.TimeSpan(), 1e-6)

	id, ok := latest.CandID()
	require.True(t, ok)
	assert.Equal(t, int64(1524433162615015005), id)
}

func TestDetectionAccessors(t *testing.T) {
	t.Parallel()

	a, err := Unmarshal([]byte(ztfPacket))
	require.NoError(t, err)

	latest, _ := a.Latest()
	rb, ok := latest.Float("rb")
	require.True(t, ok)
	assert.InDelta(t, 0.82, rb, 1e-12)

	sign, ok := latest.String(FieldIsDiffPos)
	require.True(t, ok)
	assert.Equal(t, "t", sign)

	_, ok = latest.Float("fwhm")
	assert.False(t, ok)
	assert.False(t, latest.Has("fwhm"))
	assert.False(t, latest.IsNull("fwhm"))

	older := a.Detections[1]
	assert.True(t, older.IsNull("drb"))
	assert.False(t, older.Has("drb"))

	d := Detection{"n": "3.5", "b": true, "i": 4}
	f, ok := d.Float("n")
	require.True(t, ok)
	assert.InDelta(t, 3.5, f, 0)
	_, ok = d.Float("b")
	assert.False(t, ok)
	s, ok := d.String("i")
	require.True(t, ok)
	assert.Equal(t, "4", s)
}

func TestTimeSpanEdgeCases(t *testing.T) {
	t.Parallel()

	single := New("ZTFsingle", 1, []Detection{{"jd": 2459000.5}}, nil)
	assert.InDelta(t, 0.0, single.TimeSpan(), 0)

	empty := New("ZTFempty", 2, nil, nil)
	assert.True(t, math.IsNaN(empty.TimeSpan()))
	_, ok := empty.Latest()
	assert.False(t, ok)
	assert.Equal(t, 0, empty.NDet())
}

func TestNewOrdersDetectionsLatestFirst(t *testing.T) {
	t.Parallel()

	in := []Detection{{"jd": 1.0, "k": "a"}, {"k": "nojd"}, {"jd": 3.0, "k": "c"}, {"jd": 2.0, "k": "b"}}
	a := New("ZTForder", 7, in, nil)

	var keys []string
	for _, d := range a.Detections {
		k, _ := d.String("k")
		keys = append(keys, k)
	}
	assert.Equal(t, []string{"c", "b", "a", "nojd"}, keys)
	assert.Equal(t, "a", in[0]["k"], "input slice must not be reordered")
}

func TestDecodeFlatLayout(t *testing.T) {
	t.Parallel()

	a, err := Decode(strings.NewReader(`{"objectId":"ZTFflat","candid":42,"detections":[{"jd":1},{"jd":5}],"upper_limits":[{"jd":9}]}`))
	require.NoError(t, err)
	assert.Equal(t, int64(42), a.ID)
	assert.Equal(t, 2, a.NDet())
	assert.InDelta(t, 4.0, a.TimeSpan(), 0)
}

func TestDecodeErrors(t *testing.T) {
	t.Parallel()

	_, err := Unmarshal([]byte(`{"objectId": "ZTFnone"}`))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	_, err = Unmarshal([]byte(`{not json`))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryFileParsing))
}

func TestReadFileAndDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	lines := strings.Join([]string{
		`{"objectId":"ZTFa","candid":1,"detections":[{"jd":1}]}`,
		``,
		`{"objectId":"ZTFb","candid":2,"detections":[{"jd":2}]}`,
	}, "\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.jsonl"), []byte(lines), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte(ztfPacket), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.json"),
		[]byte(`[{"objectId":"ZTFc","candid":3,"detections":[]}]`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	alerts, err := ReadDir(dir)
	require.NoError(t, err)

	var ids []string
	for _, a := range alerts {
		ids = append(ids, a.ObjectID)
	}
	assert.Equal(t, []string{"ZTF21aaxtctv", "ZTFa", "ZTFb", "ZTFc"}, ids)

	fromPath, err := ReadPath(filepath.Join(dir, "b.jsonl"))
	require.NoError(t, err)
	assert.Len(t, fromPath, 2)
}

func TestReadFileReportsLine(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"objectId\":\"ok\",\"detections\":[]}\n{broken\n"), 0o600))

	_, err := ReadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
	assert.True(t, errors.IsCategory(err, errors.CategoryFileParsing))

	_, err = ReadPath(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryFileIO))
}
