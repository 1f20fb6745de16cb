package report

import (
	"encoding/json"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPercent(t *testing.T) {
	cases := []struct {
		in   float32
		want string
	}{
		{0, "0.0"},
		{1, "100.0"},
		{0.12345678, "12.349999"},
		// Scaling happens in float32, so some values carry representation noise.
		{0.6, "60.000004"},
		{0.5, "50.0"},
		{0.00004, "0.0"},
		{0.00006, "0.01"},
		{0.9999, "99.99"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, FormatScore(Percent(tc.in)), "input %v", tc.in)
	}
}

func TestFormat(t *testing.T) {
	probs := []float32{0.01, 0.02, 0.03, 0.04, 0.6, 0.25, 0.05}
	r, err := Format(probs)
	require.NoError(t, err)

	require.Equal(t, "mel", r.Inference)
	require.Len(t, r.Scores, len(Labels))
	for _, label := range Labels {
		require.Contains(t, r.Scores, label)
	}

	var sum float64
	for _, v := range r.Scores {
		f, err := strconv.ParseFloat(v, 64)
		require.NoError(t, err)
		sum += f
	}
	require.InDelta(t, 100, sum, 0.01)
}

func TestFormatTiesPickFirst(t *testing.T) {
	r, err := Format([]float32{0.1, 0.3, 0.3, 0.1, 0.1, 0.05, 0.05})
	require.NoError(t, err)
	require.Equal(t, "bcc", r.Inference)
}

func TestFormatInferenceMatchesMaximum(t *testing.T) {
	r, err := Format([]float32{0.00001, 0.00002, 0.99990, 0.00003, 0.00002, 0.00001, 0.00001})
	require.NoError(t, err)
	require.Equal(t, "bkl", r.Inference)
	require.Equal(t, "99.99", r.Scores["bkl"])
}

func TestFormatRejectsBadInput(t *testing.T) {
	_, err := Format([]float32{0.5, 0.5})
	require.Error(t, err)

	nan := float32(0)
	nan = nan / nan
	_, err = Format([]float32{nan, 0, 0, 0, 0, 0, 1})
	require.Error(t, err)
}

func TestReportJSON(t *testing.T) {
	r, err := Format([]float32{0.1, 0.1, 0.1, 0.1, 0.1, 0.4, 0.1})
	require.NoError(t, err)

	data, err := json.Marshal(r)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"akiec": "10.0", "bcc": "10.0", "bkl": "10.0", "df": "10.0",
		"mel": "10.0", "nv": "40.0", "vasc": "10.0", "_inference": "nv"
	}`, string(data))
	require.Equal(t, `{"akiec":"10.0",`, string(data[:16]))

	var back Report
	require.NoError(t, json.Unmarshal(data, &back))
	require.Equal(t, r, back)

	require.Error(t, json.Unmarshal([]byte(`{"akiec":"1.0"}`), &back))
}
