// Package report turns the classifier's probability vector into the wire
// response.
package report

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Labels are the lesion classes in the order of the model's output channels.
var Labels = []string{"akiec", "bcc", "bkl", "df", "mel", "nv", "vasc"}

// InferenceKey holds the best label in the response object.
const InferenceKey = "_inference"

// Report is a formatted prediction: one percentage string per label plus
// the best label.
type Report struct {
	Scores    map[string]string
	Inference string
}

// Format rounds each probability to four decimals, scales it to percent and
// picks the first label with the highest score.
func Format(probs []float32) (Report, error) {
	if len(probs) != len(Labels) {
		return Report{}, fmt.Errorf("expected %d scores, got %d", len(Labels), len(probs))
	}

	scores := make(map[string]string, len(Labels))
	best := 0
	var bestVal float32
	for i, p := range probs {
		if math.IsNaN(float64(p)) || math.IsInf(float64(p), 0) {
			return Report{}, fmt.Errorf("score for %s is not finite: %v", Labels[i], p)
		}
		pct := Percent(p)
		scores[Labels[i]] = FormatScore(pct)
		if i == 0 || pct > bestVal {
			best, bestVal = i, pct
		}
	}

	return Report{Scores: scores, Inference: Labels[best]}, nil
}

// Percent rounds p to four decimals (half to even) and multiplies by 100,
// both in float32 arithmetic.
func Percent(p float32) float32 {
	scaled := float32(p * 10000)
	rounded := float32(math.RoundToEven(float64(scaled))) / 10000
	return float32(rounded * 100)
}

// FormatScore renders v with the fewest digits that identify it as a
// float32, always keeping a fractional part ("12.34", "0.0", "100.0").
func FormatScore(v float32) string {
	s := strconv.FormatFloat(float64(v), 'f', -1, 32)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// MarshalJSON writes the labels in class order followed by the best label.
func (r Report) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for _, label := range Labels {
		key, _ := json.Marshal(label)
		val, _ := json.Marshal(r.Scores[label])
		b.Write(key)
		b.WriteByte(':')
		b.Write(val)
		b.WriteByte(',')
	}
	key, _ := json.Marshal(InferenceKey)
	val, _ := json.Marshal(r.Inference)
	b.Write(key)
	b.WriteByte(':')
	b.Write(val)
	b.WriteByte('}')
	return []byte(b.String()), nil
}

// UnmarshalJSON reads the wire object back, as stored by the cache.
func (r *Report) UnmarshalJSON(data []byte) error {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	inference, ok := raw[InferenceKey]
	if !ok {
		return fmt.Errorf("report: missing %s", InferenceKey)
	}
	scores := make(map[string]string, len(Labels))
	for _, label := range Labels {
		v, ok := raw[label]
		if !ok {
			return fmt.Errorf("report: missing score for %s", label)
		}
		scores[label] = v
	}
	r.Scores = scores
	r.Inference = inference
	return nil
}
