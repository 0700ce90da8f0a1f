package level

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// DefaultHistory is the number of samples Stats keeps when not told otherwise.
const DefaultHistory = 600

// Sample is one leveling observation.
type Sample struct {
	Time     time.Time `json:"time"`
	Pitch    float64   `json:"pitch"`
	Roll     float64   `json:"roll"`
	AccelMag float64   `json:"accel_mag"`
}

// Summary describes the samples currently held by Stats.
type Summary struct {
	Count       int     `json:"count"`
	PitchMean   float64 `json:"pitch_mean"`
	PitchStdDev float64 `json:"pitch_stddev"`
	RollMean    float64 `json:"roll_mean"`
	RollStdDev  float64 `json:"roll_stddev"`
	AccelMean   float64 `json:"accel_mean"`
	AccelStdDev float64 `json:"accel_stddev"`
	AccelMin    float64 `json:"accel_min"`
	AccelMax    float64 `json:"accel_max"`
}

// Stats is a bounded ring of leveling samples.
type Stats struct {
	mu   sync.Mutex
	buf  []Sample
	next int
	full bool
}

// NewStats creates a Stats holding at most capacity samples.
func NewStats(capacity int) *Stats {
	if capacity <= 0 {
		capacity = DefaultHistory
	}
	return &Stats{buf: make([]Sample, capacity)}
}

// Record appends a sample, overwriting the oldest once full.
func (s *Stats) Record(sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf[s.next] = sample
	s.next++
	if s.next == len(s.buf) {
		s.next = 0
		s.full = true
	}
}

// Samples returns the held samples, oldest first.
func (s *Stats) Samples() []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.full {
		return append([]Sample(nil), s.buf[:s.next]...)
	}
	out := make([]Sample, 0, len(s.buf))
	out = append(out, s.buf[s.next:]...)
	return append(out, s.buf[:s.next]...)
}

// Len returns the number of held samples.
func (s *Stats) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return len(s.buf)
	}
	return s.next
}

// Summary computes means and standard deviations over the held samples.
func (s *Stats) Summary() Summary {
	samples := s.Samples()
	if len(samples) == 0 {
		return Summary{}
	}
	pitch := make([]float64, len(samples))
	roll := make([]float64, len(samples))
	accel := make([]float64, len(samples))
	for i, smp := range samples {
		pitch[i] = smp.Pitch
		roll[i] = smp.Roll
		accel[i] = smp.AccelMag
	}

	sum := Summary{Count: len(samples)}
	sum.PitchMean, sum.PitchStdDev = meanStd(pitch)
	sum.RollMean, sum.RollStdDev = meanStd(roll)
	sum.AccelMean, sum.AccelStdDev = meanStd(accel)
	sum.AccelMin = floats.Min(accel)
	sum.AccelMax = floats.Max(accel)
	return sum
}

func meanStd(x []float64) (float64, float64) {
	if len(x) == 1 {
		return x[0], 0
	}
	return stat.MeanStdDev(x, nil)
}
