package cardwire

import "math"

// Smoothing weights of the RTT moving average.
const (
	ewmaOld = 0.7
	ewmaNew = 0.3
)

// Metrics is a point-in-time view of a probe's counters.
type Metrics struct {
	RTTMs    float64 `json:"rtt_ms" yaml:"rtt_ms"`
	AvgRTTMs float64 `json:"avg_rtt_ms" yaml:"avg_rtt_ms"`
	// LossRate is a percentage over the probe's lifetime, one decimal.
	LossRate float64 `json:"loss_rate" yaml:"loss_rate"`
	Sent     uint64  `json:"sent" yaml:"sent"`
	Received uint64  `json:"received" yaml:"received"`
	// Dropped counts datagrams that were not accepted as replies.
	Dropped uint64 `json:"dropped" yaml:"dropped"`
	// Seq is the last sequence number issued.
	Seq uint64 `json:"seq" yaml:"seq"`
}

// LossRate returns (1 - received/sent) as a percentage rounded to one
// decimal place, and 0 when nothing was sent. When duplicate replies are
// accepted received can exceed sent and the result goes negative.
func LossRate(sent, received uint64) float64 {
	if sent == 0 {
		return 0
	}
	return round((1-float64(received)/float64(sent))*100, 1)
}

// smooth folds sample into avg. The first sample seeds the average.
func smooth(avg, sample float64, samples uint64) float64 {
	if samples <= 1 {
		return sample
	}
	return ewmaOld*avg + ewmaNew*sample
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
