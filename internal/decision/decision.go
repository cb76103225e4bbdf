// Package decision maps a raw classifier score to a screening verdict.
package decision

import (
	"fmt"
	"math"
)

// Decision is the binary screening outcome.
type Decision int

const (
	NoCariesDetected Decision = iota
	CariesDetected
)

func (d Decision) String() string {
	switch d {
	case CariesDetected:
		return "caries_detected"
	case NoCariesDetected:
		return "no_caries_detected"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// MarshalText encodes the decision by name.
func (d Decision) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText parses a decision name.
func (d *Decision) UnmarshalText(text []byte) error {
	switch string(text) {
	case "caries_detected":
		*d = CariesDetected
	case "no_caries_detected":
		*d = NoCariesDetected
	default:
		return fmt.Errorf("unknown decision %q", text)
	}
	return nil
}

// Result is the outcome of one screening.
type Result struct {
	RawScore          float32  `json:"raw_score"`
	Decision          Decision `json:"decision"`
	ConfidencePercent float64  `json:"confidence_percent"`
}

// CariesDetected reports whether the result is a positive finding.
func (r Result) CariesDetected() bool {
	return r.Decision == CariesDetected
}

// ConfidenceLabel formats the confidence with two decimals, e.g. "97.00%".
func (r Result) ConfidenceLabel() string {
	return fmt.Sprintf("%.2f%%", r.ConfidencePercent)
}

// Decide maps a raw score to a Result.
//
// Class index 0 is caries-positive, so a score that rounds to 0 is a positive
// finding. Rounding is half-to-even, which sends 0.5 to 0 (CariesDetected).
// The confidence is the raw score as a percentage whatever the decision,
// scaled in float32 so 0.02 reports exactly 2.
func Decide(rawScore float32) Result {
	d := NoCariesDetected
	if math.RoundToEven(float64(rawScore)) == 0 {
		d = CariesDetected
	}
	return Result{
		RawScore:          rawScore,
		Decision:          d,
		ConfidencePercent: float64(rawScore * 100),
	}
}
