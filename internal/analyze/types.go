// Package analyze runs the one-shot Mechanic and Sceptic analyses against
// Gemini generateContent.
//
// A [Client] tries the configured models in order. Each model has its own
// circuit breaker, and rate-limited calls are retried with the session
// [live.RetryPolicy] before moving on to the next model.
package analyze

import (
	"errors"
	"strings"
)

// Sentinel errors.
var (
	ErrEmptyInput  = errors.New("analyze: empty input")
	ErrBadResponse = errors.New("analyze: malformed model response")
)

// Default models tried in order when none are configured.
var DefaultModels = []string{"gemini-3-flash-preview", "gemini-2.5-flash"}

// Risk is a coarse risk grade.
type Risk string

const (
	RiskLow    Risk = "LOW"
	RiskMedium Risk = "MEDIUM"
	RiskHigh   Risk = "HIGH"
)

// parseRisk maps s to a Risk, ignoring case. Unknown values map to
// [RiskMedium].
func parseRisk(s string) Risk {
	switch Risk(strings.ToUpper(strings.TrimSpace(s))) {
	case RiskLow:
		return RiskLow
	case RiskHigh:
		return RiskHigh
	default:
		return RiskMedium
	}
}

// MechanicInput is an engine recording plus an optional repair quote.
type MechanicInput struct {
	Audio     []byte
	AudioMIME string

	// QuoteImage is an optional photo of the garage's repair quote.
	QuoteImage []byte
	QuoteMIME  string
}

// Diagnosis is the result of a Mechanic analysis.
type Diagnosis struct {
	Issue string `json:"issue"`
	// Confidence is a percentage in [0, 100].
	Confidence  float64 `json:"confidence"`
	FraudRisk   Risk    `json:"fraudRisk"`
	Explanation string  `json:"explanation"`
}

func (d *Diagnosis) normalise() error {
	d.Issue = strings.TrimSpace(d.Issue)
	if d.Issue == "" {
		return ErrBadResponse
	}
	// Some models answer on a 0-1 scale.
	if d.Confidence > 0 && d.Confidence <= 1 {
		d.Confidence *= 100
	}
	d.Confidence = clamp(d.Confidence, 0, 100)
	d.FraudRisk = parseRisk(string(d.FraudRisk))
	return nil
}

// Flag is a single red flag found in a listing.
type Flag struct {
	Timestamp string `json:"timestamp"`
	Issue     string `json:"issue"`
	Severity  Risk   `json:"severity"`
}

// Vetting is the result of a Sceptic analysis.
type Vetting struct {
	// LemonScore is in [0, 100]; higher means more likely a lemon.
	LemonScore float64 `json:"lemonScore"`
	Flags      []Flag  `json:"flags"`
	Summary    string  `json:"summary"`
}

func (v *Vetting) normalise() error {
	v.Summary = strings.TrimSpace(v.Summary)
	if v.Summary == "" && len(v.Flags) == 0 {
		return ErrBadResponse
	}
	v.LemonScore = clamp(v.LemonScore, 0, 100)
	for i := range v.Flags {
		v.Flags[i].Severity = parseRisk(string(v.Flags[i].Severity))
	}
	if v.Flags == nil {
		v.Flags = []Flag{}
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	return min(max(v, lo), hi)
}
