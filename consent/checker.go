package consent

import (
	"encoding/json"
	"time"

	fx "github.com/gofhir/extract"
)

// Checker decides whether a patient-scoped resource may be used under the
// patient's consent periods. A resource without any recognizable clinical
// date passes by default.
type Checker interface {
	CheckConsent(res *fx.Resource, periods NonContinuousPeriod) bool
}

// dateFields are the fields probed, in order, for a resource's clinical
// date. The first parseable one wins.
var dateFields = []string{
	"effectiveDateTime",
	"recordedDate",
	"issued",
	"authoredOn",
	"date",
}

// PeriodChecker is the default Checker: it locates the resource's
// clinical date or effective period and tests it against the consented
// periods.
type PeriodChecker struct{}

// NewPeriodChecker creates the default consent checker.
func NewPeriodChecker() *PeriodChecker { return &PeriodChecker{} }

// CheckConsent implements Checker. An empty consent set rejects every
// dated resource; Patient resources themselves are always permitted.
func (c *PeriodChecker) CheckConsent(res *fx.Resource, periods NonContinuousPeriod) bool {
	if res.Type() == "Patient" {
		return true
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal(res.Bytes(), &body); err != nil {
		return false
	}

	if p, ok := effectivePeriod(body); ok {
		return periods.Covers(p)
	}
	if t, ok := clinicalDate(body); ok {
		return periods.Contains(t)
	}
	// Undated resources carry no consent-relevant time.
	return true
}

func effectivePeriod(body map[string]json.RawMessage) (Period, bool) {
	raw, ok := body["effectivePeriod"]
	if !ok {
		raw, ok = body["period"]
	}
	if !ok {
		return Period{}, false
	}

	var pp struct {
		Start string `json:"start"`
		End   string `json:"end"`
	}
	if err := json.Unmarshal(raw, &pp); err != nil || pp.Start == "" {
		return Period{}, false
	}
	start, err := parseFHIRTime(pp.Start)
	if err != nil {
		return Period{}, false
	}
	p := Period{Start: start}
	if pp.End != "" {
		if end, err := parseFHIRTime(pp.End); err == nil {
			p.End = end
		}
	}
	return p, true
}

func clinicalDate(body map[string]json.RawMessage) (time.Time, bool) {
	for _, field := range dateFields {
		raw, ok := body[field]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			continue
		}
		if t, err := parseFHIRTime(s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// parseFHIRTime accepts the FHIR dateTime precisions: year, year-month,
// date, and full instant.
func parseFHIRTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02", "2006-01", "2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	_, err := time.Parse(time.RFC3339, s)
	return time.Time{}, err
}
