package billing

import (
	"time"

	"github.com/tidebill/renewd/internal/domain"
)

const periodLayout = "2006-01"

// ParsePeriod validates a "YYYY-MM" billing period string.
func ParsePeriod(period string) (time.Time, error) {
	t, err := time.Parse(periodLayout, period)
	if err != nil {
		return time.Time{}, domain.Validationf("bad billing period %q: want YYYY-MM", period)
	}
	return t, nil
}

// PeriodEnd returns the first instant after the period, i.e. midnight UTC on
// the first day of the following month.
func PeriodEnd(period string) (time.Time, error) {
	t, err := ParsePeriod(period)
	if err != nil {
		return time.Time{}, err
	}
	return t.AddDate(0, 1, 0), nil
}

// NextPeriod returns the period following the given one.
func NextPeriod(period string) (string, error) {
	t, err := ParsePeriod(period)
	if err != nil {
		return "", err
	}
	return t.AddDate(0, 1, 0).Format(periodLayout), nil
}
