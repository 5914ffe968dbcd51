// Package allocation distributes a confirmed payment amount across a
// student's outstanding monthly dues, oldest period first.
package allocation

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ez-programmer4/school-ledger/internal/models"
)

// Allocate walks dues in period order and applies
// min(remaining, leftover) to each until the amount is exhausted or no
// due remains. It never mutates its inputs and never applies more than
// a due's remaining balance. If any amount is left after all dues are
// satisfied the result carries the leftover and
// models.ErrAllocationOverflow is returned; the caller must reject the
// whole operation before touching the ledger.
func Allocate(amount decimal.Decimal, dues []models.MonthlyDue) (*models.AllocationResult, error) {
	ordered := make([]models.MonthlyDue, len(dues))
	copy(ordered, dues)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].PeriodKey != ordered[j].PeriodKey {
			return ordered[i].PeriodKey < ordered[j].PeriodKey
		}
		// Duplicate periods should not exist; earliest-created wins.
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	result := &models.AllocationResult{}
	leftover := amount
	for _, due := range ordered {
		if !leftover.IsPositive() {
			break
		}
		remaining := due.Remaining()
		if !remaining.IsPositive() {
			continue
		}
		applied := decimal.Min(remaining, leftover)
		result.Applied = append(result.Applied, models.Allocation{
			PeriodKey: due.PeriodKey,
			Amount:    applied,
		})
		leftover = leftover.Sub(applied)
	}

	result.Leftover = leftover
	if leftover.IsPositive() {
		return result, models.ErrAllocationOverflow
	}
	return result, nil
}

// Prorate computes the expected amount for the enrollment month:
// monthlyFee scaled by the fraction of the month from the enrollment
// day (inclusive) to month end, rounded to 2 decimals.
func Prorate(monthlyFee decimal.Decimal, enrolledAt time.Time) decimal.Decimal {
	days := daysInMonth(enrolledAt)
	remaining := days - enrolledAt.Day() + 1
	fraction := decimal.NewFromInt(int64(remaining)).Div(decimal.NewFromInt(int64(days)))
	return monthlyFee.Mul(fraction).Round(2)
}

// ExpectedForPeriod returns the expected amount for a billing period:
// prorated for the enrollment month, the full fee otherwise.
func ExpectedForPeriod(monthlyFee decimal.Decimal, enrolledAt time.Time, periodKey string) decimal.Decimal {
	if PeriodKey(enrolledAt) == periodKey {
		return Prorate(monthlyFee, enrolledAt)
	}
	return monthlyFee.Round(2)
}

// PeriodKey formats a billing period as YYYY-MM, the ledger's sort and
// uniqueness key for dues.
func PeriodKey(t time.Time) string {
	return t.Format("2006-01")
}

// ValidPeriodKey reports whether s parses as a YYYY-MM period.
func ValidPeriodKey(s string) bool {
	_, err := time.Parse("2006-01", s)
	return err == nil
}

func daysInMonth(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
}
