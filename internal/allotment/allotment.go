// Package allotment содержит правила учёта лимита: длительность периода,
// расчёт процента использования, статуса и дней до сброса.
package allotment

import (
	"math"
	"time"

	"github.com/mmeshcher/allotment-tracker/internal/model"
)

const (
	// PeriodLength задаёт длительность периода. Периоды скользящие и не выравниваются по календарю.
	PeriodLength = 30 * 24 * time.Hour
	// TotalAllowedUnits задаёт лимит на период в унциях.
	TotalAllowedUnits = 3.0
	// GramsPerOunce используется для перевода количества из граммов.
	GramsPerOunce = 28.3495
	// UnitsPerOunce задаёт точность хранения количеств: тысячные доли унции.
	UnitsPerOunce = 1000

	criticalThreshold = 90
	warningThreshold  = 75
)

// NewPeriod создаёт новый период, начинающийся в момент now.
func NewPeriod(patientID int64, now time.Time) model.AllotmentPeriod {
	return model.AllotmentPeriod{
		PatientID:         patientID,
		PeriodStart:       now,
		PeriodEnd:         now.Add(PeriodLength),
		TotalAllowedUnits: TotalAllowedUnits,
		UsedUnits:         0,
		RemainingUnits:    TotalAllowedUnits,
	}
}

// Percentage возвращает округлённый процент использования лимита.
func Percentage(used, total float64) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(used / total * 100))
}

// StatusFor определяет статус по проценту использования. Граничные значения
// относятся к более строгому статусу.
func StatusFor(percentage int) model.StatusInfo {
	switch {
	case percentage >= criticalThreshold:
		return model.StatusInfo{
			Status:    model.StatusCritical,
			Message:   "Critical: Near allotment limit",
			ColorHint: "text-red-600",
		}
	case percentage >= warningThreshold:
		return model.StatusInfo{
			Status:    model.StatusWarning,
			Message:   "Warning: Approaching limit",
			ColorHint: "text-yellow-600",
		}
	default:
		return model.StatusInfo{
			Status:    model.StatusSafe,
			Message:   "Within safe limits",
			ColorHint: "text-green-600",
		}
	}
}

// DaysUntilReset возвращает число дней до конца периода с округлением вверх, не меньше нуля.
func DaysUntilReset(periodEnd, now time.Time) int {
	diff := periodEnd.Sub(now)
	if diff <= 0 {
		return 0
	}
	return int(math.Ceil(diff.Hours() / 24))
}

// ToStorageUnits переводит унции в целые тысячные доли унции с округлением.
func ToStorageUnits(ounces float64) int64 {
	return int64(math.Round(ounces * UnitsPerOunce))
}

// FromStorageUnits переводит тысячные доли унции обратно в унции.
func FromStorageUnits(v int64) float64 {
	return float64(v) / UnitsPerOunce
}

// ValidQuantity сообщает, можно ли учесть количество в унциях: оно должно быть
// конечным и не обращаться в ноль при округлении до точности хранения.
func ValidQuantity(ounces float64) bool {
	if math.IsNaN(ounces) || math.IsInf(ounces, 0) {
		return false
	}
	return ToStorageUnits(ounces) > 0
}

// GramsToOunces переводит граммы в унции.
func GramsToOunces(grams float64) float64 {
	return grams / GramsPerOunce
}

// OuncesToGrams переводит унции в граммы.
func OuncesToGrams(ounces float64) float64 {
	return ounces * GramsPerOunce
}
