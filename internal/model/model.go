// Package model содержит доменные сущности сервиса учёта лимитов.
package model

import "time"

// Patient представляет пациента, прошедшего проверку медицинской карты.
// Номер карты хранится только в зашифрованном виде, поиск выполняется по хешу.
type Patient struct {
	ID             int64
	CardHash       string
	CardToken      string
	LastVerifiedAt time.Time
	CreatedAt      time.Time
}

// AllotmentPeriod описывает скользящий 30-дневный период лимита пациента.
type AllotmentPeriod struct {
	ID                int64     `json:"id"`
	PatientID         int64     `json:"patientId"`
	PeriodStart       time.Time `json:"periodStart"`
	PeriodEnd         time.Time `json:"periodEnd"`
	TotalAllowedUnits float64   `json:"totalAllowedUnits"`
	UsedUnits         float64   `json:"usedUnits"`
	RemainingUnits    float64   `json:"remainingUnits"`
}

// Covers сообщает, покрывает ли период момент времени now (границы включительно).
func (p AllotmentPeriod) Covers(now time.Time) bool {
	return !now.Before(p.PeriodStart) && !now.After(p.PeriodEnd)
}

// Purchase описывает покупку, учтённую в периоде лимита.
type Purchase struct {
	ID            string    `json:"id"`
	PatientID     int64     `json:"-"`
	PeriodID      int64     `json:"periodId"`
	Units         float64   `json:"units"`
	Amount        float64   `json:"amount"`
	Dispensary    string    `json:"dispensary,omitempty"`
	OverAllotment bool      `json:"overAllotment"`
	PurchasedAt   time.Time `json:"purchasedAt"`
}

// AllotmentStatus описывает уровень использования лимита.
type AllotmentStatus string

const (
	StatusSafe     AllotmentStatus = "safe"
	StatusWarning  AllotmentStatus = "warning"
	StatusCritical AllotmentStatus = "critical"
)

// StatusInfo содержит статус лимита и подсказки для отображения.
type StatusInfo struct {
	Status    AllotmentStatus `json:"status"`
	Message   string          `json:"message"`
	ColorHint string          `json:"colorHint"`
}

// AllotmentSummary собирает данные о текущем периоде для панели пациента.
type AllotmentSummary struct {
	Period         AllotmentPeriod `json:"period"`
	Percentage     int             `json:"percentage"`
	StatusInfo
	DaysUntilReset int     `json:"daysUntilReset"`
	PurchaseCount  int     `json:"purchaseCount"`
	RecentUnits    float64 `json:"recentUnits"`
	TotalSpent     float64 `json:"totalSpent"`
	AvgPurchase    float64 `json:"avgPurchase"`
}

// VerificationResult содержит результат проверки медицинской карты во внешней системе.
type VerificationResult struct {
	IsValid        bool       `json:"isValid"`
	CardIdentifier string     `json:"cardIdentifier,omitempty"`
	ExpirationDate *time.Time `json:"expirationDate,omitempty"`
	SubjectName    string     `json:"subjectName,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// Profile содержит данные пациента, безопасные для отображения.
type Profile struct {
	ID             int64     `json:"id"`
	MaskedCard     string    `json:"maskedCard"`
	LastVerifiedAt time.Time `json:"lastVerifiedAt"`
}
