package model

import "time"

// ReceiptStatus — состояние квитанции, прикреплённой к платежу.
type ReceiptStatus string

const (
	ReceiptNone          ReceiptStatus = "none"
	ReceiptAccepted      ReceiptStatus = "accepted"
	ReceiptPendingReview ReceiptStatus = "pending_review"
	ReceiptRejected      ReceiptStatus = "rejected"
	ReceiptExpired       ReceiptStatus = "expired"
)

// Payment — платёж (взнос) участника.
type Payment struct {
	ID          string
	PersonaID   string
	AmountCents int64
	Currency    string
	Concept     string
	PaidAt      time.Time

	ReceiptStatus ReceiptStatus
	// ReceiptPath — относительный путь принятой квитанции в постоянном
	// хранилище. Пока замена на ревью, поля квитанции описывают прежнюю.
	ReceiptPath     *string
	ReceiptHash     *string
	ReceiptFilename *string
	ReceiptMimeType *string
	ReceiptSize     *int64
	// QuarantineID — запись карантина для последней квитанции
	QuarantineID *string

	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ReceiptStatusFor переводит статус карантина в статус квитанции.
func ReceiptStatusFor(s QuarantineStatus) ReceiptStatus {
	switch s {
	case QuarantineApproved:
		return ReceiptAccepted
	case QuarantineRejected:
		return ReceiptRejected
	case QuarantineExpired:
		return ReceiptExpired
	default:
		return ReceiptPendingReview
	}
}
