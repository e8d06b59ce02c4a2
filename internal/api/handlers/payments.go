// payments.go — обработчики платежей (pagos) и их квитанций.
package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	apierrors "github.com/scoutledger/receipt-module/internal/api/errors"
	"github.com/scoutledger/receipt-module/internal/api/middleware"
	"github.com/scoutledger/receipt-module/internal/domain/model"
	"github.com/scoutledger/receipt-module/internal/filesecurity"
	"github.com/scoutledger/receipt-module/internal/repository"
	"github.com/scoutledger/receipt-module/internal/service"
)

const dateLayout = "2006-01-02"

type receiptDTO struct {
	Path        *string `json:"path,omitempty"`
	Filename    *string `json:"filename,omitempty"`
	MimeType    *string `json:"mime_type,omitempty"`
	Size        *int64  `json:"size,omitempty"`
	ContentHash *string `json:"content_hash,omitempty"`
}

type paymentDTO struct {
	ID            string              `json:"id"`
	PersonaID     string              `json:"persona_id"`
	AmountCents   int64               `json:"amount_cents"`
	Currency      string              `json:"currency"`
	Concept       string              `json:"concept"`
	PaidAt        string              `json:"paid_at"`
	ReceiptStatus model.ReceiptStatus `json:"receipt_status"`
	Receipt       *receiptDTO         `json:"receipt,omitempty"`
	QuarantineID  *string             `json:"quarantine_id,omitempty"`
	CreatedBy     string              `json:"created_by"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

type paymentResultDTO struct {
	Pago        paymentDTO           `json:"pago"`
	Comprobante *filesecurity.Result `json:"comprobante,omitempty"`
}

func toPaymentDTO(p *model.Payment) paymentDTO {
	dto := paymentDTO{
		ID:            p.ID,
		PersonaID:     p.PersonaID,
		AmountCents:   p.AmountCents,
		Currency:      p.Currency,
		Concept:       p.Concept,
		PaidAt:        p.PaidAt.UTC().Format(dateLayout),
		ReceiptStatus: p.ReceiptStatus,
		QuarantineID:  p.QuarantineID,
		CreatedBy:     p.CreatedBy,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
	if p.ReceiptHash != nil {
		dto.Receipt = &receiptDTO{
			Path:        p.ReceiptPath,
			Filename:    p.ReceiptFilename,
			MimeType:    p.ReceiptMimeType,
			Size:        p.ReceiptSize,
			ContentHash: p.ReceiptHash,
		}
	}
	return dto
}

// writePaymentResult: 202, если квитанция ушла в карантин, иначе okStatus.
func writePaymentResult(w http.ResponseWriter, res *service.PaymentResult, okStatus int) {
	status := okStatus
	if res.Decision == filesecurity.DecisionQuarantine {
		status = http.StatusAccepted
	}
	writeJSON(w, status, paymentResultDTO{Pago: toPaymentDTO(res.Payment), Comprobante: res.Receipt})
}

// parsePaidAt принимает дату (2006-01-02) или RFC 3339.
func parsePaidAt(s string) (time.Time, bool) {
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// CreatePago обрабатывает POST /api/v1/pagos.
// Multipart: persona_id, amount_cents, currency, concept, paid_at,
// comprobante (опционально).
func (h *APIHandler) CreatePago(w http.ResponseWriter, r *http.Request) {
	if !h.parseMultipart(w, r) {
		return
	}

	amount, err := strconv.ParseInt(strings.TrimSpace(r.FormValue("amount_cents")), 10, 64)
	if err != nil {
		apierrors.ValidationError(w, "amount_cents debe ser un número entero")
		return
	}
	paidAt, ok := parsePaidAt(strings.TrimSpace(r.FormValue("paid_at")))
	if !ok {
		apierrors.ValidationError(w, "paid_at debe tener el formato AAAA-MM-DD")
		return
	}

	upload, closeFn, ok := formUpload(w, r, "comprobante", false)
	if !ok {
		return
	}
	defer closeFn()

	in := service.CreatePaymentInput{
		PersonaID:   r.FormValue("persona_id"),
		AmountCents: amount,
		Currency:    r.FormValue("currency"),
		Concept:     r.FormValue("concept"),
		PaidAt:      paidAt,
		CreatedBy:   middleware.SecurityContext(r).Username,
	}

	res, err := h.payments.Create(r.Context(), in, upload)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writePaymentResult(w, res, http.StatusCreated)
}

// ListPagos обрабатывает GET /api/v1/pagos.
func (h *APIHandler) ListPagos(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := bindPagination(w, r)
	if !ok {
		return
	}
	persona, ok := bindOptionalString(w, r, "persona_id")
	if !ok {
		return
	}
	status, ok := bindOptionalString(w, r, "receipt_status")
	if !ok {
		return
	}

	filters := repository.PaymentListFilters{PersonaID: persona}
	if status != nil {
		s := model.ReceiptStatus(*status)
		filters.ReceiptStatus = &s
	}

	items, total, err := h.payments.List(r.Context(), filters, limit, offset)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	dtos := make([]paymentDTO, 0, len(items))
	for _, p := range items {
		dtos = append(dtos, toPaymentDTO(p))
	}
	writeJSON(w, http.StatusOK, newListResponse(dtos, total, limit, offset))
}

// GetPago обрабатывает GET /api/v1/pagos/{pago_id}.
func (h *APIHandler) GetPago(w http.ResponseWriter, r *http.Request) {
	id, ok := bindUUIDParam(w, r, "pago_id")
	if !ok {
		return
	}
	p, err := h.payments.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(p))
}

// ReplaceComprobante обрабатывает POST /api/v1/pagos/{pago_id}/comprobante.
func (h *APIHandler) ReplaceComprobante(w http.ResponseWriter, r *http.Request) {
	id, ok := bindUUIDParam(w, r, "pago_id")
	if !ok {
		return
	}
	if !h.parseMultipart(w, r) {
		return
	}
	upload, closeFn, ok := formUpload(w, r, "comprobante", true)
	if !ok {
		return
	}
	defer closeFn()

	res, err := h.payments.ReplaceReceipt(r.Context(), id, upload)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writePaymentResult(w, res, http.StatusOK)
}
