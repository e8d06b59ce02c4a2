package handlers

import (
	"net/http"

	"github.com/scoutledger/receipt-module/internal/filesecurity"
)

type validateResponse struct {
	Decision    filesecurity.Decision `json:"decision"`
	Result      filesecurity.Result   `json:"result"`
	MimeType    string                `json:"mime_type"`
	Size        int64                 `json:"size"`
	ContentHash string                `json:"content_hash"`
}

// ValidateFile обрабатывает POST /api/v1/files/validate.
// Файл проверяется политикой и отбрасывается; ничего не сохраняется.
func (h *APIHandler) ValidateFile(w http.ResponseWriter, r *http.Request) {
	if !h.parseMultipart(w, r) {
		return
	}
	upload, closeFn, ok := formUpload(w, r, "file", true)
	if !ok {
		return
	}
	defer closeFn()

	out, err := h.intake.Validate(r.Context(), upload)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, validateResponse{
		Decision:    out.Decision,
		Result:      out.Result,
		MimeType:    out.MimeType,
		Size:        out.Size,
		ContentHash: out.ContentHash,
	})
}
