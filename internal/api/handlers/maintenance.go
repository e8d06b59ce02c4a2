package handlers

import "net/http"

type sweepResponse struct {
	Expired         int   `json:"expired"`
	PaymentsUpdated int   `json:"payments_updated"`
	FilesPurged     int   `json:"files_purged"`
	Errors          int   `json:"errors"`
	DurationMs      int64 `json:"duration_ms"`
}

// RunQuarantineSweep обрабатывает POST /api/v1/maintenance/quarantine-sweep.
// Проход выполняется синхронно; параллельный фоновый проход ждёт своей очереди.
func (h *APIHandler) RunQuarantineSweep(w http.ResponseWriter, r *http.Request) {
	res := h.sweep.RunOnce(r.Context())
	writeJSON(w, http.StatusOK, sweepResponse{
		Expired:         res.Expired,
		PaymentsUpdated: res.PaymentsUpdated,
		FilesPurged:     res.FilesPurged,
		Errors:          res.Errors,
		DurationMs:      res.Duration.Milliseconds(),
	})
}
