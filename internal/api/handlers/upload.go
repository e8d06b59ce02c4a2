// upload.go — разбор multipart-запросов с файлами.
package handlers

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"

	apierrors "github.com/scoutledger/receipt-module/internal/api/errors"
	"github.com/scoutledger/receipt-module/internal/api/middleware"
	"github.com/scoutledger/receipt-module/internal/service"
)

// multipartMemory — часть формы, которая держится в памяти; остальное
// net/http сбрасывает во временные файлы.
const multipartMemory = 8 << 20

// parseMultipart ограничивает тело MaxUploadSize и разбирает форму.
// При ошибке ответ уже записан.
func (h *APIHandler) parseMultipart(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadSize)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apierrors.PayloadTooLarge(w, fmt.Sprintf("El cuerpo de la solicitud supera el máximo de %d bytes", tooLarge.Limit))
			return false
		}
		apierrors.ValidationError(w, "Formulario multipart inválido: "+err.Error())
		return false
	}
	return true
}

// formUpload возвращает файл поля field. Если поля нет и required=false,
// возвращает nil без ошибки. Вызывающий закрывает файл через close.
func formUpload(w http.ResponseWriter, r *http.Request, field string, required bool) (upload *service.UploadRequest, closeFn func(), ok bool) {
	file, header, err := r.FormFile(field)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) && !required {
			return nil, func() {}, true
		}
		apierrors.ValidationError(w, fmt.Sprintf("El campo '%s' es obligatorio", field))
		return nil, nil, false
	}

	return &service.UploadRequest{
		Filename: header.Filename,
		MimeType: header.Header.Get("Content-Type"),
		Body:     file,
		Security: middleware.SecurityContext(r),
	}, func() { closeFile(file) }, true
}

func closeFile(f multipart.File) {
	_ = f.Close()
}
