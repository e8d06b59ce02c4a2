package filesecurity

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	clamd "github.com/dutchcoders/go-clamd"
)

// MalwareScanner — внешний антивирус, проверяющий поток байт файла.
type MalwareScanner interface {
	Scan(ctx context.Context, r io.Reader) (*ScanVerdict, error)
}

// ScanVerdict — вердикт антивируса.
type ScanVerdict struct {
	Infected bool
	// Signature — имя сигнатуры вредоноса (только при Infected)
	Signature string
}

// ClamAV — MalwareScanner поверх clamd (INSTREAM).
type ClamAV struct {
	client *clamd.Clamd
	logger *slog.Logger
}

// NewClamAV создаёт клиент clamd. address — tcp://host:port или unix:///path.
// Соединение устанавливается на каждый Scan.
func NewClamAV(address string, logger *slog.Logger) *ClamAV {
	return &ClamAV{
		client: clamd.NewClamd(address),
		logger: logger.With(slog.String("component", "clamav")),
	}
}

// Ping проверяет доступность clamd.
func (c *ClamAV) Ping() error {
	return c.client.Ping()
}

// Scan передаёт поток в clamd и ждёт вердикт.
// Отмена ctx закрывает соединение с clamd.
func (c *ClamAV) Scan(ctx context.Context, r io.Reader) (*ScanVerdict, error) {
	abort := make(chan bool)
	// Закрытие abort прерывает соединение внутри go-clamd
	defer close(abort)

	results, err := c.client.ScanStream(&ctxReader{ctx: ctx, r: r}, abort)
	if err != nil {
		return nil, fmt.Errorf("clamd: ошибка отправки потока: %w", err)
	}

	verdict := &ScanVerdict{}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res, ok := <-results:
			if !ok {
				return verdict, nil
			}
			switch res.Status {
			case clamd.RES_FOUND:
				verdict.Infected = true
				verdict.Signature = strings.TrimSpace(res.Description)
			case clamd.RES_ERROR, clamd.RES_PARSE_ERROR:
				return nil, fmt.Errorf("clamd: %s", strings.TrimSpace(res.Raw))
			}
		}
	}
}

// ctxReader прерывает чтение после отмены контекста.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

// NewContextReader оборачивает reader так, что чтение прекращается
// после отмены ctx.
func NewContextReader(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}
