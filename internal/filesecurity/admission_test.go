package filesecurity

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestAdmission_BusyWhenFull(t *testing.T) {
	a := NewAdmission(1)

	release, err := a.Acquire(context.Background())
	if err != nil {
		t.Fatalf("первый Acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := a.Acquire(ctx); !errors.Is(err, ErrBusy) {
		t.Fatalf("ожидалась ErrBusy, получено %v", err)
	}

	release()
	// Повторный вызов не освобождает слот дважды
	release()

	release2, err := a.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire после освобождения: %v", err)
	}
	defer release2()

	if _, ok := a.TryAcquire(); ok {
		t.Error("TryAcquire не должен занять слот при ёмкости 1")
	}
}

func TestAdmission_QueuedRequestProceeds(t *testing.T) {
	a := NewAdmission(1)
	release, _ := a.Acquire(context.Background())

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		r, err := a.Acquire(ctx)
		if err == nil {
			r()
		}
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	release()

	if err := <-done; err != nil {
		t.Errorf("ожидающий запрос должен получить слот: %v", err)
	}
}

func TestNewAdmission_NonPositiveCapacity(t *testing.T) {
	if got := NewAdmission(0).Capacity(); got != 1 {
		t.Errorf("Capacity = %d, ожидается 1", got)
	}
}

func TestContextReader_StopsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewContextReader(ctx, bytes.NewReader(make([]byte, 1024)))

	buf := make([]byte, 16)
	if _, err := r.Read(buf); err != nil {
		t.Fatalf("чтение до отмены: %v", err)
	}
	cancel()
	if _, err := r.Read(buf); !errors.Is(err, context.Canceled) {
		t.Errorf("ожидалась context.Canceled, получено %v", err)
	}
	if _, err := io.ReadAll(r); !errors.Is(err, context.Canceled) {
		t.Errorf("ReadAll: ожидалась context.Canceled, получено %v", err)
	}
}
