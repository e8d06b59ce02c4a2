package filesecurity

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/semaphore"
)

// ErrBusy — свободный слот проверки не получен за отведённое время.
var ErrBusy = errors.New("превышен лимит одновременных проверок файлов")

var (
	// validationsInFlight — проверки, занимающие слот прямо сейчас.
	validationsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rm_validations_in_flight",
		Help: "Количество выполняющихся проверок файлов",
	})

	// admissionRejectedTotal — отказы admission control.
	admissionRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rm_admission_rejected_total",
		Help: "Количество загрузок, не дождавшихся слота проверки",
	})
)

// Admission ограничивает число одновременных проверок.
// Ожидающие запросы встают в очередь семафора до истечения контекста.
type Admission struct {
	sem      *semaphore.Weighted
	capacity int64
}

// NewAdmission создаёт admission control ёмкостью capacity.
func NewAdmission(capacity int) *Admission {
	if capacity <= 0 {
		capacity = 1
	}
	return &Admission{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}
}

// Capacity возвращает ёмкость.
func (a *Admission) Capacity() int {
	return int(a.capacity)
}

// Acquire ждёт свободный слот. Возвращает функцию освобождения,
// которую нужно вызвать ровно один раз.
// Если ctx истёк раньше, возвращает ErrBusy.
func (a *Admission) Acquire(ctx context.Context) (func(), error) {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		admissionRejectedTotal.Inc()
		return nil, ErrBusy
	}
	validationsInFlight.Inc()

	released := false
	return func() {
		if released {
			return
		}
		released = true
		validationsInFlight.Dec()
		a.sem.Release(1)
	}, nil
}

// TryAcquire занимает слот без ожидания.
func (a *Admission) TryAcquire() (func(), bool) {
	if !a.sem.TryAcquire(1) {
		return nil, false
	}
	validationsInFlight.Inc()
	return func() {
		validationsInFlight.Dec()
		a.sem.Release(1)
	}, true
}
