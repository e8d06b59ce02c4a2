// Пакет repotest — in-memory реализация repository.Store для тестов
// сервисов и HTTP-обработчиков.
package repotest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/scoutledger/receipt-module/internal/domain/model"
	"github.com/scoutledger/receipt-module/internal/domain/quarantine"
	"github.com/scoutledger/receipt-module/internal/repository"
)

// MemStore — потокобезопасное хранилище в памяти.
// WithinTx работает через снимок: при ошибке fn состояние восстанавливается.
type MemStore struct {
	mu       sync.Mutex
	txMu     sync.Mutex
	records  map[string]*model.QuarantineRecord
	payments map[string]*model.Payment

	// FailOn — имя операции ("quarantine.Create", "payments.Create", ...),
	// на которой возвращается ErrInjected.
	FailOn string
}

// ErrInjected — искусственная ошибка, заданная через FailOn.
var ErrInjected = errors.New("внедрённая ошибка хранилища")

// New создаёт пустое хранилище.
func New() *MemStore {
	return &MemStore{
		records:  map[string]*model.QuarantineRecord{},
		payments: map[string]*model.Payment{},
	}
}

// Quarantine возвращает репозиторий записей карантина.
func (s *MemStore) Quarantine() repository.QuarantineRepository { return &memQuarantine{s: s} }

// Payments возвращает репозиторий платежей.
func (s *MemStore) Payments() repository.PaymentRepository { return &memPayments{s: s} }

// WithinTx сериализует транзакции и откатывает состояние при ошибке fn.
func (s *MemStore) WithinTx(ctx context.Context, fn func(tx repository.Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	records, payments := cloneRecords(s.records), clonePayments(s.payments)
	s.mu.Unlock()

	if err := fn(&txView{s}); err != nil {
		s.mu.Lock()
		s.records, s.payments = records, payments
		s.mu.Unlock()
		return err
	}
	return nil
}

// txView — Store внутри транзакции: вложенный WithinTx не берёт txMu повторно.
type txView struct{ *MemStore }

func (v *txView) WithinTx(_ context.Context, fn func(tx repository.Store) error) error {
	return fn(v)
}

// Record возвращает копию записи карантина (nil, если нет).
func (s *MemStore) Record(id string) *model.QuarantineRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[id]; ok {
		return copyRecord(r)
	}
	return nil
}

// Payment возвращает копию платежа (nil, если нет).
func (s *MemStore) Payment(id string) *model.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.payments[id]; ok {
		return copyPayment(p)
	}
	return nil
}

// RecordCount возвращает количество записей карантина.
func (s *MemStore) RecordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// PutRecord сохраняет запись без проверок (подготовка тестовых данных).
func (s *MemStore) PutRecord(rec *model.QuarantineRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = copyRecord(rec)
}

// PutPayment сохраняет платёж без проверок.
func (s *MemStore) PutPayment(p *model.Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[p.ID] = copyPayment(p)
}

func (s *MemStore) fail(op string) error {
	if s.FailOn == op {
		return fmt.Errorf("%s: %w", op, ErrInjected)
	}
	return nil
}

// --- QuarantineRepository ---

type memQuarantine struct{ s *MemStore }

func (q *memQuarantine) Create(_ context.Context, rec *model.QuarantineRecord) error {
	if err := q.s.fail("quarantine.Create"); err != nil {
		return err
	}
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	if _, ok := q.s.records[rec.ID]; ok {
		return repository.ErrConflict
	}
	now := time.Now().UTC()
	rec.CreatedAt, rec.UpdatedAt = now, now
	q.s.records[rec.ID] = copyRecord(rec)
	return nil
}

func (q *memQuarantine) GetByID(_ context.Context, id string) (*model.QuarantineRecord, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	r, ok := q.s.records[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyRecord(r), nil
}

func (q *memQuarantine) GetForUpdate(ctx context.Context, id string) (*model.QuarantineRecord, error) {
	return q.GetByID(ctx, id)
}

func (q *memQuarantine) matching(f repository.QuarantineListFilters) []*model.QuarantineRecord {
	var out []*model.QuarantineRecord
	for _, r := range q.s.records {
		if f.Status != nil && r.Status != *f.Status {
			continue
		}
		if f.RiskLevel != nil && r.RiskLevel != *f.RiskLevel {
			continue
		}
		if f.RelatedRecordID != nil && (r.RelatedRecordID == nil || *r.RelatedRecordID != *f.RelatedRecordID) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuarantinedAt.After(out[j].QuarantinedAt) })
	return out
}

func (q *memQuarantine) List(_ context.Context, f repository.QuarantineListFilters, limit, offset int) ([]*model.QuarantineRecord, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	all := q.matching(f)
	if offset >= len(all) {
		return nil, nil
	}
	end := min(offset+limit, len(all))
	out := make([]*model.QuarantineRecord, 0, end-offset)
	for _, r := range all[offset:end] {
		out = append(out, copyRecord(r))
	}
	return out, nil
}

func (q *memQuarantine) Count(_ context.Context, f repository.QuarantineListFilters) (int, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	return len(q.matching(f)), nil
}

func (q *memQuarantine) Stats(_ context.Context, expiringBefore time.Time) (*repository.QuarantineStats, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	st := &repository.QuarantineStats{
		ByStatus:      map[model.QuarantineStatus]int{},
		PendingByRisk: map[model.RiskLevel]int{},
	}
	for _, r := range q.s.records {
		st.ByStatus[r.Status]++
		if r.Status == model.QuarantinePending {
			st.PendingByRisk[r.RiskLevel]++
			if r.ExpirationDate.Before(expiringBefore) {
				st.ExpiringSoon++
			}
		}
	}
	return st, nil
}

func (q *memQuarantine) Resolve(_ context.Context, rec *model.QuarantineRecord) error {
	if err := q.s.fail("quarantine.Resolve"); err != nil {
		return err
	}
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	cur, ok := q.s.records[rec.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if err := quarantine.Transition(cur.Status, rec.Status); err != nil {
		return fmt.Errorf("%w: %v", repository.ErrConflict, err)
	}
	cur.Status = rec.Status
	cur.Processing = copyProcessing(rec.Processing)
	cur.Approval = copyApproval(rec.Approval)
	cur.RelatedRecordID = copyStr(rec.RelatedRecordID)
	cur.RelatedRecordType = copyStr(rec.RelatedRecordType)
	cur.UpdatedAt = time.Now().UTC()
	rec.UpdatedAt = cur.UpdatedAt
	return nil
}

func (q *memQuarantine) ExpireDue(_ context.Context, now time.Time, limit int, info model.ProcessingInfo) ([]*model.QuarantineRecord, error) {
	if err := q.s.fail("quarantine.ExpireDue"); err != nil {
		return nil, err
	}
	q.s.mu.Lock()
	defer q.s.mu.Unlock()

	var due []*model.QuarantineRecord
	for _, r := range q.s.records {
		if r.Status == model.QuarantinePending && r.ExpirationDate.Before(now) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpirationDate.Before(due[j].ExpirationDate) })
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]*model.QuarantineRecord, 0, len(due))
	for _, r := range due {
		r.Status = model.QuarantineExpired
		p := info
		r.Processing = &p
		r.UpdatedAt = time.Now().UTC()
		out = append(out, copyRecord(r))
	}
	return out, nil
}

func (q *memQuarantine) FindActiveByHash(_ context.Context, hash string) (*model.QuarantineRecord, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	var best *model.QuarantineRecord
	for _, r := range q.s.records {
		if r.ContentHash != hash {
			continue
		}
		if r.Status == model.QuarantineRejected {
			continue
		}
		if best == nil || r.QuarantinedAt.After(best.QuarantinedAt) {
			best = r
		}
	}
	if best == nil {
		return nil, repository.ErrNotFound
	}
	return copyRecord(best), nil
}

// --- PaymentRepository ---

type memPayments struct{ s *MemStore }

func (p *memPayments) Create(_ context.Context, pay *model.Payment) error {
	if err := p.s.fail("payments.Create"); err != nil {
		return err
	}
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	if _, ok := p.s.payments[pay.ID]; ok {
		return repository.ErrConflict
	}
	now := time.Now().UTC()
	pay.CreatedAt, pay.UpdatedAt = now, now
	p.s.payments[pay.ID] = copyPayment(pay)
	return nil
}

func (p *memPayments) GetByID(_ context.Context, id string) (*model.Payment, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	pay, ok := p.s.payments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyPayment(pay), nil
}

func (p *memPayments) GetForUpdate(ctx context.Context, id string) (*model.Payment, error) {
	return p.GetByID(ctx, id)
}

func (p *memPayments) matching(f repository.PaymentListFilters) []*model.Payment {
	var out []*model.Payment
	for _, pay := range p.s.payments {
		if f.PersonaID != nil && pay.PersonaID != *f.PersonaID {
			continue
		}
		if f.ReceiptStatus != nil && pay.ReceiptStatus != *f.ReceiptStatus {
			continue
		}
		out = append(out, pay)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PaidAt.Equal(out[j].PaidAt) {
			return out[i].PaidAt.After(out[j].PaidAt)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (p *memPayments) List(_ context.Context, f repository.PaymentListFilters, limit, offset int) ([]*model.Payment, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	all := p.matching(f)
	if offset >= len(all) {
		return nil, nil
	}
	end := min(offset+limit, len(all))
	out := make([]*model.Payment, 0, end-offset)
	for _, pay := range all[offset:end] {
		out = append(out, copyPayment(pay))
	}
	return out, nil
}

func (p *memPayments) Count(_ context.Context, f repository.PaymentListFilters) (int, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	return len(p.matching(f)), nil
}

func (p *memPayments) UpdateReceipt(_ context.Context, pay *model.Payment) error {
	if err := p.s.fail("payments.UpdateReceipt"); err != nil {
		return err
	}
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	cur, ok := p.s.payments[pay.ID]
	if !ok {
		return repository.ErrNotFound
	}
	cur.ReceiptStatus = pay.ReceiptStatus
	cur.ReceiptPath = copyStr(pay.ReceiptPath)
	cur.ReceiptHash = copyStr(pay.ReceiptHash)
	cur.ReceiptFilename = copyStr(pay.ReceiptFilename)
	cur.ReceiptMimeType = copyStr(pay.ReceiptMimeType)
	cur.ReceiptSize = copyInt64(pay.ReceiptSize)
	cur.QuarantineID = copyStr(pay.QuarantineID)
	cur.UpdatedAt = time.Now().UTC()
	pay.UpdatedAt = cur.UpdatedAt
	return nil
}

func (p *memPayments) ResolveReceiptByQuarantine(_ context.Context, quarantineID string, res repository.ReceiptResolution) (*repository.ReceiptResolveResult, error) {
	if err := p.s.fail("payments.ResolveReceiptByQuarantine"); err != nil {
		return nil, err
	}
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	out := &repository.ReceiptResolveResult{}
	for _, pay := range p.s.payments {
		if pay.QuarantineID == nil || *pay.QuarantineID != quarantineID || pay.ReceiptStatus != model.ReceiptPendingReview {
			continue
		}
		out.Updated++
		prev := pay.ReceiptPath
		switch {
		case res.Status != model.ReceiptAccepted && prev != nil:
			pay.ReceiptStatus = model.ReceiptAccepted
			out.Restored++
		case res.Status == model.ReceiptAccepted && prev != nil && (res.Path == nil || *res.Path != *prev):
			pay.ReceiptStatus = res.Status
			out.Displaced = append(out.Displaced, *prev)
		default:
			pay.ReceiptStatus = res.Status
		}
		if res.Path != nil {
			pay.ReceiptPath = copyStr(res.Path)
		}
		if res.Hash != nil {
			pay.ReceiptHash = copyStr(res.Hash)
		}
		if res.Filename != nil {
			pay.ReceiptFilename = copyStr(res.Filename)
		}
		if res.MimeType != nil {
			pay.ReceiptMimeType = copyStr(res.MimeType)
		}
		if res.Size != nil {
			pay.ReceiptSize = copyInt64(res.Size)
		}
		pay.UpdatedAt = time.Now().UTC()
	}
	return out, nil
}

func (p *memPayments) FindAcceptedByReceiptHash(_ context.Context, hash string) (string, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	for _, pay := range p.s.payments {
		if pay.ReceiptStatus == model.ReceiptAccepted && pay.ReceiptHash != nil && *pay.ReceiptHash == hash {
			return pay.ID, nil
		}
	}
	return "", repository.ErrNotFound
}

// --- копирование ---

func copyStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func copyInt64(n *int64) *int64 {
	if n == nil {
		return nil
	}
	v := *n
	return &v
}

func copyProcessing(p *model.ProcessingInfo) *model.ProcessingInfo {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyApproval(a *model.ApprovalInfo) *model.ApprovalInfo {
	if a == nil {
		return nil
	}
	v := *a
	return &v
}

func copyRecord(r *model.QuarantineRecord) *model.QuarantineRecord {
	c := *r
	c.Errors = append([]string(nil), r.Errors...)
	c.Warnings = append([]string(nil), r.Warnings...)
	c.Processing = copyProcessing(r.Processing)
	c.Approval = copyApproval(r.Approval)
	c.RelatedRecordID = copyStr(r.RelatedRecordID)
	c.RelatedRecordType = copyStr(r.RelatedRecordType)
	return &c
}

func copyPayment(p *model.Payment) *model.Payment {
	c := *p
	c.ReceiptPath = copyStr(p.ReceiptPath)
	c.ReceiptHash = copyStr(p.ReceiptHash)
	c.ReceiptFilename = copyStr(p.ReceiptFilename)
	c.ReceiptMimeType = copyStr(p.ReceiptMimeType)
	c.ReceiptSize = copyInt64(p.ReceiptSize)
	c.QuarantineID = copyStr(p.QuarantineID)
	return &c
}

func cloneRecords(m map[string]*model.QuarantineRecord) map[string]*model.QuarantineRecord {
	out := make(map[string]*model.QuarantineRecord, len(m))
	for k, v := range m {
		out[k] = copyRecord(v)
	}
	return out
}

func clonePayments(m map[string]*model.Payment) map[string]*model.Payment {
	out := make(map[string]*model.Payment, len(m))
	for k, v := range m {
		out[k] = copyPayment(v)
	}
	return out
}
