package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DuplicateIndex — кэш недавно принятых и задержанных хэшей содержимого.
// Промах кэша не означает уникальность: источник истины — база данных.
type DuplicateIndex struct {
	cache *expirable.LRU[string, string]
}

// NewDuplicateIndex создаёт кэш на size хэшей с временем жизни ttl.
func NewDuplicateIndex(size int, ttl time.Duration) *DuplicateIndex {
	if size <= 0 {
		size = 1
	}
	return &DuplicateIndex{cache: expirable.NewLRU[string, string](size, nil, ttl)}
}

// Remember связывает хэш с идентификатором файла (путь или ID записи).
func (d *DuplicateIndex) Remember(hash, ref string) {
	d.cache.Add(hash, ref)
}

// Lookup возвращает идентификатор файла с тем же хэшем.
func (d *DuplicateIndex) Lookup(hash string) (string, bool) {
	return d.cache.Get(hash)
}

// Forget удаляет хэш (файл отклонён или истёк).
func (d *DuplicateIndex) Forget(hash string) {
	d.cache.Remove(hash)
}

// Len — количество хэшей в кэше.
func (d *DuplicateIndex) Len() int {
	return d.cache.Len()
}
