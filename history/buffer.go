// Package history хранит ограниченную историю срезов метрик для анализа трендов
package history

import (
	"sync"

	"go.uber.org/zap"

	"elm327-diag/common"
)

// DefaultCapacity - емкость кольцевого буфера по умолчанию
const DefaultCapacity = 500

// Config представляет конфигурацию истории
type Config struct {
	Path     string `mapstructure:"path" yaml:"path"`         // Файл bbolt; пусто - только память
	Capacity int    `mapstructure:"capacity" yaml:"capacity"` // Максимум срезов
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Path:     "history.db",
		Capacity: DefaultCapacity,
	}
}

// Persister - внешнее хранилище срезов
type Persister interface {
	Append(s common.Snapshot, capacity int) error
	Load(limit int) ([]common.Snapshot, error)
}

// Buffer - кольцевой буфер срезов: при переполнении первыми удаляются самые старые
type Buffer struct {
	mu        sync.RWMutex
	capacity  int
	items     []common.Snapshot
	persister Persister
	logger    *zap.Logger
}

// NewBuffer создает буфер. persister может быть nil.
func NewBuffer(capacity int, persister Persister, logger *zap.Logger) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Buffer{
		capacity:  capacity,
		items:     make([]common.Snapshot, 0, capacity),
		persister: persister,
		logger:    logger.Named("history"),
	}
}

// Append добавляет срез. Пустые срезы игнорируются.
func (b *Buffer) Append(s common.Snapshot) {
	if len(s.Values) == 0 {
		return
	}
	values := make(map[string]float64, len(s.Values))
	for k, v := range s.Values {
		values[k] = v
	}
	s.Values = values

	b.mu.Lock()
	b.appendLocked(s)
	b.mu.Unlock()

	if b.persister != nil {
		// Ошибка хранилища не влияет на анализ в памяти
		if err := b.persister.Append(s, b.capacity); err != nil {
			b.logger.Warn("Failed to persist snapshot", zap.Error(err))
		}
	}
}

func (b *Buffer) appendLocked(s common.Snapshot) {
	if len(b.items) >= b.capacity {
		n := copy(b.items, b.items[len(b.items)-b.capacity+1:])
		b.items = b.items[:n]
	}
	b.items = append(b.items, s)
}

// Load заполняет буфер из хранилища (последние capacity срезов)
func (b *Buffer) Load() error {
	if b.persister == nil {
		return nil
	}
	snapshots, err := b.persister.Load(b.capacity)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = b.items[:0]
	for _, s := range snapshots {
		b.appendLocked(s)
	}
	b.logger.Info("History loaded", zap.Int("snapshots", len(b.items)))
	return nil
}

// Snapshots возвращает копию истории от старых к новым
func (b *Buffer) Snapshots() []common.Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]common.Snapshot(nil), b.items...)
}

// Series возвращает значения метрики в порядке поступления
func (b *Buffer) Series(metric string) []float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Series(b.items, metric)
}

// Latest возвращает последнее значение метрики
func (b *Buffer) Latest(metric string) (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for i := len(b.items) - 1; i >= 0; i-- {
		if v, ok := b.items[i].Values[metric]; ok {
			return v, true
		}
	}
	return 0, false
}

// Len возвращает количество срезов
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.items)
}

// Capacity возвращает емкость буфера
func (b *Buffer) Capacity() int {
	return b.capacity
}

// Series отбирает значения метрики из срезов, в которых она присутствует
func Series(snapshots []common.Snapshot, metric string) []float64 {
	var series []float64
	for _, s := range snapshots {
		if v, ok := s.Values[metric]; ok {
			series = append(series, v)
		}
	}
	return series
}
