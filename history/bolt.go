package history

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"elm327-diag/common"
)

const snapshotsBucket = "snapshots"

// BoltPersister хранит срезы в bbolt под последовательными ключами
type BoltPersister struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// OpenBolt открывает или создает файл истории
func OpenBolt(path string, logger *zap.Logger) (*BoltPersister, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(snapshotsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	logger.Debug("Bolt history opened", zap.String("db_path", path))
	return &BoltPersister{db: db, logger: logger}, nil
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// Append сохраняет срез и удаляет самые старые записи сверх capacity
func (p *BoltPersister) Append(s common.Snapshot, capacity int) error {
	encoded, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	return p.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(snapshotsBucket))
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		if err := b.Put(sequenceKey(seq), encoded); err != nil {
			return err
		}

		if capacity <= 0 {
			return nil
		}
		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		// Удаление после обхода: Delete под курсором сдвигает позицию
		for i := 0; i < len(keys)-capacity; i++ {
			if err := b.Delete(keys[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load возвращает последние limit срезов от старых к новым
func (p *BoltPersister) Load(limit int) ([]common.Snapshot, error) {
	var snapshots []common.Snapshot

	err := p.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(snapshotsBucket)).Cursor()
		for k, v := c.Last(); k != nil && (limit <= 0 || len(snapshots) < limit); k, v = c.Prev() {
			var s common.Snapshot
			if err := json.Unmarshal(v, &s); err != nil {
				p.logger.Warn("Skipping corrupted snapshot", zap.Binary("key", k), zap.Error(err))
				continue
			}
			snapshots = append(snapshots, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(snapshots)-1; i < j; i, j = i+1, j-1 {
		snapshots[i], snapshots[j] = snapshots[j], snapshots[i]
	}
	return snapshots, nil
}

// Close закрывает базу
func (p *BoltPersister) Close() error {
	return p.db.Close()
}
