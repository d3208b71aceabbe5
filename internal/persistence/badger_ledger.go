package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"grid-engine/internal/models"

	"github.com/dgraph-io/badger/v3"
)

// 键布局 (数字左补零，保证字典序与数值序一致):
//
//	state/<botID>               当前运行时状态
//	fills/<botID>/<seq>         成交历史
//	archive/<botID>/<unixnano>  归档状态
const (
	statePrefix   = "state/"
	fillsPrefix   = "fills/"
	archivePrefix = "archive/"
)

func stateKey(botID int64) []byte { return []byte(fmt.Sprintf("%s%020d", statePrefix, botID)) }

func fillsKeyPrefix(botID int64) []byte { return []byte(fmt.Sprintf("%s%020d/", fillsPrefix, botID)) }

func fillKey(botID int64, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d/%020d", fillsPrefix, botID, seq))
}

func archiveKeyPrefix(botID int64) []byte {
	return []byte(fmt.Sprintf("%s%020d/", archivePrefix, botID))
}

// badgerLedger 是 Ledger 的 BadgerDB 实现
type badgerLedger struct {
	db    *badger.DB
	locks sync.Map // botID -> *sync.Mutex，按 bot 加锁而不是全局锁
	now   func() time.Time
}

// NewBadgerLedger 打开 (或创建) dbPath 处的账本
func NewBadgerLedger(dbPath string) (Ledger, error) {
	opts := badger.DefaultOptions(dbPath)
	// 关闭 Badger 自身的日志，错误仍然通过返回值传递
	opts.Logger = nil
	return openBadger(opts)
}

// NewInMemoryLedger 创建纯内存账本 (测试与一次性模拟盘)
func NewInMemoryLedger() (Ledger, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return openBadger(opts)
}

func openBadger(opts badger.Options) (*badgerLedger, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerLedger{db: db, now: time.Now}, nil
}

func (r *badgerLedger) lock(botID int64) func() {
	v, _ := r.locks.LoadOrStore(botID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Commit 在一个事务中写入状态和成交
func (r *badgerLedger) Commit(state *models.BotRuntimeState, fills ...models.Fill) error {
	if state == nil {
		return errors.New("nil state")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	encoded := make([][]byte, len(fills))
	for i := range fills {
		if fills[i].BotID != state.BotID {
			return fmt.Errorf("fill for bot %d committed with state of bot %d", fills[i].BotID, state.BotID)
		}
		if encoded[i], err = json.Marshal(fills[i]); err != nil {
			return err
		}
	}

	defer r.lock(state.BotID)()
	return r.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(stateKey(state.BotID), data); err != nil {
			return err
		}
		for i, f := range fills {
			if err := txn.Set(fillKey(f.BotID, f.Seq), encoded[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadState 读取状态。键不存在时返回 (nil, nil)。
func (r *badgerLedger) LoadState(botID int64) (*models.BotRuntimeState, error) {
	var state *models.BotRuntimeState
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey(botID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			state, err = decodeState(val)
			return err
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (r *badgerLedger) LoadAll() ([]*models.BotRuntimeState, error) {
	var out []*models.BotRuntimeState
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, Prefix: []byte(statePrefix)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				s, err := decodeState(val)
				if err != nil {
					return fmt.Errorf("%s: %w", it.Item().Key(), err)
				}
				out = append(out, s)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

func (r *badgerLedger) Fills(botID int64) ([]models.Fill, error) {
	var out []models.Fill
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, Prefix: fillsKeyPrefix(botID)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var f models.Fill
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &f) }); err != nil {
				return err
			}
			out = append(out, f)
		}
		return nil
	})
	return out, err
}

// Archive 把最终状态写到 archive/ 下并删除 state/ 下的活动状态
func (r *badgerLedger) Archive(state *models.BotRuntimeState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	key := append(archiveKeyPrefix(state.BotID), []byte(fmt.Sprintf("%020d", r.now().UnixNano()))...)

	defer r.lock(state.BotID)()
	return r.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Delete(stateKey(state.BotID))
	})
}

func (r *badgerLedger) LoadArchived(botID int64) (*models.BotRuntimeState, error) {
	var state *models.BotRuntimeState
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := archiveKeyPrefix(botID)
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, Prefix: prefix})
		defer it.Close()
		// 最后一个键就是最近一次归档
		for it.Rewind(); it.Valid(); it.Next() {
			if err := it.Item().Value(func(val []byte) error {
				s, err := decodeState(val)
				state = s
				return err
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return state, err
}

// Close 关闭数据库
func (r *badgerLedger) Close() error {
	return r.db.Close()
}

func decodeState(val []byte) (*models.BotRuntimeState, error) {
	if len(val) == 0 {
		return nil, errors.New("state value is empty in database")
	}
	var s models.BotRuntimeState
	if err := json.Unmarshal(val, &s); err != nil {
		return nil, err
	}
	if s.Version > models.StateVersion {
		return nil, fmt.Errorf("bot %d: state version %d is newer than supported %d", s.BotID, s.Version, models.StateVersion)
	}
	if s.Orders == nil {
		s.Orders = make(map[string]*models.LiveOrder)
	}
	if s.Flagged == nil {
		s.Flagged = make(map[int64]models.FlaggedOrder)
	}
	return &s, nil
}
