// Package persistence 是订单账本：每个 bot 的运行时状态和只追加的成交历史。
package persistence

import "grid-engine/internal/models"

// Ledger 定义了账本的持久化接口。
// 同一 bot 的写入由调用方串行化 (每个 bot 一个 worker)，不同 bot 之间互不阻塞。
type Ledger interface {
	// Commit 在一个事务内保存 bot 状态并追加成交记录。
	// 调用方只有在 Commit 成功后才把新状态视为权威。
	Commit(state *models.BotRuntimeState, fills ...models.Fill) error

	// LoadState 读取 bot 状态，不存在时返回 (nil, nil)
	LoadState(botID int64) (*models.BotRuntimeState, error)

	// LoadAll 按 bot id 升序返回所有未归档的状态
	LoadAll() ([]*models.BotRuntimeState, error)

	// Fills 按序号升序返回 bot 的成交历史
	Fills(botID int64) ([]models.Fill, error)

	// Archive 归档 bot 的最终状态并删除活动状态，成交历史保留
	Archive(state *models.BotRuntimeState) error

	// LoadArchived 返回 bot 最近一次归档的状态，不存在时返回 (nil, nil)
	LoadArchived(botID int64) (*models.BotRuntimeState, error)

	// Close 关闭底层存储
	Close() error
}
