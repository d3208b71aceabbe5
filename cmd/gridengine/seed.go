package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"grid-engine/internal/models"
)

// BotCreator 是 storage.Store 的写入部分
type BotCreator interface {
	CreateBot(ctx context.Context, cfg *models.GridBotConfig) (int64, error)
}

// loadSeed 读取 bot 定义数组，格式与 GridBotConfig 的 JSON 相同
func loadSeed(path string) ([]*models.GridBotConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var bots []*models.GridBotConfig
	if err := json.Unmarshal(data, &bots); err != nil {
		return nil, fmt.Errorf("解析 %s 失败: %w", path, err)
	}
	return bots, nil
}

// seedBots 逐个写入，遇到无效配置立即停止
func seedBots(ctx context.Context, store BotCreator, path string) ([]int64, error) {
	bots, err := loadSeed(path)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(bots))
	for i, b := range bots {
		id, err := store.CreateBot(ctx, b)
		if err != nil {
			return ids, fmt.Errorf("bot #%d (%s): %w", i, b.Name, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
