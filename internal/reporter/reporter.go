// Package reporter 渲染 bot 状态表 (gridengine -status)
package reporter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"grid-engine/internal/models"
	"grid-engine/internal/storage"
	"grid-engine/internal/supervisor"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/shopspring/decimal"
)

// Fetch 从运行中引擎的控制接口读取 bot 状态
func Fetch(ctx context.Context, client *http.Client, baseURL, token string) ([]supervisor.BotStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/bots", nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("GET /bots: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var out []supervisor.BotStatus
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode /bots: %w", err)
	}
	return out, nil
}

// FromRecords 在引擎未运行时用 grid_bots 中的统计生成状态
func FromRecords(records []*storage.BotRecord, now time.Time) []supervisor.BotStatus {
	out := make([]supervisor.BotStatus, 0, len(records))
	for _, rec := range records {
		cfg := rec.Config
		st := supervisor.BotStatus{
			BotID:           cfg.ID,
			Name:            cfg.Name,
			Symbol:          cfg.Symbol,
			GridType:        cfg.Params.Type(),
			Lifecycle:       models.Lifecycle(cfg.Status),
			TotalProfit:     rec.TotalProfit,
			CompletedCycles: rec.CompletedCycles,
			BuyFills:        rec.TotalBuyOrders,
			SellFills:       rec.TotalSellOrders,
		}
		if rec.StartedAt.Valid {
			st.StartedAt = rec.StartedAt.Time
			end := now
			if rec.StoppedAt.Valid {
				end = rec.StoppedAt.Time
			}
			st.ProfitPerDay = supervisor.ProfitPerDay(rec.TotalProfit, st.StartedAt, end)
		}
		if rec.LastActivityAt.Valid {
			st.LastActivityAt = rec.LastActivityAt.Time
		}
		out = append(out, st)
	}
	return out
}

// Render 把状态写成表格，末行为合计
func Render(w io.Writer, title string, bots []supervisor.BotStatus, now time.Time) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(title)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "Name", "Symbol", "Grid", "State", "Open", "Pending", "Flagged", "Fills (B/S)", "Cycles", "Profit", "Profit/Day", "Runtime", "Last Error"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 11, Align: text.AlignRight},
		{Number: 12, Align: text.AlignRight},
		{Number: 14, WidthMax: 40},
	})

	total := decimal.Zero
	cycles, open := 0, 0
	for _, b := range bots {
		total = total.Add(b.TotalProfit)
		cycles += b.CompletedCycles
		open += b.OpenOrders
		t.AppendRow(table.Row{
			b.BotID, b.Name, b.Symbol, b.GridType, b.Lifecycle,
			b.OpenOrders, b.PendingLevels, b.FlaggedOrders,
			fmt.Sprintf("%d/%d", b.BuyFills, b.SellFills),
			b.CompletedCycles,
			b.TotalProfit.StringFixed(4),
			b.ProfitPerDay.StringFixed(4),
			runtime(b.StartedAt, now),
			b.LastError,
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", fmt.Sprintf("%d bots", len(bots)), open, "", "", "", cycles, total.StringFixed(4), "", "", ""})
	t.Render()
}

func runtime(started, now time.Time) string {
	if started.IsZero() || now.Before(started) {
		return "-"
	}
	d := now.Sub(started).Truncate(time.Minute)
	days := int(d.Hours()) / 24
	if days > 0 {
		return fmt.Sprintf("%dd%s", days, (d - time.Duration(days)*24*time.Hour).String())
	}
	return d.String()
}
