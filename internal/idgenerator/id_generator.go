// Package idgenerator 生成下单用的 client order id。
// id 形如 gb<botID>-<base62 snowflake>，前缀标识订单属于哪个 bot，重启后据此认领交易所上的挂单。
package idgenerator

import (
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jxskiss/base62"
)

const (
	instanceIDBits  uint64 = 10
	sequenceBits    uint64 = 12
	maxInstanceID   int64  = -1 ^ (-1 << instanceIDBits)
	maxSequence     int64  = -1 ^ (-1 << sequenceBits)
	timestampShift         = instanceIDBits + sequenceBits
	instanceIDShift        = sequenceBits

	// Prefix 是本引擎下单的 client order id 前缀
	Prefix = "gb"
	// MaxClientOrderIDLen 是币安 newClientOrderId 的长度上限
	MaxClientOrderIDLen = 36
)

// customEpoch (2024-01-01 00:00:00 UTC，毫秒)
var customEpoch int64 = 1704067200000

// ErrClockBackwards 时钟回拨时拒绝生成 id
var ErrClockBackwards = errors.New("clock moved backwards, refusing to generate ID")

// IDGenerator 是 Snowflake 风格的 id 生成器，并发安全
type IDGenerator struct {
	mu            sync.Mutex
	lastTimestamp int64
	instanceID    int64
	sequence      int64
	now           func() time.Time
}

// NewIDGenerator 创建生成器，instanceID 在同一账户的所有进程间必须唯一
func NewIDGenerator(instanceID int64) (*IDGenerator, error) {
	if instanceID < 0 || instanceID > maxInstanceID {
		return nil, errors.New("instance ID out of range")
	}
	return &IDGenerator{instanceID: instanceID, now: time.Now}, nil
}

// Next 返回下一个 64 位 id
func (g *IDGenerator) Next() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.now().UnixMilli() - customEpoch
	if ts < g.lastTimestamp {
		return 0, ErrClockBackwards
	}

	if ts == g.lastTimestamp {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			// 同一毫秒内序列号用尽，等待下一毫秒
			for ts <= g.lastTimestamp {
				ts = g.now().UnixMilli() - customEpoch
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastTimestamp = ts

	return (ts << timestampShift) | (g.instanceID << instanceIDShift) | g.sequence, nil
}

// Generate 返回 base62 编码的 id
func (g *IDGenerator) Generate() (string, error) {
	id, err := g.Next()
	if err != nil {
		return "", err
	}
	return string(base62.FormatInt(id)), nil
}

// ClientOrderID 为 bot 生成一个新的 client order id
func (g *IDGenerator) ClientOrderID(botID int64) (string, error) {
	id, err := g.Generate()
	if err != nil {
		return "", err
	}
	return BotPrefix(botID) + id, nil
}

// BotPrefix 返回 bot 的 client order id 前缀
func BotPrefix(botID int64) string {
	return Prefix + strconv.FormatInt(botID, 10) + "-"
}

// OwnerOf 解析 client order id 所属的 bot。不是本引擎生成的 id 返回 false。
func OwnerOf(clientOrderID string) (int64, bool) {
	if !strings.HasPrefix(clientOrderID, Prefix) {
		return 0, false
	}
	rest := clientOrderID[len(Prefix):]
	dash := strings.IndexByte(rest, '-')
	if dash <= 0 || dash == len(rest)-1 {
		return 0, false
	}
	botID, err := strconv.ParseInt(rest[:dash], 10, 64)
	if err != nil || botID < 0 {
		return 0, false
	}
	return botID, true
}
