package exchange

import (
	"fmt"
	"os"
	"strconv"
)

// Credentials 是一组交易所 API 密钥
type Credentials struct {
	APIKey    string
	SecretKey string
}

// CredentialProvider 按 bot 返回解密后的 API 密钥 (只读)
type CredentialProvider interface {
	Credentials(botID int64) (Credentials, error)
}

// EnvCredentials 从环境变量读取密钥。
// BINANCE_API_KEY_<botID> / BINANCE_SECRET_KEY_<botID> 优先，其次是全局的 BINANCE_API_KEY / BINANCE_SECRET_KEY。
type EnvCredentials struct {
	lookup func(string) (string, bool)
}

// NewEnvCredentials 创建基于进程环境变量的密钥来源
func NewEnvCredentials() *EnvCredentials {
	return &EnvCredentials{lookup: os.LookupEnv}
}

func (e *EnvCredentials) Credentials(botID int64) (Credentials, error) {
	suffix := "_" + strconv.FormatInt(botID, 10)
	key, okKey := e.lookup("BINANCE_API_KEY" + suffix)
	secret, okSecret := e.lookup("BINANCE_SECRET_KEY" + suffix)
	if okKey && okSecret && key != "" && secret != "" {
		return Credentials{APIKey: key, SecretKey: secret}, nil
	}

	key, _ = e.lookup("BINANCE_API_KEY")
	secret, _ = e.lookup("BINANCE_SECRET_KEY")
	if key == "" || secret == "" {
		return Credentials{}, fmt.Errorf("bot %d: 未配置 BINANCE_API_KEY 和 BINANCE_SECRET_KEY", botID)
	}
	return Credentials{APIKey: key, SecretKey: secret}, nil
}
