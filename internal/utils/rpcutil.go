package utils

import (
	"math/rand"
	"os"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

var loadEnvOnce sync.Once

func ensureEnvLoaded() {
	loadEnvOnce.Do(func() {
		_ = godotenv.Load() // Ignore error if .env doesn't exist
	})
}

// rpcEnvKeys maps EVM chain ids to the env var holding their RPC URL list
var rpcEnvKeys = map[string]string{
	"1":     "ETH_RPC_URL",
	"8453":  "BASE_RPC_URL",
	"42161": "ARB_RPC_URL",
}

// SplitURLList splits a comma separated URL list, dropping blanks
func SplitURLList(raw string) []string {
	parts := strings.Split(raw, ",")
	urls := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			urls = append(urls, trimmed)
		}
	}
	return urls
}

// GetRandomRPCURL picks one URL from the comma separated list in envKey
func GetRandomRPCURL(envKey string) string {
	ensureEnvLoaded()

	urls := SplitURLList(os.Getenv(envKey))
	switch len(urls) {
	case 0:
		return ""
	case 1:
		return urls[0]
	default:
		return urls[rand.Intn(len(urls))]
	}
}

// GetRPCURLForChain returns an RPC URL for an EVM chain id, or "" when none is configured
func GetRPCURLForChain(chainID string) string {
	key, ok := rpcEnvKeys[chainID]
	if !ok {
		return ""
	}
	return GetRandomRPCURL(key)
}
