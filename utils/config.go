package utils

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds every recognized environment option. Load once in main.
type Config struct {
	DatabaseURL     string
	ChainRPCURL     string
	ChainID         string
	ContractAddress string

	CacheTTL          time.Duration
	VRFWaitTimeout    time.Duration
	ConfirmationDepth uint64

	AllowedOrigins string
	ListenAddr     string
	AuthSecret     string
}

// LoadConfig reads the environment, applying documented defaults. Required
// options without a value are fatal; the engine cannot run half-configured.
func LoadConfig() Config {
	cfg := Config{
		DatabaseURL:       requireEnv("DATABASE_URL"),
		ChainRPCURL:       requireEnv("CHAIN_RPC_URL"),
		ChainID:           envOr("CHAIN_ID", "1"),
		ContractAddress:   requireEnv("PACKET_CONTRACT_ADDRESS"),
		CacheTTL:          time.Duration(envInt("CACHE_TTL_SECONDS", 300)) * time.Second,
		VRFWaitTimeout:    time.Duration(envInt("VRF_WAIT_TIMEOUT_SECONDS", 30)) * time.Second,
		ConfirmationDepth: uint64(envInt("REORG_CONFIRMATION_DEPTH", 12)),
		AllowedOrigins:    envOr("ALLOWED_ORIGINS", "http://localhost:3000"),
		ListenAddr:        envOr("LISTEN_ADDR", ":5300"),
		AuthSecret:        requireEnv("AUTH_SECRET"),
	}
	return cfg
}

func requireEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("%s environment variable not set", key)
	}
	return v
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("⚠️  invalid %s=%q, using default %d", key, v, fallback)
		return fallback
	}
	return n
}
