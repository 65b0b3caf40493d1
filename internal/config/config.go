package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	BaseCurrency          string
	StockCacheTTLSeconds  int
	DeductTimeoutMS       int
	AuthSecret            string
	AccessTokenTTLMinutes int
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	cacheTTL, err := strconv.Atoi(getEnv("STOCK_CACHE_TTL_SECONDS", "5"))
	if err != nil || cacheTTL < 1 {
		cacheTTL = 5
	}
	deductTimeout, err := strconv.Atoi(getEnv("DEDUCT_TIMEOUT_MS", "3000"))
	if err != nil || deductTimeout < 100 {
		deductTimeout = 3000
	}
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		BaseCurrency:          strings.ToUpper(getEnv("BASE_CURRENCY", "IDR")),
		StockCacheTTLSeconds:  cacheTTL,
		DeductTimeoutMS:       deductTimeout,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
