// /internal/config/config.go
package config

import (
	"fmt"
	"log"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

func init() {
	err := godotenv.Load()
	if err != nil {
		log.Println("No .env file found, falling back to system environment variables")
	}
}

type Config struct {
	DiscordToken   string        `env:"DISCORD_TOKEN,required"`
	StoragePath    string        `env:"STORAGE_PATH" envDefault:"datastore.json"`
	CollectMaxTime time.Duration `env:"COLLECT_MAX_TIME" envDefault:"10m"`
}

func New() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return &cfg, nil
}
