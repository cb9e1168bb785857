// Copyright 2025 AegisGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all gateway settings, loaded from the environment.
type Config struct {
	Port      int    `envconfig:"PORT" default:"8082"`
	ConfigDir string `envconfig:"CONFIG_DIR" default:"./config"`

	// DatabaseURL empty means in-memory stores; sessions and tokens do
	// not survive a restart.
	DatabaseURL string `envconfig:"DATABASE_URL"`
	// RedisURL empty disables the token cache.
	RedisURL string `envconfig:"REDIS_URL"`

	APIKey    string `envconfig:"API_KEY"`
	JWTSecret string `envconfig:"JWT_SECRET"`

	ApprovalTimeout time.Duration `envconfig:"APPROVAL_TIMEOUT" default:"30s"`
	TokenHexBytes   int           `envconfig:"TOKEN_HEX_BYTES" default:"32"`
	TokenCacheTTL   time.Duration `envconfig:"TOKEN_CACHE_TTL" default:"10m"`

	// SecretPatternsFile optionally extends the built-in secret table.
	SecretPatternsFile string `envconfig:"SECRET_PATTERNS_FILE"`

	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"*"`
}

// LoadConfig reads configuration from the environment and validates it.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid PORT %d", cfg.Port)
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = DefaultApprovalTimeout
	}
	return &cfg, nil
}
