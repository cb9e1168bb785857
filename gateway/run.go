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
	"database/sql"
	"fmt"
	"net/http"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"aegisgate/platform/shared/logger"
)

// Run starts the gateway. Configuration comes from the environment:
//   - PORT: listen port (default 8082)
//   - CONFIG_DIR: permission documents directory (default ./config)
//   - DATABASE_URL: Postgres DSN; empty runs with in-memory stores
//   - REDIS_URL: Redis URL for the token cache; empty disables it
//   - API_KEY, JWT_SECRET: request credentials; both empty disables auth
//   - APPROVAL_TIMEOUT: operator decision timeout (default 30s)
func Run() {
	log := logger.New("gateway")

	cfg, err := LoadConfig()
	if err != nil {
		log.ErrorWithErr("", "", "Configuration error", err, nil)
		os.Exit(1)
	}

	engine, err := NewPermissionsEngine(cfg.ConfigDir)
	if err != nil {
		log.ErrorWithErr("", "", "Loading permission configuration failed", err, nil)
		os.Exit(1)
	}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.ErrorWithErr("", "", "Opening database failed", err, nil)
			os.Exit(1)
		}
		if err := db.Ping(); err != nil {
			log.ErrorWithErr("", "", "Database unreachable", err, nil)
			os.Exit(1)
		}
		defer db.Close()
	}

	var sessionStore SessionStore
	var tokenStore TokenStore
	if db != nil {
		sessionStore, err = NewPostgresSessionStore(db, log)
		if err != nil {
			log.ErrorWithErr("", "", "Session store init failed", err, nil)
			os.Exit(1)
		}
		tokenStore, err = NewPostgresTokenStore(db, log)
		if err != nil {
			log.ErrorWithErr("", "", "Token store init failed", err, nil)
			os.Exit(1)
		}
	} else {
		log.Warn("", "", "No DATABASE_URL configured, sessions and tokens will not survive restarts", nil)
		sessionStore = NewMemorySessionStore()
		tokenStore = NewMemoryTokenStore()
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.ErrorWithErr("", "", "Invalid REDIS_URL", err, nil)
			os.Exit(1)
		}
		tokenStore = NewCachedTokenStore(tokenStore, redis.NewClient(opts), cfg.TokenCacheTTL, log)
	}

	var detector *SecretDetector
	if cfg.SecretPatternsFile != "" {
		detector, err = NewSecretDetectorFromFile(cfg.SecretPatternsFile)
	} else {
		detector, err = NewSecretDetector(DefaultSecretPatterns())
	}
	if err != nil {
		log.ErrorWithErr("", "", "Secret pattern configuration invalid", err, nil)
		os.Exit(1)
	}
	recognizer := NewEntityRecognizer(DefaultRecognizerConfig())
	obfuscator := NewObfuscator(detector, recognizer, tokenStore, cfg.TokenHexBytes, log)

	events := NewBroadcaster()
	registry := NewSessionRegistry(sessionStore, events.FireAndForget, log)
	broker := NewApprovalBroker()

	telemetry, err := NewTelemetryRecorder(db)
	if err != nil {
		log.ErrorWithErr("", "", "Telemetry init failed", err, nil)
		os.Exit(1)
	}
	defer telemetry.Stop()

	gw := NewGateway(cfg, engine, registry, broker, events, obfuscator, telemetry)

	r := mux.NewRouter()
	NewAPIHandler(gw, events).RegisterRoutes(r)
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	auth := NewAuthenticator(cfg.APIKey, cfg.JWTSecret)
	if !auth.Enabled() {
		log.Warn("", "", "No API_KEY or JWT_SECRET configured, authentication disabled", nil)
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	handler := c.Handler(auth.Middleware(r))

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Info("", "", "Gateway listening", map[string]interface{}{"addr": addr, "config_dir": cfg.ConfigDir})
	if err := http.ListenAndServe(addr, handler); err != nil {
		log.ErrorWithErr("", "", "Server exited", err, nil)
		os.Exit(1)
	}
}
