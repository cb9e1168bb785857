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
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"aegisgate/platform/shared/logger"
)

// Authenticator validates requests with either a static API key or an
// HS256-signed JWT in the Authorization header. With neither secret
// configured, authentication is disabled; the gateway is then expected to
// be bound to localhost only.
type Authenticator struct {
	apiKey    string
	jwtSecret []byte
	log       *logger.Logger
}

func NewAuthenticator(apiKey, jwtSecret string) *Authenticator {
	return &Authenticator{
		apiKey:    apiKey,
		jwtSecret: []byte(jwtSecret),
		log:       logger.New("auth"),
	}
}

// Enabled reports whether any credential is configured.
func (a *Authenticator) Enabled() bool {
	return a.apiKey != "" || len(a.jwtSecret) > 0
}

// Middleware enforces authentication on every request except health and
// metrics probes.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() || r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" {
			a.log.Warn("", "", "Request missing credentials", map[string]interface{}{"path": r.URL.Path})
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		if a.apiKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.apiKey)) == 1 {
			next.ServeHTTP(w, r)
			return
		}

		if len(a.jwtSecret) > 0 {
			if err := a.validateJWT(token); err == nil {
				next.ServeHTTP(w, r)
				return
			} else {
				a.log.Warn("", "", "JWT validation failed", map[string]interface{}{
					"path": r.URL.Path, "error": err.Error(),
				})
			}
		}

		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
}

func (a *Authenticator) validateJWT(raw string) error {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return err
	}
	if !token.Valid {
		return fmt.Errorf("invalid token")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
