// Tom is a network automation broker.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// Principal is the authenticated caller attached to the request
// context.
type Principal struct {
	User   string
	Method string // "api_key" | "jwt" | "anonymous"
}

type ctxKey int

const principalKey ctxKey = 0

// PrincipalFrom extracts the caller, if any.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// authMiddleware returns the middleware for the configured auth mode.
// hybrid tries the api key header first and falls back to a bearer
// token. After authentication the allowlist policy is applied; an
// empty allowlist admits every authenticated principal.
func (s *Server) authMiddleware() func(http.Handler) http.Handler {
	allow := newAllowlist(s.cfg.AllowedUsers, s.cfg.AllowedDomains, s.cfg.AllowedPatterns)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var p Principal
			var err error
			switch s.cfg.AuthMode {
			case "none":
				p = Principal{User: "anonymous", Method: "anonymous"}
			case "api_key":
				p, err = s.authAPIKey(r)
			case "jwt":
				p, err = s.authJWT(r)
			case "hybrid":
				if r.Header.Get(s.cfg.APIKeyHeader) != "" {
					p, err = s.authAPIKey(r)
				} else {
					p, err = s.authJWT(r)
				}
			}
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
				return
			}
			if p.Method != "anonymous" && !allow.permits(p.User) {
				writeError(w, http.StatusUnauthorized, "unauthorized",
					fmt.Sprintf("user %s is not permitted", p.User))
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, p)))
		})
	}
}

func (s *Server) authAPIKey(r *http.Request) (Principal, error) {
	key := r.Header.Get(s.cfg.APIKeyHeader)
	if key == "" {
		return Principal{}, fmt.Errorf("missing %s header", s.cfg.APIKeyHeader)
	}
	for configured, user := range s.cfg.APIKeys {
		if subtle.ConstantTimeCompare([]byte(configured), []byte(key)) == 1 {
			return Principal{User: user, Method: "api_key"}, nil
		}
	}
	return Principal{}, fmt.Errorf("invalid api key")
}

// jwtClaims is the subset of registered claims the broker checks.
type jwtClaims struct {
	Subject   string `json:"sub"`
	Email     string `json:"email"`
	Issuer    string `json:"iss"`
	Audience  string `json:"aud"`
	Expires   int64  `json:"exp"`
	NotBefore int64  `json:"nbf"`
}

// authJWT verifies an HS256 bearer token in-process.
func (s *Server) authJWT(r *http.Request) (Principal, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return Principal{}, fmt.Errorf("missing bearer token")
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Principal{}, fmt.Errorf("malformed token")
	}
	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Principal{}, fmt.Errorf("malformed token header")
	}
	var hdr struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerJSON, &hdr); err != nil || hdr.Alg != "HS256" {
		return Principal{}, fmt.Errorf("unsupported token algorithm")
	}
	mac := hmac.New(sha256.New, []byte(s.cfg.JWTSecret))
	mac.Write([]byte(parts[0] + "." + parts[1]))
	want := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if subtle.ConstantTimeCompare([]byte(want), []byte(parts[2])) != 1 {
		return Principal{}, fmt.Errorf("invalid token signature")
	}
	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Principal{}, fmt.Errorf("malformed token claims")
	}
	var claims jwtClaims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return Principal{}, fmt.Errorf("malformed token claims")
	}
	now := time.Now().Unix()
	if claims.Expires != 0 && now >= claims.Expires {
		return Principal{}, fmt.Errorf("token expired")
	}
	if claims.NotBefore != 0 && now < claims.NotBefore {
		return Principal{}, fmt.Errorf("token not yet valid")
	}
	if s.cfg.JWTIssuer != "" && claims.Issuer != s.cfg.JWTIssuer {
		return Principal{}, fmt.Errorf("wrong token issuer")
	}
	if s.cfg.JWTAudience != "" && claims.Audience != s.cfg.JWTAudience {
		return Principal{}, fmt.Errorf("wrong token audience")
	}
	user := claims.Email
	if user == "" {
		user = claims.Subject
	}
	if user == "" {
		return Principal{}, fmt.Errorf("token has no subject")
	}
	return Principal{User: user, Method: "jwt"}, nil
}

// allowlist is the post-authentication policy: exact users, email
// domains, and regex patterns, OR'd together.
type allowlist struct {
	users    map[string]bool
	domains  []string
	patterns []*regexp.Regexp
}

func newAllowlist(users, domains, patterns []string) *allowlist {
	al := &allowlist{users: map[string]bool{}}
	for _, u := range users {
		al.users[u] = true
	}
	al.domains = domains
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			al.patterns = append(al.patterns, re)
		}
	}
	return al
}

func (al *allowlist) empty() bool {
	return len(al.users) == 0 && len(al.domains) == 0 && len(al.patterns) == 0
}

func (al *allowlist) permits(user string) bool {
	if al.empty() {
		return true
	}
	if al.users[user] {
		return true
	}
	if _, domain, ok := strings.Cut(user, "@"); ok {
		for _, d := range al.domains {
			if strings.EqualFold(domain, d) {
				return true
			}
		}
	}
	for _, re := range al.patterns {
		if re.MatchString(user) {
			return true
		}
	}
	return false
}
