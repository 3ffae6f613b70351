// Package auth verifies operator tokens presented on the channel handshake and
// on HTTP ingest.
package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken wraps every verification failure.
var ErrInvalidToken = errors.New("invalid token")

type Config struct {
	// Mode is dev (no verify), hmac (HS256) or jwks (RS256 from JWKS URL).
	Mode         string        `koanf:"mode"`
	HMACSecret   string        `koanf:"hmac_secret"`
	JWKSURL      string        `koanf:"jwks_url"`
	VehicleClaim string        `koanf:"vehicle_claim"`
	RoleClaim    string        `koanf:"role_claim"`
	JWKSCacheTTL time.Duration `koanf:"jwks_cache_ttl"`
}

// Verifier validates operator tokens and extracts the principal.
type Verifier struct {
	cfg  Config
	http *http.Client

	mu        sync.RWMutex
	jwks      jwks
	lastFetch time.Time
}

type jwks struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// Principal is the authenticated operator. VehicleID may be empty when the
// token does not pin a vehicle.
type Principal struct {
	OperatorID string
	VehicleID  string
	Role       string
}

// Claims is the HS256 token body issued by Issue.
type Claims struct {
	VehicleID string `json:"vehicle,omitempty"`
	Role      string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

func New(cfg Config) *Verifier {
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	if cfg.Mode == "" {
		cfg.Mode = "dev"
	}
	if cfg.VehicleClaim == "" {
		cfg.VehicleClaim = "vehicle"
	}
	if cfg.RoleClaim == "" {
		cfg.RoleClaim = "role"
	}
	if cfg.JWKSCacheTTL <= 0 {
		cfg.JWKSCacheTTL = 10 * time.Minute
	}
	return &Verifier{cfg: cfg, http: &http.Client{Timeout: 5 * time.Second}}
}

func (v *Verifier) Mode() string { return v.cfg.Mode }

func (v *Verifier) Verify(token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	if v.cfg.Mode == "dev" {
		// token format: operatorId[:vehicleId]
		op, veh, _ := strings.Cut(token, ":")
		if op == "" {
			return Principal{}, fmt.Errorf("%w: expected operatorId[:vehicleId]", ErrInvalidToken)
		}
		return Principal{OperatorID: op, VehicleID: veh, Role: "operator"}, nil
	}

	var keyFunc jwt.Keyfunc
	var methods []string
	switch v.cfg.Mode {
	case "hmac":
		methods = []string{jwt.SigningMethodHS256.Alg()}
		keyFunc = func(*jwt.Token) (any, error) { return []byte(v.cfg.HMACSecret), nil }
	case "jwks":
		methods = []string{jwt.SigningMethodRS256.Alg()}
		keyFunc = func(t *jwt.Token) (any, error) {
			kid, _ := t.Header["kid"].(string)
			return v.rsaPublicKey(kid)
		}
	default:
		return Principal{}, fmt.Errorf("%w: unsupported auth mode %q", ErrInvalidToken, v.cfg.Mode)
	}

	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(token, claims, keyFunc, jwt.WithValidMethods(methods), jwt.WithLeeway(30*time.Second)); err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	sub, _ := claims.GetSubject()
	if sub == "" {
		return Principal{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	veh, _ := claims[v.cfg.VehicleClaim].(string)
	role, _ := claims[v.cfg.RoleClaim].(string)
	if role == "" {
		role = "operator"
	}
	return Principal{OperatorID: sub, VehicleID: veh, Role: strings.ToLower(role)}, nil
}

// Issue signs an HS256 operator token. Only meaningful in hmac mode; used by
// the demo client and tests.
func (v *Verifier) Issue(operatorID, vehicleID string, ttl time.Duration) (string, error) {
	if v.cfg.Mode == "dev" {
		return operatorID + ":" + vehicleID, nil
	}
	now := time.Now()
	claims := Claims{
		VehicleID: vehicleID,
		Role:      "operator",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operatorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(v.cfg.HMACSecret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return s, nil
}

// rsaPublicKey looks kid up in the cached JWKS, refetching when stale.
func (v *Verifier) rsaPublicKey(kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	cached := v.jwks
	stale := time.Since(v.lastFetch) > v.cfg.JWKSCacheTTL
	v.mu.RUnlock()
	if len(cached.Keys) == 0 || stale {
		if err := v.fetchJWKS(); err != nil {
			return nil, err
		}
		v.mu.RLock()
		cached = v.jwks
		v.mu.RUnlock()
	}
	for _, k := range cached.Keys {
		if k.Kid != kid || !strings.EqualFold(k.Kty, "RSA") {
			continue
		}
		nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			return nil, err
		}
		eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			return nil, err
		}
		e := 0
		for _, b := range eBytes {
			e = e<<8 | int(b)
		}
		return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
	}
	return nil, errors.New("kid not found in JWKS")
}

func (v *Verifier) fetchJWKS() error {
	if v.cfg.JWKSURL == "" {
		return errors.New("jwks url not set")
	}
	resp, err := v.http.Get(v.cfg.JWKSURL)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	var j jwks
	if err := json.NewDecoder(resp.Body).Decode(&j); err != nil {
		return err
	}
	v.mu.Lock()
	v.jwks = j
	v.lastFetch = time.Now()
	v.mu.Unlock()
	return nil
}
