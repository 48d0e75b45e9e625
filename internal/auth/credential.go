package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/crypto/scrypt"
	"golang.org/x/sync/semaphore"
)

// ScryptParams are the cost parameters stored in every credential record.
type ScryptParams struct {
	N int
	R int
	P int
}

// DefaultScryptParams is used for new records.
var DefaultScryptParams = ScryptParams{N: 1 << 14, R: 8, P: 1}

const (
	saltBytes = 32 // 256-bit salt
	keyBytes  = 64

	maxN      = 1 << 20
	maxR      = 32
	maxP      = 16
	maxKeyLen = 1024
)

func (p ScryptParams) String() string {
	return fmt.Sprintf("n=%d,r=%d,p=%d", p.N, p.R, p.P)
}

// CredentialStore hashes and verifies the dashboard password. Records have
// the form "<hex salt>:<hex key>:n=N,r=R,p=P".
type CredentialStore struct {
	params ScryptParams
	sem    *semaphore.Weighted
}

// NewCredentialStore bounds concurrent KDF work to GOMAXPROCS.
func NewCredentialStore() *CredentialStore {
	return NewCredentialStoreWithParams(DefaultScryptParams)
}

// NewCredentialStoreWithParams is used by tests to lower the cost.
func NewCredentialStoreWithParams(p ScryptParams) *CredentialStore {
	return &CredentialStore{
		params: p,
		sem:    semaphore.NewWeighted(int64(runtime.GOMAXPROCS(0))),
	}
}

// Hash derives a new record for password with a fresh random salt.
func (c *CredentialStore) Hash(ctx context.Context, password string) (string, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key, err := c.derive(ctx, password, salt, c.params, keyBytes)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(key) + ":" + c.params.String(), nil
}

// Verify reports whether password matches record. Malformed records and
// cancelled contexts yield false.
func (c *CredentialStore) Verify(ctx context.Context, password, record string) bool {
	salt, want, params, err := parseRecord(record)
	if err != nil {
		return false
	}
	got, err := c.derive(ctx, password, salt, params, len(want))
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(got, want) == 1
}

func (c *CredentialStore) derive(ctx context.Context, password string, salt []byte, p ScryptParams, keyLen int) ([]byte, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)
	return scrypt.Key([]byte(password), salt, p.N, p.R, p.P, keyLen)
}

func parseRecord(record string) (salt, key []byte, params ScryptParams, err error) {
	parts := strings.Split(record, ":")
	if len(parts) != 3 {
		return nil, nil, params, fmt.Errorf("record has %d segments, want 3", len(parts))
	}
	if salt, err = hex.DecodeString(parts[0]); err != nil || len(salt) == 0 {
		return nil, nil, params, fmt.Errorf("bad salt")
	}
	if key, err = hex.DecodeString(parts[1]); err != nil || len(key) == 0 || len(key) > maxKeyLen {
		return nil, nil, params, fmt.Errorf("bad key")
	}
	if params, err = parseParams(parts[2]); err != nil {
		return nil, nil, params, err
	}
	return salt, key, params, nil
}

func parseParams(s string) (ScryptParams, error) {
	var p ScryptParams
	for _, kv := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return p, fmt.Errorf("bad param %q", kv)
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, fmt.Errorf("bad param %q", kv)
		}
		switch k {
		case "n":
			p.N = n
		case "r":
			p.R = n
		case "p":
			p.P = n
		default:
			return p, fmt.Errorf("unknown param %q", k)
		}
	}
	if p.N < 2 || p.N > maxN || p.N&(p.N-1) != 0 {
		return p, fmt.Errorf("n out of range")
	}
	if p.R < 1 || p.R > maxR || p.P < 1 || p.P > maxP {
		return p, fmt.Errorf("r or p out of range")
	}
	return p, nil
}
