// Package identity stores the results of off-chain identity and age proofs.
// Proofs are verified elsewhere; this store only records the verifier's
// verdict per wallet and statement.
package identity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketProofs = []byte("proofs")

	// ErrInvalidWallet rejects non-hex wallet addresses.
	ErrInvalidWallet = errors.New("identity: invalid wallet address")
	// ErrInvalidStatement rejects empty or malformed statements.
	ErrInvalidStatement = errors.New("identity: invalid statement")
)

const (
	StatementAgeOver18 = "age>=18"
	StatementAgeOver21 = "age>=21"
)

// Proof is a verifier's verdict on one statement about a wallet holder.
type Proof struct {
	Wallet     string            `json:"wallet"`
	Statement  string            `json:"statement"`
	Verified   bool              `json:"verified"`
	Verifier   string            `json:"verifier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	RecordedAt time.Time         `json:"recordedAt"`
	ExpiresAt  *time.Time        `json:"expiresAt,omitempty"`
}

// Valid reports whether the proof is verified and unexpired at now.
func (p Proof) Valid(now time.Time) bool {
	if !p.Verified {
		return false
	}
	return p.ExpiresAt == nil || now.Before(*p.ExpiresAt)
}

// Store persists proofs in BoltDB keyed by wallet and statement.
type Store struct {
	db *bolt.DB
}

// NewStore opens (and migrates) the proof database at path.
func NewStore(path string, options *bolt.Options) (*Store, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketProofs)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying Bolt database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func normaliseWallet(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return "", fmt.Errorf("%w: %q", ErrInvalidWallet, raw)
	}
	return strings.ToLower(common.HexToAddress(trimmed).Hex()), nil
}

func normaliseStatement(raw string) (string, error) {
	statement := strings.ToLower(strings.Join(strings.Fields(raw), ""))
	if statement == "" || len(statement) > 128 {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatement, raw)
	}
	return statement, nil
}

func proofKey(wallet, statement string) []byte {
	return []byte(wallet + "|" + statement)
}

// RecordProof stores p, replacing any earlier verdict for the same wallet
// and statement.
func (s *Store) RecordProof(p Proof, now time.Time) (Proof, error) {
	wallet, err := normaliseWallet(p.Wallet)
	if err != nil {
		return Proof{}, err
	}
	statement, err := normaliseStatement(p.Statement)
	if err != nil {
		return Proof{}, err
	}
	p.Wallet = wallet
	p.Statement = statement
	p.RecordedAt = now.UTC()
	payload, err := json.Marshal(p)
	if err != nil {
		return Proof{}, err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProofs).Put(proofKey(wallet, statement), payload)
	})
	if err != nil {
		return Proof{}, err
	}
	return p, nil
}

// Proof fetches the verdict for wallet and statement, if present.
func (s *Store) Proof(wallet, statement string) (Proof, bool, error) {
	w, err := normaliseWallet(wallet)
	if err != nil {
		return Proof{}, false, err
	}
	st, err := normaliseStatement(statement)
	if err != nil {
		return Proof{}, false, err
	}
	var (
		proof Proof
		found bool
	)
	err = s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketProofs).Get(proofKey(w, st))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &proof)
	})
	if err != nil {
		return Proof{}, false, err
	}
	return proof, found, nil
}

// ListProofs returns every proof recorded for wallet ordered by statement.
func (s *Store) ListProofs(wallet string) ([]Proof, error) {
	w, err := normaliseWallet(wallet)
	if err != nil {
		return nil, err
	}
	prefix := []byte(w + "|")
	var proofs []Proof
	err = s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketProofs).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var p Proof
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			proofs = append(proofs, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(proofs, func(i, j int) bool { return proofs[i].Statement < proofs[j].Statement })
	return proofs, nil
}

// AgeVerified reports whether wallet holds a valid age proof of at least
// minimumAge. A proof for an older threshold also satisfies a younger one.
func (s *Store) AgeVerified(wallet string, minimumAge int, now time.Time) (bool, error) {
	proofs, err := s.ListProofs(wallet)
	if err != nil {
		return false, err
	}
	for _, p := range proofs {
		age, ok := ageThreshold(p.Statement)
		if !ok || age < minimumAge {
			continue
		}
		if p.Valid(now) {
			return true, nil
		}
	}
	return false, nil
}

func ageThreshold(statement string) (int, bool) {
	raw, ok := strings.CutPrefix(statement, "age>=")
	if !ok {
		return 0, false
	}
	age, err := strconv.Atoi(raw)
	if err != nil || age <= 0 {
		return 0, false
	}
	return age, true
}
