// Package identity implements C0, the server's identity and key manager:
// DSA/ECDSA-409k1-equivalent server keypairs (abstracted behind
// cryptocap.Crypto per spec.md §1), client fingerprinting, and the
// confirmed/session/pending identity tables of spec.md §3.
//
// Grounded on the teacher's modules/wallet key-derivation style and the
// global-singleton-to-injected-service rewrite spec.md §9 calls for
// (ServerIdentityMgr becomes an explicit *Manager owned by the caller,
// never a package-level singleton).
package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"math/big"
	"sync"
	"time"

	"github.com/uplo-tech/bolt"
	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/fastrand"
	"github.com/uplo-tech/log"

	"github.com/uroni/urbackup-backend-sub003/internal/cryptocap"
)

// ident_online_timeout: a session identity whose |onlinetime| is older than
// this is inactive and must not authorise a new session (spec §3).
const identOnlineTimeout = time.Hour

// maxSessionIdentities bounds the session_identities bucket per spec §6 (max 1000
// entries, oldest evicted).
const maxSessionIdentities = 1000

var (
	bucketIdentities    = []byte("identities")
	bucketSessionIdents = []byte("session_identities")
	bucketPendingIdents = []byte("new_identities")
	bucketKeys          = []byte("server_keys")
)

// KeyType distinguishes the server's two identity keys (spec §4.7: "the
// server maintains two keys, gracefully rotates").
type KeyType int

const (
	KeyLegacy KeyType = iota
	KeyECDSA409k1
)

// ConfirmedIdentity is a row of the "identities" table: a token the server
// has already approved, bound to the fingerprint of the client's public
// key.
type ConfirmedIdentity struct {
	Token       string
	Fingerprint string
	PubKey      []byte
	PubKeyECDSA []byte
}

// SessionIdentity is a row of "session_identities": time-bounded, with a
// secret_key and a bound endpoint (spec §3 Pending identity).
type SessionIdentity struct {
	Token      string
	Endpoint   string
	SecretKey  []byte
	OnlineTime time.Time
}

// active reports whether the session identity may still authorise a new
// session as of now (spec invariant: an identity whose |onlinetime| is
// older than ident_online_timeout is inactive).
func (s SessionIdentity) active(now time.Time) bool {
	d := now.Sub(s.OnlineTime)
	if d < 0 {
		d = -d
	}
	return d <= identOnlineTimeout
}

// PendingIdentity is a row of "new_identities": proposed but not yet
// approved or rejected.
type PendingIdentity struct {
	Token       string
	Fingerprint string
	PubKey      []byte
	PubKeyECDSA []byte
	ProposedAt  time.Time
}

// Manager owns the server's identity keys and the three identity tables.
// It replaces the teacher's process-wide ServerIdentityMgr singleton with
// an explicit, injectable service behind a single mutex (spec.md §9).
type Manager struct {
	mu     sync.Mutex
	db     *bolt.DB
	crypto cryptocap.Crypto
	log    *log.Logger

	keys map[KeyType]*ecdsa.PrivateKey
}

// New opens (creating if necessary) the identity database at dbPath and
// ensures both server keys exist, generating and persisting any that are
// missing.
func New(dbPath string, crypto cryptocap.Crypto, logger *log.Logger) (*Manager, error) {
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, errors.AddContext(err, "unable to open identity database")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketIdentities, bucketSessionIdents, bucketPendingIdents, bucketKeys} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Compose(errors.AddContext(err, "unable to initialize identity buckets"), db.Close())
	}

	m := &Manager{
		db:     db,
		crypto: crypto,
		log:    logger,
		keys:   make(map[KeyType]*ecdsa.PrivateKey),
	}
	if err := m.loadOrGenerateKeys(); err != nil {
		return nil, errors.Compose(err, db.Close())
	}
	return m, nil
}

// Close releases the underlying database handle.
func (m *Manager) Close() error {
	return m.db.Close()
}

func (m *Manager) loadOrGenerateKeys() error {
	for _, kt := range []KeyType{KeyLegacy, KeyECDSA409k1} {
		key := []byte{byte(kt)}
		var raw []byte
		err := m.db.View(func(tx *bolt.Tx) error {
			raw = append([]byte(nil), tx.Bucket(bucketKeys).Get(key)...)
			return nil
		})
		if err != nil {
			return err
		}
		if raw != nil {
			priv, err := decodePrivateKey(raw)
			if err != nil {
				return errors.AddContext(err, "unable to decode persisted server key")
			}
			m.keys[kt] = priv
			continue
		}
		priv, err := m.crypto.GenerateSigningKey()
		if err != nil {
			return errors.AddContext(err, "unable to generate server key")
		}
		m.keys[kt] = priv
		encoded := encodePrivateKey(priv)
		err = m.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketKeys).Put(key, encoded)
		})
		if err != nil {
			return errors.AddContext(err, "unable to persist server key")
		}
		if m.log != nil {
			m.log.Printf("generated new server identity key type=%d", kt)
		}
	}
	return nil
}

// PublicKey returns the encoded public key for kt; the caller picks kt
// (spec §4.7: ECDSA selected by client capability).
func (m *Manager) PublicKey(kt KeyType) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	priv := m.keys[kt]
	return encodePublicKey(&priv.PublicKey)
}

// Fingerprint returns this server's fingerprint for kt (Glossary:
// Fingerprint).
func (m *Manager) Fingerprint(kt KeyType) string {
	return m.crypto.Fingerprint(m.PublicKey(kt))
}

// Sign signs digest with the server's kt key.
func (m *Manager) Sign(kt KeyType, digest [32]byte) ([]byte, error) {
	m.mu.Lock()
	priv := m.keys[kt]
	m.mu.Unlock()
	return m.crypto.Sign(priv, digest)
}

// Confirm checks whether token is a confirmed identity with the given
// client fingerprint.
func (m *Manager) Confirm(token, fingerprint string) (bool, error) {
	var ci ConfirmedIdentity
	var found bool
	err := m.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketIdentities).Get([]byte(token))
		if raw == nil {
			return nil
		}
		found = true
		ci = decodeConfirmed(raw)
		return nil
	})
	if err != nil {
		return false, err
	}
	return found && ci.Fingerprint == fingerprint, nil
}

// ProposePending records a newly seen, unapproved client identity.
func (m *Manager) ProposePending(p PendingIdentity) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPendingIdents).Put([]byte(p.Token), encodePending(p))
	})
}

// ApprovePending promotes a pending identity to confirmed and removes it
// from new_identities.
func (m *Manager) ApprovePending(token string) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		pend := tx.Bucket(bucketPendingIdents)
		raw := pend.Get([]byte(token))
		if raw == nil {
			return errors.New("no such pending identity")
		}
		p := decodePending(raw)
		ci := ConfirmedIdentity{Token: p.Token, Fingerprint: p.Fingerprint, PubKey: p.PubKey, PubKeyECDSA: p.PubKeyECDSA}
		if err := tx.Bucket(bucketIdentities).Put([]byte(token), encodeConfirmed(ci)); err != nil {
			return err
		}
		return pend.Delete([]byte(token))
	})
}

// RejectPending removes a pending identity without confirming it.
func (m *Manager) RejectPending(token string) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPendingIdents).Delete([]byte(token))
	})
}

// NewSessionIdentity creates and persists a time-bounded session identity
// bound to endpoint, evicting the oldest entry if the table is already at
// maxSessionIdentities (spec §6).
func (m *Manager) NewSessionIdentity(token, endpoint string, now time.Time) (SessionIdentity, error) {
	si := SessionIdentity{
		Token:      token,
		Endpoint:   endpoint,
		SecretKey:  fastrand.Bytes(32),
		OnlineTime: now,
	}
	err := m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessionIdents)
		if b.Stats().KeyN >= maxSessionIdentities {
			if err := evictOldestSession(b); err != nil {
				return err
			}
		}
		return b.Put([]byte(token), encodeSession(si))
	})
	return si, err
}

// SessionActive reports whether token names a session identity still
// active (bound endpoint matches and onlinetime is within
// ident_online_timeout of now).
func (m *Manager) SessionActive(token, endpoint string, now time.Time) (bool, error) {
	var si SessionIdentity
	var found bool
	err := m.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSessionIdents).Get([]byte(token))
		if raw == nil {
			return nil
		}
		found = true
		si = decodeSession(raw)
		return nil
	})
	if err != nil {
		return false, err
	}
	return found && si.Endpoint == endpoint && si.active(now), nil
}

// PruneExpired removes every session identity whose onlinetime is older
// than ident_online_timeout as of now.
func (m *Manager) PruneExpired(now time.Time) (int, error) {
	removed := 0
	err := m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessionIdents)
		c := b.Cursor()
		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			si := decodeSession(v)
			if !si.active(now) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func evictOldestSession(b *bolt.Bucket) error {
	c := b.Cursor()
	var oldestKey []byte
	var oldest time.Time
	for k, v := c.First(); k != nil; k, v = c.Next() {
		si := decodeSession(v)
		if oldestKey == nil || si.OnlineTime.Before(oldest) {
			oldestKey = append([]byte(nil), k...)
			oldest = si.OnlineTime
		}
	}
	if oldestKey == nil {
		return nil
	}
	return b.Delete(oldestKey)
}

// --- tiny hand-rolled encodings: these tables are small and rarely
// written, so a delimited text encoding (matching the spirit of the
// spec's own identity-file grammar, §6) is preferable to pulling in a
// generic serializer for a handful of fields. ---

func encodePrivateKey(priv *ecdsa.PrivateKey) []byte {
	return priv.D.Bytes()
}

func decodePrivateKey(raw []byte) (*ecdsa.PrivateKey, error) {
	priv := new(ecdsa.PrivateKey)
	priv.Curve = elliptic.P256()
	priv.D = new(big.Int).SetBytes(raw)
	priv.PublicKey.X, priv.PublicKey.Y = priv.Curve.ScalarBaseMult(raw)
	return priv, nil
}

func encodePublicKey(pub *ecdsa.PublicKey) []byte {
	return append(pub.X.Bytes(), pub.Y.Bytes()...)
}

func encodeConfirmed(ci ConfirmedIdentity) []byte {
	return joinFields(ci.Token, ci.Fingerprint, b64(ci.PubKey), b64(ci.PubKeyECDSA))
}

func decodeConfirmed(raw []byte) ConfirmedIdentity {
	f := splitFields(raw, 4)
	return ConfirmedIdentity{Token: f[0], Fingerprint: f[1], PubKey: unb64(f[2]), PubKeyECDSA: unb64(f[3])}
}

func encodePending(p PendingIdentity) []byte {
	return joinFields(p.Token, p.Fingerprint, b64(p.PubKey), b64(p.PubKeyECDSA), p.ProposedAt.Format(time.RFC3339Nano))
}

func decodePending(raw []byte) PendingIdentity {
	f := splitFields(raw, 5)
	t, _ := time.Parse(time.RFC3339Nano, f[4])
	return PendingIdentity{Token: f[0], Fingerprint: f[1], PubKey: unb64(f[2]), PubKeyECDSA: unb64(f[3]), ProposedAt: t}
}

func encodeSession(si SessionIdentity) []byte {
	return joinFields(si.Token, si.Endpoint, b64(si.SecretKey), si.OnlineTime.Format(time.RFC3339Nano))
}

func decodeSession(raw []byte) SessionIdentity {
	f := splitFields(raw, 4)
	t, _ := time.Parse(time.RFC3339Nano, f[3])
	return SessionIdentity{Token: f[0], Endpoint: f[1], SecretKey: unb64(f[2]), OnlineTime: t}
}

func b64(b []byte) string   { return base64.StdEncoding.EncodeToString(b) }
func unb64(s string) []byte { b, _ := base64.StdEncoding.DecodeString(s); return b }
