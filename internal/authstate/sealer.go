package authstate

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

const sealFormatVersion = 1

var errWrongPassphrase = errors.New("wrong passphrase or corrupted record")

// envelope is the at-rest form of a sealed record.
type envelope struct {
	V      int    `json:"v"`
	Salt   []byte `json:"salt"`
	N      int    `json:"scrypt_N"`
	R      int    `json:"scrypt_r"`
	P      int    `json:"scrypt_p"`
	Nonce  []byte `json:"nonce"`
	Cipher []byte `json:"cipher"`
}

// Sealer encrypts records at rest with a passphrase-derived key. The key is
// derived once per salt; every sealed record carries its own random nonce.
type Sealer struct {
	passphrase string
	n, r, p    int
	salt       []byte

	mu   sync.Mutex
	keys map[string][]byte
}

// NewSealer derives a fresh sealing key from passphrase.
func NewSealer(passphrase string) (*Sealer, error) {
	return newSealer(passphrase, 1<<15, 8, 1)
}

func newSealer(passphrase string, n, r, p int) (*Sealer, error) {
	if passphrase == "" {
		return nil, errors.New("authstate: empty passphrase")
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	s := &Sealer{passphrase: passphrase, n: n, r: r, p: p, salt: salt, keys: map[string][]byte{}}
	if _, err := s.key(salt, n, r, p); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sealer) key(salt []byte, n, r, p int) ([]byte, error) {
	id := fmt.Sprintf("%x/%d/%d/%d", salt, n, r, p)

	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		return k, nil
	}
	k, err := scrypt.Key([]byte(s.passphrase), salt, n, r, p, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	s.keys[id] = k
	return k, nil
}

// Seal encrypts plain into an envelope.
func (s *Sealer) Seal(plain []byte) ([]byte, error) {
	k, err := s.key(s.salt, s.n, s.r, s.p)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(k)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return json.Marshal(envelope{
		V:      sealFormatVersion,
		Salt:   s.salt,
		N:      s.n,
		R:      s.r,
		P:      s.p,
		Nonce:  nonce,
		Cipher: aead.Seal(nil, nonce, plain, s.salt),
	})
}

// Open decrypts an envelope produced by Seal.
func (s *Sealer) Open(data []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.V == 0 || env.V > sealFormatVersion {
		return nil, fmt.Errorf("unsupported envelope version %d", env.V)
	}
	k, err := s.key(env.Salt, env.N, env.R, env.P)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(k)
	if err != nil {
		return nil, err
	}
	if len(env.Nonce) != aead.NonceSize() {
		return nil, errWrongPassphrase
	}
	plain, err := aead.Open(nil, env.Nonce, env.Cipher, env.Salt)
	if err != nil {
		return nil, errWrongPassphrase
	}
	return plain, nil
}

// isSealed reports whether data looks like an envelope.
func isSealed(data []byte) bool {
	return bytes.Contains(data, []byte(`"cipher"`)) && bytes.Contains(data, []byte(`"scrypt_N"`))
}

// encode seals data when a sealer is configured.
func encode(s *Sealer, data []byte) ([]byte, error) {
	if s == nil {
		return data, nil
	}
	return s.Seal(data)
}

// decode reverses encode. Plain records are accepted even when a sealer is
// configured so that enabling a passphrase does not orphan existing state.
// Anything that does not decode to valid JSON is reported as ErrNotFound.
func decode(s *Sealer, data []byte) ([]byte, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, ErrNotFound
	}
	if isSealed(data) {
		if s == nil {
			return nil, errors.New("authstate: record is sealed but no passphrase is configured")
		}
		plain, err := s.Open(data)
		if err != nil {
			return nil, err
		}
		data = plain
	}
	if !json.Valid(data) {
		return nil, ErrNotFound
	}
	return data, nil
}
