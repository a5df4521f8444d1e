package authstate

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeyPair is a Curve25519 key pair.
type KeyPair struct {
	Private []byte `json:"private"`
	Public  []byte `json:"public"`
}

// SignedKeyPair is a pre-key with its signature. The signature is produced
// by the transport when the pre-key is first uploaded.
type SignedKeyPair struct {
	KeyPair   KeyPair `json:"keyPair"`
	Signature []byte  `json:"signature,omitempty"`
	KeyID     int     `json:"keyId"`
}

// Contact is the account the credentials belong to once paired.
type Contact struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	LID  string `json:"lid,omitempty"`
}

// Creds is the credentials document of a session.
type Creds struct {
	NoiseKey                 KeyPair         `json:"noiseKey"`
	PairingEphemeralKeyPair  KeyPair         `json:"pairingEphemeralKeyPair"`
	SignedIdentityKey        KeyPair         `json:"signedIdentityKey"`
	SignedPreKey             SignedKeyPair   `json:"signedPreKey"`
	RegistrationID           int             `json:"registrationId"`
	AdvSecretKey             string          `json:"advSecretKey"`
	NextPreKeyID             int             `json:"nextPreKeyId"`
	FirstUnuploadedPreKeyID  int             `json:"firstUnuploadedPreKeyId"`
	AccountSyncCounter       int             `json:"accountSyncCounter"`
	Account                  json.RawMessage `json:"account,omitempty"`
	Me                       *Contact        `json:"me,omitempty"`
	SignalIdentities         json.RawMessage `json:"signalIdentities,omitempty"`
	LastAccountSyncTimestamp int64           `json:"lastAccountSyncTimestamp,omitempty"`
	MyAppStateKeyID          string          `json:"myAppStateKeyId,omitempty"`
	Registered               bool            `json:"registered"`
}

// Paired reports whether the credentials are bound to an account.
func (c *Creds) Paired() bool {
	return c != nil && c.Me != nil && c.Me.ID != ""
}

// Clone returns a deep copy.
func (c *Creds) Clone() *Creds {
	b, err := json.Marshal(c)
	if err != nil {
		panic(fmt.Sprintf("authstate: creds not serializable: %v", err))
	}
	var out Creds
	if err := json.Unmarshal(b, &out); err != nil {
		panic(fmt.Sprintf("authstate: creds not deserializable: %v", err))
	}
	return &out
}

// NewCreds generates fresh unpaired credentials.
func NewCreds() (*Creds, error) {
	noise, err := generateKeyPair()
	if err != nil {
		return nil, err
	}
	ephemeral, err := generateKeyPair()
	if err != nil {
		return nil, err
	}
	identity, err := generateKeyPair()
	if err != nil {
		return nil, err
	}
	preKey, err := generateKeyPair()
	if err != nil {
		return nil, err
	}

	var regBuf [2]byte
	if _, err := rand.Read(regBuf[:]); err != nil {
		return nil, err
	}
	// registration ids are 14-bit
	registrationID := int(binary.BigEndian.Uint16(regBuf[:]) & 16383)

	adv := make([]byte, 32)
	if _, err := rand.Read(adv); err != nil {
		return nil, err
	}

	return &Creds{
		NoiseKey:                noise,
		PairingEphemeralKeyPair: ephemeral,
		SignedIdentityKey:       identity,
		SignedPreKey:            SignedKeyPair{KeyPair: preKey, KeyID: 1},
		RegistrationID:          registrationID,
		AdvSecretKey:            base64.StdEncoding.EncodeToString(adv),
		NextPreKeyID:            1,
		FirstUnuploadedPreKeyID: 1,
	}, nil
}

// generateKeyPair returns a clamped Curve25519 key pair.
func generateKeyPair() (KeyPair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return KeyPair{}, err
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Private: priv, Public: pub}, nil
}
