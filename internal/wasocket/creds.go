package wasocket

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Creds is the identity blob persisted per instance. The key material is
// opaque to everything above this package; only Registered is inspected.
type Creds struct {
	NoiseKey       string `json:"noiseKey"`
	IdentityKey    string `json:"signedIdentityKey"`
	RegistrationID uint32 `json:"registrationId"`
	Registered     bool   `json:"registered"`
	JID            string `json:"jid,omitempty"`
}

// FreshCreds generates a new unregistered identity for first-time pairing.
func FreshCreds() ([]byte, error) {
	noise := make([]byte, 32)
	if _, err := rand.Read(noise); err != nil {
		return nil, fmt.Errorf("wasocket: generate noise key: %w", err)
	}
	identity := make([]byte, 32)
	if _, err := rand.Read(identity); err != nil {
		return nil, fmt.Errorf("wasocket: generate identity key: %w", err)
	}
	var regRaw [4]byte
	if _, err := rand.Read(regRaw[:]); err != nil {
		return nil, fmt.Errorf("wasocket: generate registration id: %w", err)
	}

	creds := Creds{
		NoiseKey:    base64.StdEncoding.EncodeToString(noise),
		IdentityKey: base64.StdEncoding.EncodeToString(identity),
		// Registration ids are 14-bit values, per the signal registration scheme.
		RegistrationID: binary.BigEndian.Uint32(regRaw[:])%16380 + 1,
	}

	data, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("wasocket: marshal creds: %w", err)
	}
	return data, nil
}

// ParseCreds decodes a persisted identity blob.
func ParseCreds(data []byte) (Creds, error) {
	var creds Creds
	if err := json.Unmarshal(data, &creds); err != nil {
		return Creds{}, fmt.Errorf("wasocket: parse creds: %w", err)
	}
	return creds, nil
}
