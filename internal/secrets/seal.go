// Package secrets seals secure parameter values before they are
// persisted into install contexts. Values are encrypted with age using
// the daemon's X25519 key and only ever decrypted in memory.
package secrets

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
)

// SealedPrefix marks a persisted value as encrypted.
const SealedPrefix = "age:"

// Keeper seals and opens values with one age identity.
type Keeper struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// LoadKeeper reads an age identity file (as produced by age-keygen)
// and returns a Keeper for it.
func LoadKeeper(path string) (*Keeper, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read age key %s: %w", path, err)
	}
	identities, err := age.ParseIdentities(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse age key %s: %w", path, err)
	}
	for _, id := range identities {
		if x, ok := id.(*age.X25519Identity); ok {
			return &Keeper{identity: x, recipient: x.Recipient()}, nil
		}
	}
	return nil, fmt.Errorf("no X25519 identity in %s", path)
}

// NewKeeper generates a fresh identity. Used by tests and first-run
// setup.
func NewKeeper() (*Keeper, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, err
	}
	return &Keeper{identity: identity, recipient: identity.Recipient()}, nil
}

// Seal encrypts a value and encodes it for storage.
func (k *Keeper) Seal(value string) (string, error) {
	if k == nil {
		return "", errors.New("secrets keeper is nil")
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, k.recipient)
	if err != nil {
		return "", fmt.Errorf("age encrypt: %w", err)
	}
	if _, err := io.WriteString(w, value); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return SealedPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Open decrypts a sealed value. A value without the sealed prefix is
// returned unchanged, so mixed plaintext/sealed stores keep working.
func (k *Keeper) Open(value string) (string, error) {
	if !strings.HasPrefix(value, SealedPrefix) {
		return value, nil
	}
	if k == nil {
		return "", errors.New("secrets keeper is nil")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, SealedPrefix))
	if err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), k.identity)
	if err != nil {
		return "", fmt.Errorf("age decrypt: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// SealInputs seals the values of the listed secure parameter ids in
// place, leaving other inputs untouched.
func (k *Keeper) SealInputs(inputs map[string]any, secureIDs map[string]bool) error {
	for id, value := range inputs {
		if !secureIDs[id] {
			continue
		}
		str, ok := value.(string)
		if !ok {
			continue
		}
		sealed, err := k.Seal(str)
		if err != nil {
			return fmt.Errorf("seal input %s: %w", id, err)
		}
		inputs[id] = sealed
	}
	return nil
}
