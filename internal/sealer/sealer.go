// Package sealer encrypts queued change requests so the shared store never
// holds a plaintext secret. Each item gets a freshly minted data key whose
// descriptor travels with the ciphertext.
package sealer

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"
)

const chunkSize = 4 * 1024

// ErrNoRootKey is returned when a key bundle carries no root key.
var ErrNoRootKey = errors.New("sealer: key bundle has no root key")

// Config selects the root key and options.
type Config struct {
	Root keymgmt.RootKey
	// Context binds data keys to a purpose, typically the queue name.
	Context string
	Snappy  bool
}

// Sealer mints one data key per sealed payload. A nil *Sealer passes data
// through unchanged.
type Sealer struct {
	kg      kryptograf.Kryptograf
	context []byte
}

// New returns a Sealer for cfg.
func New(cfg Config) (*Sealer, error) {
	if cfg.Root == (keymgmt.RootKey{}) {
		return nil, fmt.Errorf("sealer: root key required")
	}
	if cfg.Context == "" {
		return nil, fmt.Errorf("sealer: context required")
	}
	kg := kryptograf.New(cfg.Root).WithChunkSize(chunkSize)
	if cfg.Snappy {
		kg = kg.WithSnappy()
	}
	return &Sealer{kg: kg, context: []byte(cfg.Context)}, nil
}

// Enabled reports whether s encrypts.
func (s *Sealer) Enabled() bool {
	return s != nil
}

// Seal encrypts plaintext and returns the ciphertext with the descriptor
// needed to open it.
func (s *Sealer) Seal(plaintext []byte) (ciphertext, descriptor []byte, err error) {
	if !s.Enabled() {
		return plaintext, nil, nil
	}
	mat, err := s.kg.MintDEK(s.context)
	if err != nil {
		return nil, nil, fmt.Errorf("sealer: mint key: %w", err)
	}
	defer mat.Zero()
	descriptor, err = mat.Descriptor.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("sealer: marshal descriptor: %w", err)
	}
	var buf bytes.Buffer
	buf.Grow(len(plaintext) + 256)
	w, err := s.kg.EncryptWriter(&buf, mat)
	if err != nil {
		return nil, nil, fmt.Errorf("sealer: encrypt: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		w.Close()
		return nil, nil, fmt.Errorf("sealer: encrypt write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, nil, fmt.Errorf("sealer: encrypt close: %w", err)
	}
	return buf.Bytes(), descriptor, nil
}

// Open reverses Seal.
func (s *Sealer) Open(ciphertext, descriptor []byte) ([]byte, error) {
	if !s.Enabled() {
		return nil, fmt.Errorf("sealer: sealed payload but encryption is disabled")
	}
	var desc keymgmt.Descriptor
	if err := desc.UnmarshalBinary(descriptor); err != nil {
		return nil, fmt.Errorf("sealer: decode descriptor: %w", err)
	}
	mat, err := s.kg.ReconstructDEK(s.context, desc)
	if err != nil {
		return nil, fmt.Errorf("sealer: reconstruct key: %w", err)
	}
	defer mat.Zero()
	r, err := s.kg.DecryptReader(bytes.NewReader(ciphertext), mat)
	if err != nil {
		return nil, fmt.Errorf("sealer: decrypt: %w", err)
	}
	defer r.Close()
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("sealer: decrypt read: %w", err)
	}
	return plaintext, nil
}

// GenerateKeyPEM returns a new PEM bundle holding a fresh root key.
func GenerateKeyPEM() ([]byte, error) {
	var out []byte
	store, err := keymgmt.LoadPEMInto([]byte(nil), &out)
	if err != nil {
		return nil, fmt.Errorf("sealer: prepare key bundle: %w", err)
	}
	if _, err := store.EnsureRootKey(); err != nil {
		return nil, fmt.Errorf("sealer: generate root key: %w", err)
	}
	if err := store.Commit(); err != nil {
		return nil, fmt.Errorf("sealer: commit key bundle: %w", err)
	}
	if len(out) == 0 {
		raw, err := store.Bytes()
		if err != nil {
			return nil, fmt.Errorf("sealer: serialize key bundle: %w", err)
		}
		out = raw
	}
	return out, nil
}

// LoadRootKey reads the root key from a PEM bundle at path.
func LoadRootKey(path string) (keymgmt.RootKey, error) {
	store, err := keymgmt.LoadPEM(path)
	if err != nil {
		return keymgmt.RootKey{}, fmt.Errorf("sealer: load key bundle: %w", err)
	}
	root, ok, err := store.RootKey()
	if err != nil {
		return keymgmt.RootKey{}, fmt.Errorf("sealer: read root key: %w", err)
	}
	if !ok {
		return keymgmt.RootKey{}, ErrNoRootKey
	}
	return root, nil
}
