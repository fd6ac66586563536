package queue

import (
	"crypto/rand"
	"os"
	"path/filepath"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/vitalink/realtime/internal/proto"
)

const (
	keySize   = 32
	nonceSize = 24
)

// LoadOrCreateKey reads the outbox sealing key, generating one on first
// use. The key file is written with mode 0600.
func LoadOrCreateKey(path string) (*[keySize]byte, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		if len(b) != keySize {
			return nil, proto.E(proto.KindConfig, "queue.key", "key file is not 32 bytes")
		}
		var k [keySize]byte
		copy(k[:], b)
		return &k, nil
	}
	if !os.IsNotExist(err) {
		return nil, proto.Wrap(proto.KindConfig, "queue.key", err)
	}

	var k [keySize]byte
	if _, err := rand.Read(k[:]); err != nil {
		return nil, proto.Wrap(proto.KindConfig, "queue.key", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, proto.Wrap(proto.KindConfig, "queue.key", err)
	}
	if err := os.WriteFile(path, k[:], 0o600); err != nil {
		return nil, proto.Wrap(proto.KindConfig, "queue.key", err)
	}
	return &k, nil
}

// seal encrypts body as nonce||ciphertext.
func seal(key *[keySize]byte, body []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, proto.Wrap(proto.KindQueue, "queue.seal", err)
	}
	return secretbox.Seal(nonce[:], body, &nonce, key), nil
}

// open reverses seal. A short or tampered payload is rejected.
func open(key *[keySize]byte, sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize {
		return nil, proto.E(proto.KindQueue, "queue.open", "sealed payload too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	body, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, key)
	if !ok {
		return nil, proto.E(proto.KindQueue, "queue.open", "cannot decrypt outbox row")
	}
	return body, nil
}
