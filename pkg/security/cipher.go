package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const envelopeMagic byte = 0x53

var (
	// ErrMalformedEnvelope signals a ciphertext that is not one of ours.
	ErrMalformedEnvelope = errors.New("malformed ciphertext envelope")
	// ErrUnknownKeyVersion signals an envelope sealed under a key this
	// process was not configured with.
	ErrUnknownKeyVersion = errors.New("unknown ciphertext key version")
)

// Cipher seals chat payloads with XChaCha20-Poly1305. Every envelope records
// the key version it was sealed under; Open accepts any configured version,
// Seal always uses the current one.
//
// Envelope layout before base64:
//
//	magic(1) | version(1) | nonce len(1) | nonce | ciphertext len(4, BE) | ciphertext
type Cipher struct {
	current int
	keys    map[int][]byte
}

// NewCipher derives one key per version. previous maps older versions to the
// passphrases they were sealed with.
func NewCipher(passphrase string, version int, previous map[int]string) (*Cipher, error) {
	if passphrase == "" {
		return nil, errors.New("cipher passphrase is required")
	}
	if version <= 0 || version > 255 {
		return nil, fmt.Errorf("cipher key version out of range: %d", version)
	}
	c := &Cipher{current: version, keys: make(map[int][]byte, len(previous)+1)}
	for v, p := range previous {
		if v == version {
			continue
		}
		if v <= 0 || v > 255 || p == "" {
			return nil, fmt.Errorf("invalid previous key version %d", v)
		}
		key, err := deriveKey(p, v)
		if err != nil {
			return nil, err
		}
		c.keys[v] = key
	}
	key, err := deriveKey(passphrase, version)
	if err != nil {
		return nil, err
	}
	c.keys[version] = key
	return c, nil
}

func deriveKey(passphrase string, version int) ([]byte, error) {
	info := fmt.Sprintf("sppix-chat/v%d", version)
	reader := hkdf.New(sha256.New, []byte(passphrase), nil, []byte(info))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive chat key: %w", err)
	}
	return key, nil
}

// KeyVersion is the version new envelopes are sealed under.
func (c *Cipher) KeyVersion() int {
	return c.current
}

// Seal encrypts plaintext into a base64 envelope.
func (c *Cipher) Seal(plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(c.keys[c.current])
	if err != nil {
		return "", fmt.Errorf("init aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	header := []byte{envelopeMagic, byte(c.current)}
	sealed := aead.Seal(nil, nonce, plaintext, header)

	buf := make([]byte, 0, len(header)+1+len(nonce)+4+len(sealed))
	buf = append(buf, header...)
	buf = append(buf, byte(len(nonce)))
	buf = append(buf, nonce...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(sealed)))
	buf = append(buf, sealed...)
	return base64.StdEncoding.EncodeToString(buf), nil
}

// Open decrypts an envelope produced by Seal under any configured version.
func (c *Cipher) Open(envelope string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return nil, ErrMalformedEnvelope
	}
	if len(raw) < 3 || raw[0] != envelopeMagic {
		return nil, ErrMalformedEnvelope
	}
	version := int(raw[1])
	key, ok := c.keys[version]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKeyVersion, version)
	}

	nonceLen := int(raw[2])
	rest := raw[3:]
	if nonceLen != chacha20poly1305.NonceSizeX || len(rest) < nonceLen+4 {
		return nil, ErrMalformedEnvelope
	}
	nonce := rest[:nonceLen]
	rest = rest[nonceLen:]
	ctLen := int(binary.BigEndian.Uint32(rest[:4]))
	rest = rest[4:]
	if ctLen != len(rest) {
		return nil, ErrMalformedEnvelope
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, rest, raw[:2])
	if err != nil {
		return nil, fmt.Errorf("open envelope: %w", err)
	}
	return plaintext, nil
}
