// Package upstream implements the codec half of an upstream connection: the
// SOCKS5 handshake, the Shadowsocks stream-cipher wrapper and the HTTP
// CONNECT codec. Pool/health/routing never import this package; they only
// hand it a *proxyspec.Proxy and a dial address.
package upstream

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/salsa20/salsa"
)

// StreamCipher is the per-connection cipher suite: a method+password pair
// keyed once, then used to mint one Encrypter and one Decrypter per
// direction. Shadowsocks keys each direction with its own independently
// generated IV/salt, sent as the first, unencrypted bytes of that
// direction — reusing one IV (or none at all) across connections collapses
// the keystream/nonce sequence back to password-only, a nonce-reuse break,
// so NewEncrypter always draws a fresh one and NewDecrypter always takes
// the peer's off the wire.
type StreamCipher interface {
	// IVSize is the number of plaintext bytes the peer must send before
	// the rest of the stream can be decrypted.
	IVSize() int
	// Chunked reports whether payload is framed as independent
	// length-then-data chunks (AEAD ciphers) or passed through as one
	// continuous keystream (legacy stream ciphers).
	Chunked() bool
	NewEncrypter() (enc Encrypter, iv []byte, err error)
	NewDecrypter(iv []byte) (Decrypter, error)
}

// Encrypter/Decrypter are the one-shot-per-chunk codec halves bound to a
// single direction's IV. Neither is safe to share between directions.
type Encrypter interface {
	Encrypt(plaintext []byte) []byte
}

type Decrypter interface {
	Decrypt(ciphertext []byte) ([]byte, error)
}

// NewStreamCipher builds the cipher suite named by method, keyed from
// password via the classic Shadowsocks EVP_BytesToKey derivation. Only
// "salsa20" and "chacha20-ietf-poly1305" are supported.
func NewStreamCipher(method, password string) (StreamCipher, error) {
	switch method {
	case "salsa20":
		return &salsa20Suite{key: deriveKey(password, 32)}, nil
	case "chacha20-ietf-poly1305":
		return &chacha20Poly1305Suite{masterKey: deriveKey(password, chacha20poly1305.KeySize)}, nil
	default:
		return nil, fmt.Errorf("upstream: unknown shadowsocks method %q", method)
	}
}

// deriveKey implements EVP_BytesToKey(MD5, password, keyLen) — the
// derivation every Shadowsocks implementation uses regardless of cipher.
func deriveKey(password string, keyLen int) []byte {
	var out []byte
	var prev []byte
	for len(out) < keyLen {
		h := md5.New()
		h.Write(prev)
		h.Write([]byte(password))
		prev = h.Sum(nil)
		out = append(out, prev...)
	}
	return out[:keyLen]
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("upstream: generating iv: %w", err)
	}
	return b, nil
}

// Legacy stream cipher: salsa20 with an 8-byte per-direction nonce sent in
// the clear ahead of the keystream, then a continuous passthrough with no
// length framing.

const salsa20NonceSize = 8

type salsa20Suite struct {
	key []byte
}

func (s *salsa20Suite) IVSize() int   { return salsa20NonceSize }
func (s *salsa20Suite) Chunked() bool { return false }

func (s *salsa20Suite) NewEncrypter() (Encrypter, []byte, error) {
	nonce, err := randomBytes(salsa20NonceSize)
	if err != nil {
		return nil, nil, err
	}
	return newSalsa20Cipher(s.key, nonce), nonce, nil
}

func (s *salsa20Suite) NewDecrypter(iv []byte) (Decrypter, error) {
	if len(iv) != salsa20NonceSize {
		return nil, fmt.Errorf("upstream: salsa20: bad iv length %d", len(iv))
	}
	return newSalsa20Cipher(s.key, iv), nil
}

// salsa20Cipher is a single continuous keystream XORed over the whole
// connection, counter-advanced by the number of 64-byte blocks already
// consumed (so Encrypt/Decrypt can be called with arbitrarily sized chunks
// and still line up); nonce is the random per-direction value exchanged as
// the connection's IV.
type salsa20Cipher struct {
	key   [32]byte
	nonce [8]byte
	pos   uint64 // keystream bytes already consumed
}

func newSalsa20Cipher(key, nonce []byte) *salsa20Cipher {
	c := &salsa20Cipher{}
	copy(c.key[:], key)
	copy(c.nonce[:], nonce)
	return c
}

func (c *salsa20Cipher) Encrypt(plaintext []byte) []byte {
	out := make([]byte, len(plaintext))
	c.xor(out, plaintext)
	return out
}

func (c *salsa20Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	out := make([]byte, len(ciphertext))
	c.xor(out, ciphertext)
	return out, nil
}

// xor advances the salsa20 keystream in 64-byte blocks, discarding the
// leading bytes of a block when pos isn't block-aligned (the stream must
// stay byte-exact across repeated short Encrypt/Decrypt calls). The
// counter word is nonce(8) || block-index(8), the standard djb layout.
func (c *salsa20Cipher) xor(dst, src []byte) {
	blockStart := c.pos / 64
	offset := int(c.pos % 64)

	buf := make([]byte, offset+len(src))
	copy(buf[offset:], src)

	var counter [16]byte
	copy(counter[:8], c.nonce[:])
	putUint64LE(counter[8:], blockStart)
	out := make([]byte, len(buf))
	salsa.XORKeyStream(out, buf, &counter, &c.key)

	copy(dst, out[offset:])
	c.pos += uint64(len(src))
}

func putUint64LE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}

// Modern AEAD cipher: a per-direction random salt (same length as the
// master key) sent in the clear, HKDF-SHA1 subkey derivation, then
// length-then-payload chunk framing with a monotonically incrementing
// nonce shared across both chunk halves.

type chacha20Poly1305Suite struct {
	masterKey []byte
}

func (s *chacha20Poly1305Suite) IVSize() int   { return len(s.masterKey) }
func (s *chacha20Poly1305Suite) Chunked() bool { return true }

func (s *chacha20Poly1305Suite) NewEncrypter() (Encrypter, []byte, error) {
	salt, err := randomBytes(len(s.masterKey))
	if err != nil {
		return nil, nil, err
	}
	aead, err := s.deriveAEAD(salt)
	if err != nil {
		return nil, nil, err
	}
	return &chacha20Poly1305Cipher{aead: aead}, salt, nil
}

func (s *chacha20Poly1305Suite) NewDecrypter(salt []byte) (Decrypter, error) {
	if len(salt) != len(s.masterKey) {
		return nil, fmt.Errorf("upstream: chacha20poly1305: bad salt length %d", len(salt))
	}
	aead, err := s.deriveAEAD(salt)
	if err != nil {
		return nil, err
	}
	return &chacha20Poly1305Cipher{aead: aead}, nil
}

// deriveAEAD derives the per-session subkey via HKDF-SHA1(masterKey, salt,
// "ss-subkey") and builds the AEAD instance from it, per the Shadowsocks
// AEAD spec (salt must never repeat under the same master key).
func (s *chacha20Poly1305Suite) deriveAEAD(salt []byte) (aeadCipher, error) {
	subkey := make([]byte, len(s.masterKey))
	kdf := hkdf.New(sha1.New, s.masterKey, salt, []byte("ss-subkey"))
	if _, err := io.ReadFull(kdf, subkey); err != nil {
		return nil, fmt.Errorf("upstream: hkdf subkey: %w", err)
	}
	aead, err := chacha20poly1305.New(subkey)
	if err != nil {
		return nil, fmt.Errorf("upstream: chacha20poly1305: %w", err)
	}
	return aead, nil
}

type aeadCipher interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
	Overhead() int
}

// chacha20Poly1305Cipher is bound to one direction's already-derived AEAD
// instance; each Encrypt/Decrypt call is one independently-authenticated
// chunk half (length or payload) with a nonce that increments after every
// call, per the Shadowsocks AEAD chunking rule.
type chacha20Poly1305Cipher struct {
	aead  aeadCipher
	nonce uint64
}

func (c *chacha20Poly1305Cipher) Encrypt(plaintext []byte) []byte {
	nonce := make([]byte, c.aead.NonceSize())
	putUint64LE(nonce, c.nonce)
	c.nonce++
	return c.aead.Seal(nil, nonce, plaintext, nil)
}

func (c *chacha20Poly1305Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	putUint64LE(nonce, c.nonce)
	c.nonce++
	out, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("upstream: chacha20poly1305 chunk auth failed: %w", err)
	}
	return out, nil
}
