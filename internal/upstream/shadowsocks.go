package upstream

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// aeadChunkMax is the largest plaintext payload carried by one AEAD chunk,
// the standard Shadowsocks cap (length is a 14-bit field, top two bits
// reserved).
const aeadChunkMax = 0x3FFF

// aeadTagSize is the Poly1305 authentication tag appended to every sealed
// chunk half.
const aeadTagSize = 16

// ShadowsocksDial sends this direction's random IV/salt in the clear, then
// the encrypted SOCKS5-style address header (no greeting, unlike SOCKS5
// proper), and returns a net.Conn that transparently encrypts/decrypts
// every byte exchanged with it afterward. The returned conn reads the
// peer's own independently generated IV/salt off the wire lazily, on its
// first Read.
func ShadowsocksDial(conn net.Conn, host string, port int, method, password string) (net.Conn, error) {
	suite, err := NewStreamCipher(method, password)
	if err != nil {
		return nil, err
	}

	enc, iv, err := suite.NewEncrypter()
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(iv); err != nil {
		return nil, fmt.Errorf("shadowsocks: write iv: %w", err)
	}

	header, err := socks5AddrOnly(host, port)
	if err != nil {
		return nil, err
	}

	cc := &cipherConn{Conn: conn, suite: suite, enc: enc}
	if _, err := cc.Write(header); err != nil {
		return nil, fmt.Errorf("shadowsocks: address header: %w", err)
	}
	return cc, nil
}

// socks5AddrOnly builds just the ATYP+addr+port portion socks5ConnectRequest
// would send after the "05 01 00" command byte, which Shadowsocks omits.
func socks5AddrOnly(host string, port int) ([]byte, error) {
	full, err := socks5ConnectRequest(host, port)
	if err != nil {
		return nil, err
	}
	return full[3:], nil
}

// cipherConn wraps a raw net.Conn with per-direction Shadowsocks framing.
// The legacy stream cipher passes bytes through continuously once its IV
// has gone out; the AEAD cipher chunks payload into independently sealed
// length-then-data frames. Both directions key themselves independently:
// enc is ready at construction (its IV/salt already written by the
// caller); dec is built lazily from the peer's IV/salt on the first Read.
type cipherConn struct {
	net.Conn
	suite StreamCipher
	enc   Encrypter

	dec     Decrypter
	pending []byte // decrypted bytes not yet consumed by Read
}

func (c *cipherConn) Write(p []byte) (int, error) {
	if !c.suite.Chunked() {
		ciphertext := c.enc.Encrypt(p)
		if _, err := c.Conn.Write(ciphertext); err != nil {
			return 0, err
		}
		return len(p), nil
	}

	written := 0
	for written < len(p) {
		end := written + aeadChunkMax
		if end > len(p) {
			end = len(p)
		}
		if err := c.writeChunk(p[written:end]); err != nil {
			return written, err
		}
		written = end
	}
	return written, nil
}

func (c *cipherConn) writeChunk(plaintext []byte) error {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(plaintext)))
	if _, err := c.Conn.Write(c.enc.Encrypt(lenBuf[:])); err != nil {
		return err
	}
	_, err := c.Conn.Write(c.enc.Encrypt(plaintext))
	return err
}

func (c *cipherConn) Read(p []byte) (int, error) {
	if c.dec == nil {
		iv := make([]byte, c.suite.IVSize())
		if _, err := io.ReadFull(c.Conn, iv); err != nil {
			return 0, fmt.Errorf("shadowsocks: read iv: %w", err)
		}
		dec, err := c.suite.NewDecrypter(iv)
		if err != nil {
			return 0, err
		}
		c.dec = dec
	}

	if len(c.pending) == 0 {
		plaintext, err := c.readUnit(len(p))
		if err != nil {
			return 0, err
		}
		c.pending = plaintext
	}

	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// readUnit reads and decrypts the next plaintext unit: one arbitrarily
// sized continuous read for the stream cipher, or one whole length+payload
// chunk pair for the AEAD cipher.
func (c *cipherConn) readUnit(hint int) ([]byte, error) {
	if !c.suite.Chunked() {
		if hint <= 0 {
			hint = 1
		}
		buf := make([]byte, hint)
		n, err := c.Conn.Read(buf)
		if n == 0 {
			return nil, err
		}
		plaintext, derr := c.dec.Decrypt(buf[:n])
		if derr != nil {
			return nil, derr
		}
		return plaintext, nil
	}

	lenFrame := make([]byte, 2+aeadTagSize)
	if _, err := io.ReadFull(c.Conn, lenFrame); err != nil {
		return nil, err
	}
	lenBuf, err := c.dec.Decrypt(lenFrame)
	if err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(lenBuf) & aeadChunkMax

	payloadFrame := make([]byte, int(n)+aeadTagSize)
	if _, err := io.ReadFull(c.Conn, payloadFrame); err != nil {
		return nil, err
	}
	return c.dec.Decrypt(payloadFrame)
}
