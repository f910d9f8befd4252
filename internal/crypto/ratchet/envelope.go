package ratchet

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// Header travels in the clear alongside each sealed envelope and is bound to
// the ciphertext as AEAD additional data.
type Header struct {
	PublicKey       [KeySize]byte `json:"publicKey"`
	Counter         uint64        `json:"counter"`
	PreviousCounter uint64        `json:"previousCounter"`
}

// headerLen is the deterministic encoded size: pub || counter || previous.
const headerLen = KeySize + 8 + 8

// Bytes returns the deterministic encoding used as AAD and in serialization.
func (h Header) Bytes() []byte {
	buf := make([]byte, headerLen)
	copy(buf, h.PublicKey[:])
	binary.BigEndian.PutUint64(buf[KeySize:], h.Counter)
	binary.BigEndian.PutUint64(buf[KeySize+8:], h.PreviousCounter)
	return buf
}

func headerFromBytes(buf []byte) (Header, error) {
	var h Header
	if len(buf) != headerLen {
		return h, fmt.Errorf("ratchet: header length %d", len(buf))
	}
	copy(h.PublicKey[:], buf[:KeySize])
	h.Counter = binary.BigEndian.Uint64(buf[KeySize:])
	h.PreviousCounter = binary.BigEndian.Uint64(buf[KeySize+8:])
	return h, nil
}

// Envelope is the sealed unit carried end-to-end through the pipeline.
type Envelope struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	Header     Header `json:"header"`
}

// seal encrypts plaintext under key with XChaCha20-Poly1305 using a random
// 24-byte nonce and the header bytes as additional data.
func seal(key [KeySize]byte, header Header, plaintext []byte) (*Envelope, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("ratchet: aead init: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("ratchet: nonce: %w", err)
	}
	ct := aead.Seal(nil, nonce, plaintext, header.Bytes())
	return &Envelope{Nonce: nonce, Ciphertext: ct, Header: header}, nil
}

// open decrypts an envelope under key; any tampering of nonce, ciphertext or
// header fails the AEAD tag check.
func open(key [KeySize]byte, env *Envelope) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("ratchet: aead init: %w", err)
	}
	if len(env.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrAuthFailed
	}
	pt, err := aead.Open(nil, env.Nonce, env.Ciphertext, env.Header.Bytes())
	if err != nil {
		return nil, ErrAuthFailed
	}
	return pt, nil
}
