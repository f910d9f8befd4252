// Package ratchet implements the end-to-end session layer: an X25519
// key-agreement handshake and a double ratchet producing per-message keys,
// with XChaCha20-Poly1305 envelope sealing.
//
// The server never holds these keys; the package exists for clients and for
// verifying the envelope format end-to-end in tests.
package ratchet

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the byte length of X25519 keys and of every derived chain key.
const KeySize = 32

// KeyPair is an X25519 key-agreement pair.
type KeyPair struct {
	Public [KeySize]byte
	Secret [KeySize]byte
}

// GenerateKeyPair returns a fresh X25519 pair from crypto/rand.
func GenerateKeyPair() (KeyPair, error) {
	var kp KeyPair
	if _, err := io.ReadFull(rand.Reader, kp.Secret[:]); err != nil {
		return KeyPair{}, fmt.Errorf("ratchet: keygen: %w", err)
	}
	pub, err := curve25519.X25519(kp.Secret[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("ratchet: keygen: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// dh computes the X25519 shared secret between a local secret and remote public.
func dh(localSec, remotePub [KeySize]byte) ([]byte, error) {
	shared, err := curve25519.X25519(localSec[:], remotePub[:])
	if err != nil {
		return nil, fmt.Errorf("ratchet: dh: %w", err)
	}
	return shared, nil
}

// Handshake derives the initial root and chain keys from a completed
// key agreement: HKDF-Extract with an empty salt over the shared secret,
// then HKDF-Expand with the "root" and "chain" domain labels.
func Handshake(localSec, remotePub [KeySize]byte) (rootKey, chainKey [KeySize]byte, err error) {
	shared, err := dh(localSec, remotePub)
	if err != nil {
		return rootKey, chainKey, err
	}
	prk := hkdf.Extract(sha256.New, shared, nil)
	if err := expand(prk, "root", rootKey[:]); err != nil {
		return rootKey, chainKey, err
	}
	if err := expand(prk, "chain", chainKey[:]); err != nil {
		return rootKey, chainKey, err
	}
	return rootKey, chainKey, nil
}

// extractWithSalt runs HKDF-Extract with an explicit salt.
func extractWithSalt(salt, ikm []byte) []byte {
	return hkdf.Extract(sha256.New, ikm, salt)
}

// expand fills out with HKDF-Expand(prk, label).
func expand(prk []byte, label string, out []byte) error {
	r := hkdf.Expand(sha256.New, prk, []byte(label))
	if _, err := io.ReadFull(r, out); err != nil {
		return fmt.Errorf("ratchet: hkdf expand %q: %w", label, err)
	}
	return nil
}

// kdfChain advances a symmetric chain one step, yielding the message key for
// the next counter and the successor chain key.
func kdfChain(chainKey [KeySize]byte) (messageKey, nextChain [KeySize]byte, err error) {
	r := hkdf.Expand(sha256.New, chainKey[:], []byte("message"))
	var buf [2 * KeySize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return messageKey, nextChain, fmt.Errorf("ratchet: chain kdf: %w", err)
	}
	copy(messageKey[:], buf[:KeySize])
	copy(nextChain[:], buf[KeySize:])
	return messageKey, nextChain, nil
}
