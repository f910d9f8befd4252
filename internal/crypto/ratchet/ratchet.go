package ratchet

import (
	"errors"
)

// DefaultMaxSkipped bounds how many out-of-order message keys a session
// retains before evicting the oldest.
const DefaultMaxSkipped = 2000

var (
	// ErrReplay marks an envelope whose counter was already consumed and has
	// no skipped-key entry.
	ErrReplay = errors.New("ratchet: replayed counter")
	// ErrSkippedLimit marks an out-of-order receive that cannot store its
	// intermediate keys.
	ErrSkippedLimit = errors.New("ratchet: skipped key limit exceeded")
	// ErrAuthFailed marks an AEAD tag mismatch.
	ErrAuthFailed = errors.New("ratchet: decryption authentication failed")
)

// skippedKey identifies one stored out-of-order message key.
type skippedKey struct {
	Pub     [KeySize]byte
	Counter uint64
}

type chain struct {
	Key     [KeySize]byte
	Counter uint64
	Valid   bool
}

// State is a per-peer double-ratchet session.
//
// Send-chain counters never decrease; a skipped entry is consumed at most
// once; at most MaxSkipped skipped keys are stored, oldest evicted first.
type State struct {
	RootKey   [KeySize]byte
	Send      chain
	Recv      chain
	LocalKey  KeyPair
	RemotePub [KeySize]byte

	MaxSkipped int
	skipped    map[skippedKey][KeySize]byte
	skipOrder  []skippedKey
}

// Options tunes session initialization.
type Options struct {
	// MaxSkipped overrides DefaultMaxSkipped. Negative means default; zero
	// disables skipped-key storage entirely.
	MaxSkipped int
}

// Initialize builds a session from a completed handshake. The initiator seeds
// its send chain with the handshake chain key; the responder seeds its receive
// chain. Both sides derive fresh chains on the first DH ratchet step.
func Initialize(local KeyPair, remotePub [KeySize]byte, rootKey, chainKey [KeySize]byte, initiator bool, opts Options) *State {
	maxSkipped := opts.MaxSkipped
	if maxSkipped < 0 {
		maxSkipped = DefaultMaxSkipped
	}
	s := &State{
		RootKey:    rootKey,
		LocalKey:   local,
		RemotePub:  remotePub,
		MaxSkipped: maxSkipped,
		skipped:    make(map[skippedKey][KeySize]byte),
	}
	if initiator {
		s.Send = chain{Key: chainKey, Valid: true}
	} else {
		s.Recv = chain{Key: chainKey, Valid: true}
	}
	return s
}

// Encrypt advances the send chain one step and seals plaintext into an
// envelope whose header carries the sender's current ratchet public key.
func (s *State) Encrypt(plaintext []byte) (*Envelope, error) {
	if !s.Send.Valid {
		return nil, errors.New("ratchet: send chain uninitialized")
	}
	msgKey, next, err := kdfChain(s.Send.Key)
	if err != nil {
		return nil, err
	}
	header := Header{
		PublicKey:       s.LocalKey.Public,
		Counter:         s.Send.Counter + 1,
		PreviousCounter: s.Recv.Counter,
	}
	env, err := seal(msgKey, header, plaintext)
	if err != nil {
		return nil, err
	}
	s.Send.Key = next
	s.Send.Counter++
	return env, nil
}

// Decrypt opens an envelope, handling out-of-order delivery via the skipped
// map and foreign ratchet keys via a DH step. On ErrReplay, ErrSkippedLimit
// and ErrAuthFailed the session does not advance, except that intermediate
// skipped keys derived while walking toward the failing counter are retained.
func (s *State) Decrypt(env *Envelope) ([]byte, error) {
	// Consume-once path for keys stored during an earlier skip-advance.
	sk := skippedKey{Pub: env.Header.PublicKey, Counter: env.Header.Counter}
	if key, ok := s.skipped[sk]; ok {
		pt, err := open(key, env)
		if err != nil {
			return nil, err
		}
		s.dropSkipped(sk)
		return pt, nil
	}

	// Work on a staged copy; commit only after the AEAD check passes.
	w := s.clone()

	if env.Header.PublicKey != w.RemotePub {
		if err := w.dhRatchet(env.Header.PublicKey); err != nil {
			return nil, err
		}
	} else if env.Header.Counter <= w.Recv.Counter {
		return nil, ErrReplay
	}

	if !w.Recv.Valid {
		return nil, errors.New("ratchet: receive chain uninitialized")
	}

	// Advance up to the envelope's counter, retaining each intermediate key.
	for w.Recv.Counter+1 < env.Header.Counter {
		mk, next, err := kdfChain(w.Recv.Key)
		if err != nil {
			return nil, err
		}
		if err := w.storeSkipped(skippedKey{Pub: w.RemotePub, Counter: w.Recv.Counter + 1}, mk); err != nil {
			return nil, err
		}
		w.Recv.Key = next
		w.Recv.Counter++
	}

	msgKey, next, err := kdfChain(w.Recv.Key)
	if err != nil {
		return nil, err
	}
	pt, err := open(msgKey, env)
	if err != nil {
		// Keep the intermediate skipped keys so the genuine out-of-order
		// envelopes remain openable, but do not consume the target counter.
		if env.Header.PublicKey == s.RemotePub {
			s.adoptSkipped(w)
		}
		return nil, err
	}
	w.Recv.Key = next
	w.Recv.Counter = env.Header.Counter
	*s = *w
	return pt, nil
}

// dhRatchet derives a new root and both chain keys from the shared secret
// with the foreign public key, then installs a fresh local pair. The skipped
// map is cleared: keys from the previous chain are unrecoverable by design of
// the forward-secrecy contract.
func (s *State) dhRatchet(remotePub [KeySize]byte) error {
	shared, err := dh(s.LocalKey.Secret, remotePub)
	if err != nil {
		return err
	}
	prk := extractWithSalt(s.RootKey[:], shared)
	var newRoot, sendKey, recvKey [KeySize]byte
	if err := expand(prk, "dh", newRoot[:]); err != nil {
		return err
	}
	if err := expand(prk, "chain-send", sendKey[:]); err != nil {
		return err
	}
	if err := expand(prk, "chain-recv", recvKey[:]); err != nil {
		return err
	}
	fresh, err := GenerateKeyPair()
	if err != nil {
		return err
	}
	s.RootKey = newRoot
	s.Send = chain{Key: sendKey, Valid: true}
	s.Recv = chain{Key: recvKey, Valid: true}
	s.LocalKey = fresh
	s.RemotePub = remotePub
	s.skipped = make(map[skippedKey][KeySize]byte)
	s.skipOrder = nil
	return nil
}

func (s *State) storeSkipped(sk skippedKey, key [KeySize]byte) error {
	if s.MaxSkipped == 0 {
		return ErrSkippedLimit
	}
	for len(s.skipOrder) >= s.MaxSkipped {
		oldest := s.skipOrder[0]
		s.skipOrder = s.skipOrder[1:]
		delete(s.skipped, oldest)
	}
	s.skipped[sk] = key
	s.skipOrder = append(s.skipOrder, sk)
	return nil
}

func (s *State) dropSkipped(sk skippedKey) {
	delete(s.skipped, sk)
	for i, v := range s.skipOrder {
		if v == sk {
			s.skipOrder = append(s.skipOrder[:i], s.skipOrder[i+1:]...)
			break
		}
	}
}

// adoptSkipped merges staged skipped entries back after a failed open.
func (s *State) adoptSkipped(w *State) {
	for _, sk := range w.skipOrder {
		if _, ok := s.skipped[sk]; !ok {
			if key, present := w.skipped[sk]; present {
				// Re-apply through storeSkipped to keep FIFO bounds.
				_ = s.storeSkipped(sk, key)
			}
		}
	}
}

// SkippedCount reports how many out-of-order keys are currently retained.
func (s *State) SkippedCount() int { return len(s.skipOrder) }

func (s *State) clone() *State {
	w := &State{
		RootKey:    s.RootKey,
		Send:       s.Send,
		Recv:       s.Recv,
		LocalKey:   s.LocalKey,
		RemotePub:  s.RemotePub,
		MaxSkipped: s.MaxSkipped,
		skipped:    make(map[skippedKey][KeySize]byte, len(s.skipped)),
		skipOrder:  append([]skippedKey(nil), s.skipOrder...),
	}
	for k, v := range s.skipped {
		w.skipped[k] = v
	}
	return w
}
