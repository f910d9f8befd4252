package ratchet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pair builds two sessions sharing a symmetric chain seed, the shape client
// tests use: alice sends, bob receives.
func pair(t *testing.T, maxSkipped int) (alice, bob *State) {
	t.Helper()

	ak, err := GenerateKeyPair()
	require.NoError(t, err)
	bk, err := GenerateKeyPair()
	require.NoError(t, err)

	rootA, chainA, err := Handshake(ak.Secret, bk.Public)
	require.NoError(t, err)
	rootB, chainB, err := Handshake(bk.Secret, ak.Public)
	require.NoError(t, err)
	require.Equal(t, rootA, rootB, "handshake must agree on the root key")
	require.Equal(t, chainA, chainB, "handshake must agree on the chain key")

	alice = Initialize(ak, bk.Public, rootA, chainA, true, Options{MaxSkipped: maxSkipped})
	bob = Initialize(bk, ak.Public, rootB, chainB, false, Options{MaxSkipped: maxSkipped})
	return alice, bob
}

func TestSealOpenRoundTrip(t *testing.T) {
	alice, bob := pair(t, -1)

	env, err := alice.Encrypt([]byte("hello bob"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, env.Header.Counter)

	pt, err := bob.Decrypt(env)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello bob"), pt)
	assert.EqualValues(t, 1, bob.Recv.Counter)
}

func TestTamperingFailsAuth(t *testing.T) {
	mutations := []struct {
		name   string
		mutate func(*Envelope)
	}{
		{"ciphertext", func(e *Envelope) { e.Ciphertext[0] ^= 0x01 }},
		{"nonce", func(e *Envelope) { e.Nonce[3] ^= 0x01 }},
		{"header counter", func(e *Envelope) { e.Header.PreviousCounter++ }},
	}
	for _, tc := range mutations {
		t.Run(tc.name, func(t *testing.T) {
			alice, bob := pair(t, -1)
			env, err := alice.Encrypt([]byte("payload"))
			require.NoError(t, err)

			tc.mutate(env)
			_, err = bob.Decrypt(env)
			assert.ErrorIs(t, err, ErrAuthFailed)
			// The receive chain must not have advanced.
			assert.EqualValues(t, 0, bob.Recv.Counter)
		})
	}
}

func TestOutOfOrderDelivery(t *testing.T) {
	// Scenario: m1,m2,m3 sent, delivered as m2,m1,m3. m1 must come out of the
	// skipped map and the receive counter must finish at 3.
	alice, bob := pair(t, -1)

	m1, err := alice.Encrypt([]byte("m1"))
	require.NoError(t, err)
	m2, err := alice.Encrypt([]byte("m2"))
	require.NoError(t, err)
	m3, err := alice.Encrypt([]byte("m3"))
	require.NoError(t, err)

	pt, err := bob.Decrypt(m2)
	require.NoError(t, err)
	assert.Equal(t, []byte("m2"), pt)
	assert.Equal(t, 1, bob.SkippedCount(), "key for m1 must be parked")

	pt, err = bob.Decrypt(m1)
	require.NoError(t, err)
	assert.Equal(t, []byte("m1"), pt)
	assert.Equal(t, 0, bob.SkippedCount(), "skipped entry consumed")

	pt, err = bob.Decrypt(m3)
	require.NoError(t, err)
	assert.Equal(t, []byte("m3"), pt)
	assert.EqualValues(t, 3, bob.Recv.Counter)
}

func TestSkippedEntryConsumedOnce(t *testing.T) {
	alice, bob := pair(t, -1)

	m1, err := alice.Encrypt([]byte("m1"))
	require.NoError(t, err)
	m2, err := alice.Encrypt([]byte("m2"))
	require.NoError(t, err)

	_, err = bob.Decrypt(m2)
	require.NoError(t, err)
	_, err = bob.Decrypt(m1)
	require.NoError(t, err)

	_, err = bob.Decrypt(m1)
	assert.ErrorIs(t, err, ErrReplay)
}

func TestReplayOfDeliveredCounter(t *testing.T) {
	alice, bob := pair(t, -1)

	env, err := alice.Encrypt([]byte("once"))
	require.NoError(t, err)
	_, err = bob.Decrypt(env)
	require.NoError(t, err)

	_, err = bob.Decrypt(env)
	assert.ErrorIs(t, err, ErrReplay)
}

func TestMaxSkippedZeroFailsOnGap(t *testing.T) {
	alice, bob := pair(t, 0)

	_, err := alice.Encrypt([]byte("m1"))
	require.NoError(t, err)
	m2, err := alice.Encrypt([]byte("m2"))
	require.NoError(t, err)

	_, err = bob.Decrypt(m2)
	assert.ErrorIs(t, err, ErrSkippedLimit)
	assert.EqualValues(t, 0, bob.Recv.Counter)
}

func TestSkippedFIFOEviction(t *testing.T) {
	alice, bob := pair(t, 2)

	envs := make([]*Envelope, 0, 4)
	for i := 0; i < 4; i++ {
		env, err := alice.Encrypt([]byte{byte(i)})
		require.NoError(t, err)
		envs = append(envs, env)
	}

	// Deliver only m4: keys for m1..m3 need parking but capacity is 2, so the
	// oldest (m1) is evicted.
	_, err := bob.Decrypt(envs[3])
	require.NoError(t, err)
	assert.Equal(t, 2, bob.SkippedCount())

	_, err = bob.Decrypt(envs[0])
	assert.ErrorIs(t, err, ErrReplay, "evicted key is unrecoverable")

	_, err = bob.Decrypt(envs[1])
	require.NoError(t, err)
	_, err = bob.Decrypt(envs[2])
	require.NoError(t, err)
}

func TestSendCounterMonotonic(t *testing.T) {
	alice, _ := pair(t, -1)
	var last uint64
	for i := 0; i < 16; i++ {
		env, err := alice.Encrypt([]byte("x"))
		require.NoError(t, err)
		require.Greater(t, env.Header.Counter, last)
		last = env.Header.Counter
	}
}

func TestStateCodecRoundTrip(t *testing.T) {
	alice, bob := pair(t, 8)

	// Put the session into a non-trivial shape: advanced chains plus a
	// parked skipped key.
	_, err := alice.Encrypt([]byte("m1"))
	require.NoError(t, err)
	m2, err := alice.Encrypt([]byte("m2"))
	require.NoError(t, err)
	_, err = bob.Decrypt(m2)
	require.NoError(t, err)

	raw, err := EncodeState(bob)
	require.NoError(t, err)

	restored, err := DecodeState(raw)
	require.NoError(t, err)
	assert.Equal(t, bob.RootKey, restored.RootKey)
	assert.Equal(t, bob.Send, restored.Send)
	assert.Equal(t, bob.Recv, restored.Recv)
	assert.Equal(t, bob.RemotePub, restored.RemotePub)
	assert.Equal(t, bob.MaxSkipped, restored.MaxSkipped)
	assert.Equal(t, bob.skipOrder, restored.skipOrder)
	assert.Equal(t, bob.skipped, restored.skipped)
}

func TestStateCodecRejectsTampering(t *testing.T) {
	alice, _ := pair(t, -1)
	raw, err := EncodeState(alice)
	require.NoError(t, err)

	raw[len(raw)/2] ^= 0x01
	_, err = DecodeState(raw)
	assert.Error(t, err)
}

func TestStateCodecRejectsTruncation(t *testing.T) {
	alice, _ := pair(t, -1)
	raw, err := EncodeState(alice)
	require.NoError(t, err)

	_, err = DecodeState(raw[:len(raw)-5])
	assert.Error(t, err)
}

func TestDHRatchetStep(t *testing.T) {
	// A foreign public key in the header forces a full DH step: new root, new
	// chains, fresh local pair, cleared skipped map.
	alice, bob := pair(t, -1)

	m1, err := alice.Encrypt([]byte("m1"))
	require.NoError(t, err)
	m2, err := alice.Encrypt([]byte("m2"))
	require.NoError(t, err)
	_, err = bob.Decrypt(m2)
	require.NoError(t, err)
	require.Equal(t, 1, bob.SkippedCount())
	_ = m1

	prevRoot := bob.RootKey
	prevLocal := bob.LocalKey.Public

	foreign, err := GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, bob.dhRatchet(foreign.Public))

	assert.NotEqual(t, prevRoot, bob.RootKey)
	assert.NotEqual(t, prevLocal, bob.LocalKey.Public)
	assert.Equal(t, foreign.Public, bob.RemotePub)
	assert.Equal(t, 0, bob.SkippedCount())
	assert.EqualValues(t, 0, bob.Send.Counter)
	assert.EqualValues(t, 0, bob.Recv.Counter)
}
