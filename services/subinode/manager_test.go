package subinode

import (
	"context"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(chain *fakeChain, utxos *fakeUTXOSource) (*Manager, *fakeBroadcaster) {
	b := newFakeBroadcaster()
	m := NewManager(testLogger(), chain, utxos, b, NewEvents())

	return m, b
}

// Scenario 1: a fresh, well-formed announce for a newly-confirmed
// collateral outpoint is accepted and relayed.
func TestManager_Announce_FreshNodeAccepted(t *testing.T) {
	chain := newFakeChain(1000)
	utxos := newFakeUTXOSource()
	m, bcast := newTestManager(chain, utxos)

	now := time.Unix(1_700_000_000, 0)
	a, _ := newTestNode(utxos, 1, now, 900)

	err := m.Announce(context.Background(), a, now)
	require.NoError(t, err)

	n, ok := m.FindByOutpoint(a.CollateralOutpoint)
	require.True(t, ok)
	assert.Equal(t, PreEnabled, n.ActiveState)
	assert.Equal(t, 1, bcast.relayCount())
}

// Scenario 2: the identical announce replayed a second time is
// rejected as a duplicate and not relayed again.
func TestManager_Announce_DoubleAnnounceRejected(t *testing.T) {
	chain := newFakeChain(1000)
	utxos := newFakeUTXOSource()
	m, bcast := newTestManager(chain, utxos)

	now := time.Unix(1_700_000_000, 0)
	a, _ := newTestNode(utxos, 1, now, 900)

	require.NoError(t, m.Announce(context.Background(), a, now))
	err := m.Announce(context.Background(), a, now)

	assert.Error(t, err)
	assert.Equal(t, 1, bcast.relayCount(), "the duplicate must not be relayed")
}

// Scenario 3: a later announce from the same outpoint, with a newer
// announce_time, supersedes the record and resets its PoSe ban score.
func TestManager_Announce_NewerAnnounceSupersedes(t *testing.T) {
	chain := newFakeChain(1000)
	utxos := newFakeUTXOSource()
	m, _ := newTestManager(chain, utxos)

	now := time.Unix(1_700_000_000, 0)
	a1, _ := newTestNode(utxos, 1, now, 900)
	require.NoError(t, m.Announce(context.Background(), a1, now))

	n, _ := m.FindByOutpoint(a1.CollateralOutpoint)
	n.PoSeBanScore = 3

	signer := NewSigner()
	_, collateralPriv, err := signer.Derive([]byte{'c', 1})
	require.NoError(t, err)

	later := now.Add(time.Hour)
	a2 := &AnnounceMsg{
		CollateralOutpoint: a1.CollateralOutpoint,
		Addr:               a1.Addr,
		CollateralPubKey:   a1.CollateralPubKey,
		ServicePubKey:      a1.ServicePubKey,
		AnnounceTime:       later,
		ProtocolVersion:    MinProtocolForPayments,
	}
	a2.AnnounceSig = signer.Sign(a2.SignableBytes(), collateralPriv)

	require.NoError(t, m.Announce(context.Background(), a2, later))

	n2, _ := m.FindByOutpoint(a1.CollateralOutpoint)
	assert.Equal(t, later, n2.AnnounceTime)
	assert.Equal(t, 0, n2.PoSeBanScore)
}

func TestManager_Announce_RejectsBadSignature(t *testing.T) {
	chain := newFakeChain(1000)
	utxos := newFakeUTXOSource()
	m, _ := newTestManager(chain, utxos)

	now := time.Unix(1_700_000_000, 0)
	a, _ := newTestNode(utxos, 1, now, 900)
	a.AnnounceSig[0] ^= 0xFF

	err := m.Announce(context.Background(), a, now)
	assert.Error(t, err)

	_, ok := m.FindByOutpoint(a.CollateralOutpoint)
	assert.False(t, ok)
}

func TestManager_Announce_RejectsUnknownCollateral(t *testing.T) {
	chain := newFakeChain(1000)
	utxos := newFakeUTXOSource()
	m, _ := newTestManager(chain, utxos)

	signer := NewSigner()
	collateralPub, collateralPriv, err := signer.Derive([]byte{'c', 9})
	require.NoError(t, err)
	servicePub, _, err := signer.Derive([]byte{'s', 9})
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	a := &AnnounceMsg{
		CollateralOutpoint: testOutpoint(9), // never registered with utxos
		Addr:               testAddr(9),
		CollateralPubKey:   collateralPub,
		ServicePubKey:      servicePub,
		AnnounceTime:       now,
		ProtocolVersion:    MinProtocolForPayments,
	}
	a.AnnounceSig = signer.Sign(a.SignableBytes(), collateralPriv)

	err = m.Announce(context.Background(), a, now)
	assert.Error(t, err)
}

func TestManager_Rank_UnknownBlockHashIsMinusOne(t *testing.T) {
	chain := newFakeChain(10) // tip well below the requested height
	utxos := newFakeUTXOSource()
	m, _ := newTestManager(chain, utxos)

	now := time.Unix(1_700_000_000, 0)
	a, _ := newTestNode(utxos, 1, now, 1)
	require.NoError(t, m.Announce(context.Background(), a, now))

	rank := m.Rank(context.Background(), a.CollateralOutpoint, 9999, 0, false)
	assert.Equal(t, -1, rank)
}

func TestManager_Ranks_OrderedByScoreDescending(t *testing.T) {
	chain := newFakeChain(1000)
	utxos := newFakeUTXOSource()
	m, _ := newTestManager(chain, utxos)

	now := time.Unix(1_700_000_000, 0)

	for i := byte(1); i <= 5; i++ {
		a, _ := newTestNode(utxos, i, now, 1)
		require.NoError(t, m.Announce(context.Background(), a, now))
	}

	ranks, err := m.Ranks(context.Background(), 500, 0)
	require.NoError(t, err)
	require.Len(t, ranks, 5)

	hash, _, _ := chain.BlockHashAtHeight(context.Background(), 500)

	for i := 0; i+1 < len(ranks); i++ {
		niOut := ranks[i].CollateralOutpoint
		njOut := ranks[i+1].CollateralOutpoint

		niNode, _ := m.FindByOutpoint(niOut)
		njNode, _ := m.FindByOutpoint(njOut)

		assert.False(t, scoreLess(niNode.Score(hash), njNode.Score(hash)), "ranks must be in descending score order")
	}
}

func TestManager_CheckAndRemove_EvictsSpentOutpoint(t *testing.T) {
	chain := newFakeChain(1000)
	utxos := newFakeUTXOSource()
	m, _ := newTestManager(chain, utxos)

	now := time.Unix(1_700_000_000, 0)
	a, _ := newTestNode(utxos, 1, now, 1)
	require.NoError(t, m.Announce(context.Background(), a, now))

	utxos.spend(a.CollateralOutpoint)

	m.CheckAndRemove(context.Background(), now.Add(time.Minute), 1000)

	_, ok := m.FindByOutpoint(a.CollateralOutpoint)
	assert.False(t, ok, "a node whose collateral is spent must be removed")
}

func TestManager_HandleVerifyBroadcast_AdjustsScoresOnSameAddress(t *testing.T) {
	chain := newFakeChain(1000)
	utxos := newFakeUTXOSource()
	m, _ := newTestManager(chain, utxos)

	now := time.Unix(1_700_000_000, 0)

	// Two nodes sharing one address, as in a same-address PoSe violation.
	a1, priv1 := newTestNode(utxos, 1, now, 1)
	a2, _ := newTestNode(utxos, 2, now, 1)
	a2.Addr = a1.Addr

	require.NoError(t, m.Announce(context.Background(), a1, now))
	require.NoError(t, m.Announce(context.Background(), a2, now))

	n1, _ := m.FindByOutpoint(a1.CollateralOutpoint)
	n2, _ := m.FindByOutpoint(a2.CollateralOutpoint)
	n1.PoSeBanScore = 2
	n2.PoSeBanScore = 2

	signer := NewSigner()

	v := &VerifyMsg{
		Addr:        a1.Addr,
		Nonce:       42,
		BlockHeight: 900,
		Vin1:        &a1.CollateralOutpoint,
		Vin2:        &a2.CollateralOutpoint,
	}
	v.Sig1 = signer.Sign(v.ReplySignableBytes(), priv1)

	// vin2 (a2) signs the broadcast payload with its own service key,
	// derived the same way newTestNode derived it for seed 2.
	signer2Pub, signer2Priv, err := NewSigner().Derive([]byte{'s', 2})
	require.NoError(t, err)
	require.Equal(t, a2.ServicePubKey, signer2Pub)
	v.Sig2 = signer.Sign(v.BroadcastSignableBytes(), signer2Priv)

	err = m.HandleVerifyBroadcast(context.Background(), v, 900)
	require.NoError(t, err)

	assert.Equal(t, 1, n1.PoSeBanScore, "vin1's score is reduced on a verified broadcast")
	assert.Equal(t, 3, n2.PoSeBanScore, "a same-address peer's score is bumped once vin1 is verified")
}

func TestManager_SameAddressSweep_PenalizesUnverifiedPeers(t *testing.T) {
	chain := newFakeChain(1000)
	utxos := newFakeUTXOSource()
	m, _ := newTestManager(chain, utxos)

	now := time.Unix(1_700_000_000, 0)

	a1, _ := newTestNode(utxos, 1, now, 1)
	a2, _ := newTestNode(utxos, 2, now, 1)
	a2.Addr = a1.Addr

	require.NoError(t, m.Announce(context.Background(), a1, now))
	require.NoError(t, m.Announce(context.Background(), a2, now))

	n1, _ := m.FindByOutpoint(a1.CollateralOutpoint)
	n2, _ := m.FindByOutpoint(a2.CollateralOutpoint)

	n1.PoSeBanScore = 0 // verified
	n2.PoSeBanScore = 2 // unverified

	m.SameAddressSweep()

	assert.Equal(t, 0, n1.PoSeBanScore)
	assert.Equal(t, 3, n2.PoSeBanScore, "an unverified peer sharing an address with a verified one gets bumped")
}

// selfSigner is a minimal Sign-only stand-in for the service key a real
// ActiveSelf.ServiceSigner would hand HandleVerifyReply.
type selfSigner struct {
	priv *secp256k1.PrivateKey
}

func (s selfSigner) Sign(msg []byte) Signature {
	return NewSigner().Sign(msg, s.priv)
}

func TestManager_StartPoseRound_RequesterSideRoundTrip(t *testing.T) {
	chain := newFakeChain(1000)
	utxos := newFakeUTXOSource()
	m, b := newTestManager(chain, utxos)

	now := time.Unix(1_700_000_000, 0)
	ctx := context.Background()

	// 12 nodes, enough that a self at rank 0 has a valid target at
	// selfRank+MaxPoSeRank (10) within bounds, and at most one PoSe
	// target gets selected (10, then 20 is out of range).
	servicePriv := make(map[Outpoint]*secp256k1.PrivateKey)
	for seed := byte(1); seed <= 12; seed++ {
		a, priv := newTestNode(utxos, seed, now, 1)
		require.NoError(t, m.Announce(ctx, a, now))
		servicePriv[a.CollateralOutpoint] = priv
	}

	ranks, err := m.Ranks(ctx, 999, MinProtocolForPayments)
	require.NoError(t, err)
	require.Len(t, ranks, 12)

	self := ranks[0]
	target := ranks[10]

	require.NoError(t, m.StartPoseRound(ctx, self.CollateralOutpoint, 1000))

	m.pendingVerifyMu.Lock()
	require.Len(t, m.pendingVerify, 1, "exactly one target lies at selfRank+MaxPoSeRank within a 12-node ranking")
	var pv *pendingVerify
	for _, v := range m.pendingVerify {
		pv = v
	}
	m.pendingVerifyMu.Unlock()

	require.Equal(t, target.NetAddr.String(), pv.addr.String())
	require.Equal(t, uint32(999), pv.blockHeight)
	assert.Contains(t, b.sentTo, target.NetAddr.String()+":"+OpVerify)

	blockHash, ok, err := chain.BlockHashAtHeight(ctx, 999)
	require.NoError(t, err)
	require.True(t, ok)

	reply := &VerifyMsg{Addr: pv.addr, Nonce: pv.nonce, BlockHeight: pv.blockHeight, BlockHash: blockHash}
	signer := NewSigner()
	reply.Sig1 = signer.Sign(reply.ReplySignableBytes(), servicePriv[target.CollateralOutpoint])

	selfPriv := servicePriv[self.CollateralOutpoint]

	err = m.HandleVerifyReply(ctx, reply, self.CollateralOutpoint, signer, selfSigner{priv: selfPriv})
	require.NoError(t, err)

	targetNode, _ := m.FindByOutpoint(target.CollateralOutpoint)
	assert.Equal(t, 0, targetNode.PoSeBanScore, "a valid reply never raises the target's score")
	assert.Contains(t, b.relays, OpVerify, "a validated reply is countersigned and relayed as a broadcast")

	// The pending request was consumed; replaying the same reply is
	// rejected rather than re-broadcast.
	err = m.HandleVerifyReply(ctx, reply, self.CollateralOutpoint, signer, selfSigner{priv: selfPriv})
	require.Error(t, err)
}

func TestManager_HandleVerifyReply_RejectsUnsolicitedReply(t *testing.T) {
	chain := newFakeChain(1000)
	utxos := newFakeUTXOSource()
	m, _ := newTestManager(chain, utxos)

	now := time.Unix(1_700_000_000, 0)
	ctx := context.Background()

	a, priv := newTestNode(utxos, 1, now, 1)
	require.NoError(t, m.Announce(ctx, a, now))

	signer := NewSigner()
	reply := &VerifyMsg{Addr: a.Addr, Nonce: 7, BlockHeight: 999}
	reply.Sig1 = signer.Sign(reply.ReplySignableBytes(), priv)

	err := m.HandleVerifyReply(ctx, reply, testOutpoint(99), signer, selfSigner{priv: priv})
	require.Error(t, err, "a reply with no matching StartPoseRound request is rejected")
}
