package subinode

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ordishs/go-utils"

	"github.com/SubiPlatform/SubiCore/util"
)

// testLogger builds a component logger for test fixtures the same way
// Service wires real components (util.NewComponentLogger), rather than
// hand-rolling a fake against the ordishs/go-utils Logger interface.
func testLogger() utils.Logger {
	return util.NewComponentLogger("test")
}

// fakeChain is a minimal in-memory ChainView fixture: a tip height and a
// sparse map of known block hashes, enough to drive every
// rank/ping/announce path that consults chain state.
type fakeChain struct {
	mu     sync.Mutex
	tip    uint32
	hashes map[uint32][32]byte
	times  map[uint32]time.Time
}

func newFakeChain(tip uint32) *fakeChain {
	return &fakeChain{tip: tip, hashes: make(map[uint32][32]byte), times: make(map[uint32]time.Time)}
}

func (c *fakeChain) setHash(height uint32, h [32]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.hashes[height] = h
}

// hashAtHeight deterministically derives a hash from the height so tests
// don't need to hand-populate every height they reference.
func hashAtHeight(height uint32) [32]byte {
	var h [32]byte
	h[0] = byte(height)
	h[1] = byte(height >> 8)
	h[2] = byte(height >> 16)
	h[3] = byte(height >> 24)
	h[31] = 0xAA

	return h
}

func (c *fakeChain) TipHeight(_ context.Context) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.tip, nil
}

func (c *fakeChain) BlockHashAtHeight(_ context.Context, height uint32) ([32]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if h, ok := c.hashes[height]; ok {
		return h, true, nil
	}

	if height > c.tip {
		return [32]byte{}, false, nil
	}

	return hashAtHeight(height), true, nil
}

func (c *fakeChain) BlockTimeAtHeight(_ context.Context, height uint32) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.times[height]; ok {
		return t, nil
	}

	return time.Unix(int64(height)*600, 0), nil
}

// utxoEntry describes one collateral UTXO fakeUTXOSource knows about.
type utxoEntry struct {
	value    int64
	height   uint32
	pubKeyID []byte
}

type fakeUTXOSource struct {
	mu      sync.Mutex
	entries map[Outpoint]utxoEntry
}

func newFakeUTXOSource() *fakeUTXOSource {
	return &fakeUTXOSource{entries: make(map[Outpoint]utxoEntry)}
}

func (u *fakeUTXOSource) set(out Outpoint, e utxoEntry) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.entries[out] = e
}

func (u *fakeUTXOSource) spend(out Outpoint) {
	u.mu.Lock()
	defer u.mu.Unlock()

	delete(u.entries, out)
}

func (u *fakeUTXOSource) Lookup(_ context.Context, out Outpoint) (int64, uint32, []byte, bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	e, ok := u.entries[out]
	if !ok {
		return 0, 0, nil, false, nil
	}

	return e.value, e.height, e.pubKeyID, true, nil
}

// fakeBroadcaster records every Relay/SendTo call instead of touching a
// real transport.
type fakeBroadcaster struct {
	mu       sync.Mutex
	relays   []string
	sentTo   []string
	peerID   string
	failNext bool
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{peerID: "local-peer"}
}

func (b *fakeBroadcaster) Relay(_ context.Context, opcode string, _ []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.relays = append(b.relays, opcode)

	return nil
}

func (b *fakeBroadcaster) SendTo(_ context.Context, peerID string, opcode string, _ []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sentTo = append(b.sentTo, peerID+":"+opcode)

	return nil
}

func (b *fakeBroadcaster) LocalPeerID() string {
	return b.peerID
}

func (b *fakeBroadcaster) relayCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.relays)
}

// fakeReward is a trivial RewardCalculator: the expected payment is a
// fixed fraction of the block's total output value, enough to exercise
// IsTransactionValid without needing the real reward curve (// Non-goal).
type fakeReward struct {
	fraction int64 // expected = totalOut / fraction
}

func newFakeReward() *fakeReward {
	return &fakeReward{fraction: 10}
}

func (r *fakeReward) ExpectedPayment(_ context.Context, _ uint32, totalOut int64) (int64, error) {
	return totalOut / r.fraction, nil
}

// testOutpoint builds a distinct outpoint from a small integer seed.
func testOutpoint(seed byte) Outpoint {
	var hash [32]byte
	hash[0] = seed
	hash[31] = 0xFF

	return Outpoint{Hash: hash, Index: uint32(seed)}
}

func testAddr(seed byte) NetAddr {
	return NetAddr{IP: net.IPv4(10, 0, 0, seed), Port: 9000 + uint16(seed)}
}

// newTestNode builds and signs a complete, valid announce for a fresh
// keypair, registering its collateral UTXO with utxos, and returns the
// announce plus the service private key so callers can sign further
// pings/votes as that node.
func newTestNode(utxos *fakeUTXOSource, seed byte, announceTime time.Time, collateralHeight uint32) (*AnnounceMsg, *secp256k1.PrivateKey) {
	signer := NewSigner()

	collateralPub, collateralPriv, err := signer.Derive([]byte{'c', seed})
	mustNoErr(err)

	servicePub, servicePriv, err := signer.Derive([]byte{'s', seed})
	mustNoErr(err)

	out := testOutpoint(seed)

	utxos.set(out, utxoEntry{value: CollateralAmount, height: collateralHeight, pubKeyID: collateralPub.ID()})

	a := &AnnounceMsg{
		CollateralOutpoint: out,
		Addr:               testAddr(seed),
		CollateralPubKey:   collateralPub,
		ServicePubKey:      servicePub,
		AnnounceTime:       announceTime,
		ProtocolVersion:    MinProtocolForPayments,
	}

	a.AnnounceSig = signer.Sign(a.SignableBytes(), collateralPriv)

	ping := &PingMsg{
		Outpoint: out,
		PingTime: announceTime,
	}
	ping.PingSig = signer.Sign(ping.SignableBytes(), servicePriv)
	a.LastPing = ping

	return a, servicePriv
}

func mustNoErr(err error) {
	if err != nil {
		panic(err)
	}
}
