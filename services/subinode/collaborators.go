// Package subinode implements the service-node ("subinode") tier: nodes
// that announce themselves against a locked collateral UTXO, prove
// liveness with periodic pings, vote on which node is paid in each
// block, and bootstrap that shared state from peers on startup.
//
// The package never touches a UTXO set, a block, or a wallet directly —
// it consumes those through the narrow interfaces in this file, the same
// way the node's other services consume services/blockchain.ClientI
// rather than embedding chain state themselves.
package subinode

import (
	"context"
	"time"
)

// ChainView is the read-only view of the host chain this package needs:
// the current tip, a height-indexed hash, and the wall-clock-ish time a
// height settled. Nothing here lets subinode mutate chain state.
type ChainView interface {
	// TipHeight returns the current best height.
	TipHeight(ctx context.Context) (uint32, error)

	// BlockHashAtHeight returns the block hash at height, or ok=false if
	// height is beyond the chain's knowledge.
	BlockHashAtHeight(ctx context.Context, height uint32) (hash [32]byte, ok bool, err error)

	// BlockTimeAtHeight returns the block's timestamp, used to check a
	// collateral confirmation settled before an announce's signing time,
	// and by Sync.IsBlockchainSynced to judge tip freshness.
	BlockTimeAtHeight(ctx context.Context, height uint32) (time.Time, error)
}

// UTXOSource answers collateral-outpoint questions against the current
// UTXO set: does it exist, what value and height does it carry, and who
// can spend it.
type UTXOSource interface {
	// Lookup returns the collateral UTXO's value (in satoshi-equivalent
	// units), the height it was mined at, and the public key that can
	// spend it. ok is false if the outpoint is unknown or already spent.
	Lookup(ctx context.Context, out Outpoint) (value int64, height uint32, pubKeyID []byte, ok bool, err error)
}

// Broadcaster relays signed wire messages to the rest of the network and
// optionally to one peer directly (used for PoSe verify request/reply).
// p2pBroadcaster (transport.go) implements this over util/p2p.P2PNode:
// one gossipsub topic per opcode plus a direct stream for point-to-point
// replies.
type Broadcaster interface {
	// Relay publishes payload on the topic named by opcode to all peers.
	Relay(ctx context.Context, opcode string, payload []byte) error

	// SendTo delivers payload to a single peer, addressed by the opaque
	// peer id the transport assigned it (not the subinode's own net
	// address). Used for PoSe verify request/response.
	SendTo(ctx context.Context, peerID string, opcode string, payload []byte) error

	// LocalPeerID is this process's own transport-level peer id.
	LocalPeerID() string
}

// RewardCalculator computes the payment a block at height owes its
// elected payee given the block's total output value. The reward curve
// itself is explicitly out of scope (Non-goals); this interface
// is the seam IsTransactionValid uses to ask for that number without
// the payment voter needing to know the formula.
type RewardCalculator interface {
	ExpectedPayment(ctx context.Context, height uint32, totalOut int64) (int64, error)
}

// UnlockedWallet is what the active-self controller (C7) needs from the
// wallet: its own collateral outpoint and the keys to sign with. A
// locked or absent wallet returns ok=false rather than an error, since
// "not a service node" is an ordinary outcome, not a failure.
type UnlockedWallet interface {
	// FindCollateral locates the single UTXO matching the configured
	// collateral outpoint selector, returning it if unlocked and spendable.
	FindCollateral(ctx context.Context) (out Outpoint, collateralPub, servicePub PubKey, ok bool, err error)

	// SignWithCollateral signs msg with the collateral private key (used
	// for the announce signature).
	SignWithCollateral(ctx context.Context, msg []byte) (Signature, error)

	// SignWithService signs msg with the service private key (used for
	// ping, payment vote, and PoSe signatures).
	SignWithService(ctx context.Context, msg []byte) (Signature, error)
}
