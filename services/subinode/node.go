package subinode

import (
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/SubiPlatform/SubiCore/errors"
)

// NodeState is the C3 node-record lifecycle.
type NodeState int

const (
	PreEnabled NodeState = iota
	Enabled
	Expired
	OutpointSpent
	UpdateRequired
	WatchdogExpired
	NewStartRequired
	PoSeBanned
)

func (s NodeState) String() string {
	switch s {
	case PreEnabled:
		return "PreEnabled"
	case Enabled:
		return "Enabled"
	case Expired:
		return "Expired"
	case OutpointSpent:
		return "OutpointSpent"
	case UpdateRequired:
		return "UpdateRequired"
	case WatchdogExpired:
		return "WatchdogExpired"
	case NewStartRequired:
		return "NewStartRequired"
	case PoSeBanned:
		return "PoSeBanned"
	default:
		return "Unknown"
	}
}

// Timing constants governing the node lifecycle and wire protocol.
const (
	CheckIntervalSeconds      = 60
	MinMnpSeconds             = 10 * 60
	ExpirationSeconds         = 65 * 60
	WatchdogMaxSeconds        = 120 * 60
	NewStartRequiredSeconds   = 180 * 60
	PoSeBanMaxScore           = 5
	MinProtocolForPayments    = 70021
	MaxPoSeConnections        = 10
	MaxPoSeRank               = 10
	MaxPoSeBlocks             = 10
	SignaturesRequired        = 6
	SignaturesTotal           = 10
	DsegUpdateSeconds         = 3 * 60 * 60
	MnbRecoveryQuorumTotal    = 10
	MnbRecoveryQuorumRequired = 6
	MnbRecoveryWaitSeconds    = 60
	MnbRecoveryRetrySeconds   = 3 * 60 * 60
	MinIndexRebuildTime       = 60 * 60
	SyncTickSeconds           = 6
	SyncTimeoutSeconds        = 30
	CollateralAmount          = 10_000
	EnoughPeers               = 1
	MaxTipAgeSeconds          = 24 * 60 * 60
	SyncSuspendResetSeconds   = 60 * 60
)

// Node is the C3 service-node record.
type Node struct {
	CollateralOutpoint Outpoint
	NetAddr            NetAddr
	CollateralPubKey   PubKey
	ServicePubKey      PubKey
	AnnounceSig        Signature
	AnnounceTime       time.Time
	LastPing           *PingMsg

	ActiveState           NodeState
	LastCheckedTime       time.Time
	LastPaidTime          time.Time
	LastPaidBlockHeight   uint32
	CachedCollateralBlock uint32

	ProtocolVersion    uint32
	PoSeBanScore       int
	PoSeBanUntilHeight uint32
}

// NewNode builds a fresh record from an accepted announce, state
// PreEnabled.
func NewNode(a *AnnounceMsg, collateralBlock uint32) *Node {
	return &Node{
		CollateralOutpoint:    a.CollateralOutpoint,
		NetAddr:               a.Addr,
		CollateralPubKey:      a.CollateralPubKey,
		ServicePubKey:         a.ServicePubKey,
		AnnounceSig:           a.AnnounceSig,
		AnnounceTime:          a.AnnounceTime,
		LastPing:              a.LastPing,
		ActiveState:           PreEnabled,
		CachedCollateralBlock: collateralBlock,
		ProtocolVersion:       a.ProtocolVersion,
	}
}

// CheckParams carries the external facts Check needs without requiring
// Node to hold a reference to the chain/UTXO collaborators itself.
type CheckParams struct {
	Now             time.Time
	TipHeight       uint32
	NodeCount       int
	OutpointSpent   bool
	WatchdogActive  bool
	WatchdogVoteAt  time.Time
}

// Check evaluates the state machine transitions in documented priority
// order. It is idempotent and throttled to once every
// CheckIntervalSeconds unless force is true.
func (n *Node) Check(p CheckParams, force bool) {
	if !force && !p.Now.IsZero() && !n.LastCheckedTime.IsZero() {
		if p.Now.Sub(n.LastCheckedTime) < CheckIntervalSeconds*time.Second {
			return
		}
	}

	n.LastCheckedTime = p.Now

	switch {
	case p.OutpointSpent:
		n.ActiveState = OutpointSpent
		return
	case n.PoSeBanScore >= PoSeBanMaxScore:
		if n.ActiveState != PoSeBanned {
			n.PoSeBanUntilHeight = p.TipHeight + uint32(p.NodeCount)
		}

		n.ActiveState = PoSeBanned

		if p.TipHeight > n.PoSeBanUntilHeight && n.PoSeBanScore > 0 {
			n.PoSeBanScore--
		}

		return
	case n.ProtocolVersion < MinProtocolForPayments:
		n.ActiveState = UpdateRequired
		return
	case n.LastPing == nil || p.Now.Sub(n.LastPing.PingTime) > NewStartRequiredSeconds*time.Second:
		n.ActiveState = NewStartRequired
		return
	case p.WatchdogActive && p.Now.Sub(p.WatchdogVoteAt) > WatchdogMaxSeconds*time.Second:
		n.ActiveState = WatchdogExpired
		return
	case p.Now.Sub(n.LastPing.PingTime) > ExpirationSeconds*time.Second:
		n.ActiveState = Expired
		return
	case n.LastPing.PingTime.Sub(n.AnnounceTime) < MinMnpSeconds*time.Second:
		n.ActiveState = PreEnabled
		return
	default:
		n.ActiveState = Enabled
	}
}

// UpdateFromNewAnnounce adopts b's fields if it supersedes the current
// record. A non-recovery announce with announce_time <=
// the existing one is rejected as a no-op.
func (n *Node) UpdateFromNewAnnounce(b *AnnounceMsg) error {
	if !b.AnnounceTime.After(n.AnnounceTime) && !b.Recovery {
		return errors.New(errors.ERR_STATE_INVALID, "node: announce does not supersede existing record")
	}

	n.NetAddr = b.Addr
	n.CollateralPubKey = b.CollateralPubKey
	n.ServicePubKey = b.ServicePubKey
	n.AnnounceSig = b.AnnounceSig
	n.AnnounceTime = b.AnnounceTime
	n.ProtocolVersion = b.ProtocolVersion
	n.PoSeBanScore = 0

	if b.LastPing != nil {
		n.LastPing = b.LastPing
	}

	return nil
}

// Score computes the deterministic 256-bit PoSe/ranking score for this
// node against blockHash: a hash of blockHash combined with
// the outpoint's (tx_hash, n). Must match bit-for-bit across nodes, so
// it is a pure function of public fields only.
func (n *Node) Score(blockHash [32]byte) [32]byte {
	buf := make([]byte, 0, 32+32+4)
	buf = append(buf, blockHash[:]...)
	buf = append(buf, n.CollateralOutpoint.Hash[:]...)

	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], n.CollateralOutpoint.Index)
	buf = append(buf, idx[:]...)

	return sha256.Sum256(buf)
}

// scoreLess orders two 256-bit scores for ranking (descending score
// wins, i.e. the node with the numerically greater score ranks first).
func scoreLess(a, b [32]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}

	return false
}

