package subinode

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"time"
)

// Wire opcodes, These are also the gossipsub topic names
// util/p2p.P2PNode joins one-per-opcode.
const (
	OpAnnounce         = "mnb"
	OpPing             = "mnp"
	OpDirectory        = "dseg"
	OpVerify           = "mnv"
	OpPaymentSync      = "mnget"
	OpPaymentVote      = "mnw"
	OpSyncStatusCount  = "ssc"
	OpGetSporks        = "getsporks"
)

// Outpoint identifies a collateral UTXO.
type Outpoint struct {
	Hash  [32]byte
	Index uint32
}

func (o Outpoint) String() string {
	return fmt.Sprintf("%s:%d", hex.EncodeToString(o.Hash[:]), o.Index)
}

// Short is the compact form used inside the payment-vote signable bytes.
func (o Outpoint) Short() string {
	return fmt.Sprintf("%s-%d", hex.EncodeToString(o.Hash[:8]), o.Index)
}

// NetAddr is an IPv4 endpoint.
type NetAddr struct {
	IP   net.IP
	Port uint16
}

func (a NetAddr) String() string {
	return fmt.Sprintf("%s:%d", a.IP.String(), a.Port)
}

// Valid reports whether a is a usable IPv4 endpoint.
func (a NetAddr) Valid() bool {
	return a.IP != nil && a.IP.To4() != nil && a.Port != 0
}

// PubKey is a serialized (compressed) secp256k1 public key.
type PubKey []byte

// ID derives the short identifier used in the announce signable bytes.
// This uses sha256 truncated to 20 bytes rather than carry a RIPEMD160
// dependency for a single derived id.
func (k PubKey) ID() []byte {
	return sha256Sum20(k)
}

// Signature is a DER-encoded ECDSA signature.
type Signature []byte

// AnnounceMsg is the `mnb` payload (field order, exact).
type AnnounceMsg struct {
	CollateralOutpoint Outpoint
	Addr                NetAddr
	CollateralPubKey    PubKey
	ServicePubKey       PubKey
	AnnounceSig         Signature
	AnnounceTime        time.Time
	ProtocolVersion     uint32
	LastPing            *PingMsg

	// Recovery is set locally (never transmitted) when this announce was
	// obtained through the manager's recovery flow, letting it supersede an existing record with an equal
	// announce_time.
	Recovery bool `json:"-"`
}

// SignableBytes is the byte-exact payload the collateral key signs
//: addr ‖ dec(announce_time) ‖ hex(collateral_pubkey_id) ‖
// hex(service_pubkey_id) ‖ dec(protocol_version).
func (a *AnnounceMsg) SignableBytes() []byte {
	buf := []byte(a.Addr.String())
	buf = append(buf, []byte(fmt.Sprintf("%d", a.AnnounceTime.Unix()))...)
	buf = append(buf, []byte(hex.EncodeToString(a.CollateralPubKey.ID()))...)
	buf = append(buf, []byte(hex.EncodeToString(a.ServicePubKey.ID()))...)
	buf = append(buf, []byte(fmt.Sprintf("%d", a.ProtocolVersion))...)

	return buf
}

// PingMsg is the `mnp` payload.
type PingMsg struct {
	Outpoint Outpoint
	BlockHash [32]byte
	PingTime  time.Time
	PingSig   Signature
}

// SignableBytes: outpoint.to_string() ‖ block_hash.hex() ‖ dec(ping_time).
func (p *PingMsg) SignableBytes() []byte {
	buf := []byte(p.Outpoint.String())
	buf = append(buf, []byte(hex.EncodeToString(p.BlockHash[:]))...)
	buf = append(buf, []byte(fmt.Sprintf("%d", p.PingTime.Unix()))...)

	return buf
}

// DirectoryMsg is the `dseg` payload; Outpoint is nil for "send everything".
type DirectoryMsg struct {
	Outpoint *Outpoint
}

// VerifyKind distinguishes the three sub-cases of a Verify message by
// field presence.
type VerifyKind int

const (
	VerifyRequest VerifyKind = iota
	VerifyReply
	VerifyBroadcast
)

// VerifyMsg is the `mnv` payload. Which fields are populated determines
// its Kind.
type VerifyMsg struct {
	Addr        NetAddr
	Nonce       uint64
	BlockHeight uint32

	// Present from VerifyReply onward.
	BlockHash [32]byte
	Sig1      Signature

	// Present only for VerifyBroadcast.
	Vin1 *Outpoint
	Vin2 *Outpoint
	Sig2 Signature
}

func (v *VerifyMsg) Kind() VerifyKind {
	switch {
	case v.Vin1 != nil && v.Vin2 != nil:
		return VerifyBroadcast
	case len(v.Sig1) > 0:
		return VerifyReply
	default:
		return VerifyRequest
	}
}

// ReplySignableBytes: sprintf("%s%d%s", addr, nonce, block_hash_hex).
func (v *VerifyMsg) ReplySignableBytes() []byte {
	return []byte(fmt.Sprintf("%s%d%s", v.Addr.String(), v.Nonce, hex.EncodeToString(v.BlockHash[:])))
}

// BroadcastSignableBytes: sprintf("%s%d%s%s%s", addr, nonce,
// block_hash_hex, vin1.short(), vin2.short()).
func (v *VerifyMsg) BroadcastSignableBytes() []byte {
	var vin1, vin2 string
	if v.Vin1 != nil {
		vin1 = v.Vin1.Short()
	}

	if v.Vin2 != nil {
		vin2 = v.Vin2.Short()
	}

	return []byte(fmt.Sprintf("%s%d%s%s%s", v.Addr.String(), v.Nonce, hex.EncodeToString(v.BlockHash[:]), vin1, vin2))
}

// PaymentSyncMsg is the `mnget` payload: how many heights of vote
// history the requester believes it still needs.
type PaymentSyncMsg struct {
	Count int
}

// PaymentVoteMsg is the `mnw` payload (field order, exact).
type PaymentVoteMsg struct {
	VoterOutpoint Outpoint
	TargetHeight  uint32
	PayeeScript   []byte
	VoterSig      Signature
}

// Hash is the deterministic vote identity: (payee_script, target_height,
// voter_outpoint).
func (v *PaymentVoteMsg) Hash() [32]byte {
	buf := make([]byte, 0, len(v.PayeeScript)+4+len(v.VoterOutpoint.Hash)+4)
	buf = append(buf, v.PayeeScript...)

	var h [4]byte
	binary.BigEndian.PutUint32(h[:], v.TargetHeight)
	buf = append(buf, h[:]...)
	buf = append(buf, v.VoterOutpoint.Hash[:]...)

	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], v.VoterOutpoint.Index)
	buf = append(buf, idx[:]...)

	return sha256Sum32(buf)
}

// SignableBytes: outpoint.short() ‖ dec(target_height) ‖ payee_script.asm_string().
func (v *PaymentVoteMsg) SignableBytes() []byte {
	buf := []byte(v.VoterOutpoint.Short())
	buf = append(buf, []byte(fmt.Sprintf("%d", v.TargetHeight))...)
	buf = append(buf, asmString(v.PayeeScript)...)

	return buf
}

// SyncStatusCountMsg is the `ssc` payload.
type SyncStatusCountMsg struct {
	ItemID int
	Count  int
}

// asmString renders a payee script for signing purposes; full script
// disassembly is out of scope (tx/script serialization is a Non-goal),
// so the raw bytes are hex-rendered, which is stable and deterministic
// across nodes.
func asmString(script []byte) []byte {
	return []byte(hex.EncodeToString(script))
}
