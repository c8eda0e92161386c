package subinode

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ordishs/go-utils"
)

// ActiveState is the active-self controller's sub-state. The state
// machine is small enough that a bare string status field becomes a
// typed enum here instead.
type ActiveState int

const (
	ActiveNotCapable ActiveState = iota
	ActiveSyncInProgress
	ActiveRemote
	ActiveLocal
	ActiveStarted
)

func (s ActiveState) String() string {
	switch s {
	case ActiveNotCapable:
		return "NotCapable"
	case ActiveSyncInProgress:
		return "SyncInProgress"
	case ActiveRemote:
		return "Remote"
	case ActiveLocal:
		return "Local"
	case ActiveStarted:
		return "Started"
	default:
		return "Unknown"
	}
}

// PeerView is what the active-self controller needs from the transport
// to learn its own externally-visible address and confirm it can be
// reached (steps 2 and 4).
type PeerView interface {
	// LocalAddrAsSeenByPeer asks a connected peer what address it sees
	// this process connecting from.
	LocalAddrAsSeenByPeer(ctx context.Context) (NetAddr, error)

	// CanDialSelf attempts to open and immediately close an outbound
	// connection to addr, returning whether it succeeded.
	CanDialSelf(ctx context.Context, addr NetAddr) bool
}

// NetworkParams names the mainnet/alt-net port so the controller can
// enforce port-matches-network rule without this
// package depending on a config package.
type NetworkParams struct {
	IsMainnet   bool
	MainnetPort uint16
}

func (p NetworkParams) portValid(port uint16) bool {
	if p.IsMainnet {
		return port == p.MainnetPort
	}

	return port != p.MainnetPort
}

// ActiveSelf is the C7 active-self controller: the logic a node that
// believes itself to be a service node runs to announce and keep
// itself alive.
type ActiveSelf struct {
	logger utils.Logger

	manager *Manager
	chain   ChainView
	utxos   UTXOSource
	wallet  UnlockedWallet
	peers   PeerView
	net     NetworkParams
	sync    *Sync

	mu         sync.Mutex
	state      ActiveState
	reason     string
	outpoint   Outpoint
	lastPingAt time.Time
}

func NewActiveSelf(logger utils.Logger, manager *Manager, chain ChainView, utxos UTXOSource, wallet UnlockedWallet, peers PeerView, net NetworkParams, sync *Sync) *ActiveSelf {
	return &ActiveSelf{
		logger:  logger,
		manager: manager,
		chain:   chain,
		utxos:   utxos,
		wallet:  wallet,
		peers:   peers,
		net:     net,
		sync:    sync,
		state:   ActiveNotCapable,
	}
}

// State returns the controller's current sub-state and, if
// NotCapable, the reason.
func (a *ActiveSelf) State() (ActiveState, string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.state, a.reason
}

// Outpoint returns this process's own collateral outpoint, if it has
// found one. ok is false whenever the controller is in NotCapable or
// SyncInProgress, including before the first successful Manage call
// locates it.
func (a *ActiveSelf) Outpoint() (out Outpoint, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == ActiveNotCapable || a.state == ActiveSyncInProgress {
		return Outpoint{}, false
	}

	return a.outpoint, true
}

// serviceSigner adapts UnlockedWallet.SignWithService to the single-
// method interface Manager.HandleVerifyReply expects, since that
// boundary only needs "sign with the service key", not the rest of the
// wallet's surface.
type serviceSigner struct {
	ctx    context.Context
	wallet UnlockedWallet
}

func (s serviceSigner) Sign(msg []byte) Signature {
	sig, err := s.wallet.SignWithService(s.ctx, msg)
	if err != nil {
		return nil
	}

	return sig
}

// ServiceSigner returns a signer bound to ctx for the requester side of
// PoSe verification (countersignature).
func (a *ActiveSelf) ServiceSigner(ctx context.Context) interface{ Sign([]byte) Signature } {
	return serviceSigner{ctx: ctx, wallet: a.wallet}
}

func (a *ActiveSelf) setNotCapable(reason string, args ...interface{}) {
	a.mu.Lock()
	a.state = ActiveNotCapable
	a.reason = fmt.Sprintf(reason, args...)
	a.mu.Unlock()

	a.logger.Debugf("active: not capable: %s", a.reason)
}

// Manage runs one iteration of the sequence. isRegtest skips
// the sync-gate check for local test networks.
func (a *ActiveSelf) Manage(ctx context.Context, isRegtest bool) error {
	if !isRegtest {
		synced, err := a.sync.IsBlockchainSynced(ctx, time.Now())
		if err != nil || !synced {
			a.mu.Lock()
			a.state = ActiveSyncInProgress
			a.mu.Unlock()

			return nil
		}
	}

	addr, err := a.peers.LocalAddrAsSeenByPeer(ctx)
	if err != nil {
		a.setNotCapable("detect external address: %v", err)
		return nil
	}

	if ip4 := addr.IP.To4(); ip4 == nil || !addr.Valid() || isPrivateOrReserved(ip4) {
		a.setNotCapable("external address %s is not a routable IPv4 address", addr.IP)
		return nil
	}

	if !a.net.portValid(addr.Port) {
		a.setNotCapable("port %d does not match network requirements", addr.Port)
		return nil
	}

	if !a.peers.CanDialSelf(ctx, addr) {
		a.setNotCapable("cannot connect outbound to advertised address %s", addr)
		return nil
	}

	out, collateralPub, servicePub, ok, err := a.wallet.FindCollateral(ctx)
	if err != nil {
		a.setNotCapable("find collateral: %v", err)
		return nil
	}

	if !ok {
		a.setNotCapable("wallet locked or holds no collateral")
		return nil
	}

	a.mu.Lock()
	a.outpoint = out
	a.mu.Unlock()

	if existing, found := a.manager.FindByOutpoint(out); found {
		switch existing.ActiveState {
		case Enabled, PreEnabled, Expired, WatchdogExpired:
			a.mu.Lock()
			a.state = ActiveStarted
			a.mu.Unlock()

			return a.maybePing(ctx, existing)
		}
	}

	a.mu.Lock()
	a.state = ActiveLocal
	a.mu.Unlock()

	return a.announceLocal(ctx, out, collateralPub, servicePub)
}

func (a *ActiveSelf) announceLocal(ctx context.Context, out Outpoint, collateralPub, servicePub PubKey) error {
	_, height, _, ok, err := a.utxos.Lookup(ctx, out)
	if err != nil {
		return err
	}

	if !ok {
		a.setNotCapable("collateral outpoint not found in UTXO set")
		return nil
	}

	tip, err := a.chain.TipHeight(ctx)
	if err != nil {
		return err
	}

	if tip < height {
		a.setNotCapable("collateral outpoint not yet confirmed")
		return nil
	}

	if tip-height < minCollateralConfirmations {
		a.setNotCapable("collateral has %d confirmations, need %d", tip-height, minCollateralConfirmations)
		return nil
	}

	addr, err := a.peers.LocalAddrAsSeenByPeer(ctx)
	if err != nil {
		return err
	}

	now := time.Now()

	b := &AnnounceMsg{
		CollateralOutpoint: out,
		Addr:               addr,
		CollateralPubKey:   collateralPub,
		ServicePubKey:      servicePub,
		AnnounceTime:       now,
		ProtocolVersion:    MinProtocolForPayments,
		LastPing: &PingMsg{
			Outpoint: out,
			PingTime: now,
		},
	}

	sig, err := a.wallet.SignWithCollateral(ctx, b.SignableBytes())
	if err != nil {
		return err
	}

	b.AnnounceSig = sig

	if err := a.manager.Announce(ctx, b, now); err != nil {
		return err
	}

	a.mu.Lock()
	a.state = ActiveStarted
	a.lastPingAt = time.Now()
	a.mu.Unlock()

	return nil
}

func (a *ActiveSelf) maybePing(ctx context.Context, node *Node) error {
	a.mu.Lock()
	due := time.Since(a.lastPingAt) >= MinMnpSeconds*time.Second
	a.mu.Unlock()

	if !due {
		return nil
	}

	tip, err := a.chain.TipHeight(ctx)
	if err != nil {
		return err
	}

	blockHash, ok, err := a.chain.BlockHashAtHeight(ctx, tip)
	if err != nil || !ok {
		return err
	}

	now := time.Now()

	p := &PingMsg{
		Outpoint:  node.CollateralOutpoint,
		BlockHash: blockHash,
		PingTime:  now,
	}

	sig, err := a.wallet.SignWithService(ctx, p.SignableBytes())
	if err != nil {
		return err
	}

	p.PingSig = sig

	if err := a.manager.Ping(ctx, p, now, tip); err != nil {
		return err
	}

	a.mu.Lock()
	a.lastPingAt = time.Now()
	a.mu.Unlock()

	return nil
}

const minCollateralConfirmations = 15

func isPrivateOrReserved(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsUnspecified() || ip.IsMulticast() || ip.IsLinkLocalUnicast() {
		return true
	}

	for _, block := range privateBlocks {
		if block.Contains(ip) {
			return true
		}
	}

	return false
}

var privateBlocks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))

	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}

		nets = append(nets, n)
	}

	return nets
}
