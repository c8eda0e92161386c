package subinode

import (
	"bytes"
	"context"
	"net/url"
	"time"

	"github.com/ordishs/go-utils"

	"github.com/SubiPlatform/SubiCore/stores/blob"
	"github.com/SubiPlatform/SubiCore/util"
	"github.com/SubiPlatform/SubiCore/util/p2p"
)

// schedulerTickSeconds is the scheduler thread's maintenance tick period:
// node check/remove, active-self manage, and payment-voter cleanup all
// ride the same ~1s tick. The sync driver runs on its own SyncTickSeconds
// ticker.
const schedulerTickSeconds = 1

// Blob store keys this subsystem's two dumps live under.
var (
	managerStateKey  = []byte("subinode/manager")
	paymentsStateKey = []byte("subinode/payments")
)

// Service wires the manager, payment voter, sync driver, and active-self
// controller to a transport and a persistence store, and runs the
// scheduler thread that drives their periodic work.
type Service struct {
	logger utils.Logger

	node      *p2p.P2PNode
	transport Broadcaster
	store     blob.Store

	Manager  *Manager
	Payments *Payments
	Sync     *Sync
	Active   *ActiveSelf // nil when this process is not a service-node operator

	chain     ChainView
	isRegtest bool
}

// ServiceConfig carries the collaborators a caller assembles from the
// rest of the node (chain, UTXO set, wallet). The store URL this
// subsystem persists its own state under is passed to NewService
// separately.
type ServiceConfig struct {
	Chain     ChainView
	UTXOs     UTXOSource
	Reward    RewardCalculator
	Wallet    UnlockedWallet // nil if this process does not run a service node
	Peers     PeerView
	Net       NetworkParams
	IsRegtest bool
}

// NewService constructs the full component graph and restores any
// persisted manager and payments state from the store. It neither
// registers P2P handlers (Start does that) nor starts background work
// (Run does that).
func NewService(logger utils.Logger, node *p2p.P2PNode, storeURL *url.URL, cfg ServiceConfig) (*Service, error) {
	store, err := blob.NewStore(logger, storeURL)
	if err != nil {
		return nil, err
	}

	transport := NewP2PBroadcaster(node)
	events := NewEvents()

	manager := NewManager(util.NewComponentLogger("manager"), cfg.Chain, cfg.UTXOs, transport, events)
	payments := NewPayments(util.NewComponentLogger("payments"), manager, cfg.Chain, transport, events, cfg.Reward)
	syncDriver := NewSync(util.NewComponentLogger("sync"), manager, payments, cfg.Chain, transport, events)

	var active *ActiveSelf
	if cfg.Wallet != nil {
		active = NewActiveSelf(util.NewComponentLogger("active"), manager, cfg.Chain, cfg.UTXOs, cfg.Wallet, cfg.Peers, cfg.Net, syncDriver)
	}

	s := &Service{
		logger:    logger,
		node:      node,
		transport: transport,
		store:     store,
		Manager:   manager,
		Payments:  payments,
		Sync:      syncDriver,
		Active:    active,
		chain:     cfg.Chain,
		isRegtest: cfg.IsRegtest,
	}

	ctx := context.Background()

	if dump := LoadManagerState(ctx, store, managerStateKey); dump != nil {
		for _, n := range dump {
			manager.Add(n)
		}
	}

	if votes, buckets := LoadPaymentsState(ctx, store, paymentsStateKey); votes != nil || buckets != nil {
		payments.restore(votes, buckets)
	}

	return s, nil
}

// Start joins the wire topics, registers a handler for each of them
// except getsporks (joined, but no handler is registered), and registers
// the direct-stream handler.
func (s *Service) Start(ctx context.Context) error {
	if err := s.node.Start(ctx,
		OpAnnounce, OpPing, OpDirectory, OpVerify,
		OpPaymentSync, OpPaymentVote, OpSyncStatusCount, OpGetSporks,
	); err != nil {
		return err
	}

	handlers := map[string]p2p.Handler{
		OpAnnounce:        s.handleAnnounce,
		OpPing:            s.handlePing,
		OpDirectory:       s.handleDirectory,
		OpVerify:          s.handleVerify,
		OpPaymentSync:     s.handlePaymentSync,
		OpPaymentVote:     s.handlePaymentVote,
		OpSyncStatusCount: s.handleSyncStatusCount,
	}

	for topic, h := range handlers {
		if err := s.node.SetTopicHandler(ctx, topic, h); err != nil {
			return err
		}
	}

	return s.node.SetTopicHandler(ctx, p2p.DirectStreamTopic, s.handleDirectStream)
}

// Run drives the scheduler thread until ctx is canceled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(schedulerTickSeconds * time.Second)
	defer ticker.Stop()

	syncTicker := time.NewTicker(SyncTickSeconds * time.Second)
	defer syncTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-syncTicker.C:
			s.tickSync(ctx)
		case <-ticker.C:
			s.tickMaintenance(ctx)
		}
	}
}

func (s *Service) tickSync(ctx context.Context) {
	tip, err := s.chain.TipHeight(ctx)
	if err != nil {
		s.logger.Warnf("subinode: tip height: %v", err)
		return
	}

	s.Sync.Tick(ctx, s.knownPeerHeights(), tip)
}

func (s *Service) tickMaintenance(ctx context.Context) {
	now := time.Now()

	tip, err := s.chain.TipHeight(ctx)
	if err != nil {
		s.logger.Warnf("subinode: tip height: %v", err)
		return
	}

	s.Manager.CheckAndRemove(ctx, now, tip)
	s.Payments.CheckAndRemove(tip)
	s.Payments.SetStorageWindow(s.Manager.Count(0))

	if s.Active != nil {
		if err := s.Active.Manage(ctx, s.isRegtest); err != nil {
			s.logger.Warnf("subinode: active-self manage: %v", err)
		}
	}

	if err := SaveManagerState(ctx, s.store, managerStateKey, s.Manager.allNodes()); err != nil {
		s.logger.Warnf("subinode: save manager state: %v", err)
	}

	votes, buckets := s.Payments.snapshot()
	if err := SavePaymentsState(ctx, s.store, paymentsStateKey, votes, buckets); err != nil {
		s.logger.Warnf("subinode: save payments state: %v", err)
	}
}

// knownPeerHeights lists the peers the sync driver should poll, along
// with each one's last-reported common height. The transport does not
// expose a peer directory today, so this returns an empty slice; wiring
// a real peer list in is tracked as an open item.
func (s *Service) knownPeerHeights() []PeerHeight {
	return nil
}

func (s *Service) handleAnnounce(ctx context.Context, msg []byte, _ string) {
	var a AnnounceMsg
	if err := jsonUnmarshalInto(msg, &a); err != nil {
		s.logger.Debugf("subinode: bad announce payload: %v", err)
		return
	}

	if err := s.Manager.Announce(ctx, &a, time.Now()); err != nil {
		s.logger.Debugf("subinode: announce rejected: %v", err)
	}
}

func (s *Service) handlePing(ctx context.Context, msg []byte, _ string) {
	var p PingMsg
	if err := jsonUnmarshalInto(msg, &p); err != nil {
		s.logger.Debugf("subinode: bad ping payload: %v", err)
		return
	}

	tip, err := s.chain.TipHeight(ctx)
	if err != nil {
		return
	}

	if err := s.Manager.Ping(ctx, &p, time.Now(), tip); err != nil {
		s.logger.Debugf("subinode: ping rejected: %v", err)
	}
}

func (s *Service) handleDirectory(ctx context.Context, msg []byte, from string) {
	var req DirectoryMsg
	if err := jsonUnmarshalInto(msg, &req); err != nil {
		s.logger.Debugf("subinode: bad directory payload: %v", err)
		return
	}

	nodes := s.Manager.Directory(req.Outpoint)

	for _, n := range nodes {
		a := &AnnounceMsg{
			CollateralOutpoint: n.CollateralOutpoint,
			Addr:               n.NetAddr,
			CollateralPubKey:   n.CollateralPubKey,
			ServicePubKey:      n.ServicePubKey,
			AnnounceSig:        n.AnnounceSig,
			AnnounceTime:       n.AnnounceTime,
			ProtocolVersion:    n.ProtocolVersion,
			LastPing:           n.LastPing,
		}

		if err := s.transport.SendTo(ctx, from, OpAnnounce, jsonMarshalOrNil(a)); err != nil {
			s.logger.Debugf("subinode: directory reply to %s: %v", from, err)
		}
	}
}

func (s *Service) handleVerify(ctx context.Context, msg []byte, from string) {
	s.dispatchVerify(ctx, msg, from)
}

func (s *Service) handleDirectStream(ctx context.Context, msg []byte, from string) {
	opcode, payload, ok := splitOpcode(msg)
	if !ok {
		return
	}

	switch opcode {
	case OpVerify:
		s.dispatchVerify(ctx, payload, from)
	default:
		s.logger.Debugf("subinode: direct stream with unknown opcode %q from %s", opcode, from)
	}
}

func (s *Service) dispatchVerify(ctx context.Context, msg []byte, from string) {
	var v VerifyMsg
	if err := jsonUnmarshalInto(msg, &v); err != nil {
		s.logger.Debugf("subinode: bad verify payload: %v", err)
		return
	}

	switch v.Kind() {
	case VerifyReply:
		// A reply is only meaningful to the process that originated the
		// request via StartPoseRound, which only happens when this process
		// is itself a service node.
		if s.Active == nil {
			return
		}

		selfOut, ok := s.Active.Outpoint()
		if !ok {
			return
		}

		signer := NewSigner()

		if err := s.Manager.HandleVerifyReply(ctx, &v, selfOut, signer, s.Active.ServiceSigner(ctx)); err != nil {
			s.logger.Debugf("subinode: verify reply from %s: %v", from, err)
		}
	case VerifyBroadcast:
		tip, terr := s.chain.TipHeight(ctx)
		if terr != nil {
			return
		}

		if err := s.Manager.HandleVerifyBroadcast(ctx, &v, tip); err != nil {
			s.logger.Debugf("subinode: verify broadcast from %s: %v", from, err)
		}
	}
}

func (s *Service) handlePaymentSync(ctx context.Context, msg []byte, from string) {
	var req PaymentSyncMsg
	if err := jsonUnmarshalInto(msg, &req); err != nil {
		return
	}

	tip, err := s.chain.TipHeight(ctx)
	if err != nil {
		return
	}

	for _, v := range s.Payments.PaymentSync(tip) {
		if err := s.transport.SendTo(ctx, from, OpPaymentVote, jsonMarshalOrNil(v)); err != nil {
			s.logger.Debugf("subinode: payment-sync reply to %s: %v", from, err)
		}
	}
}

func (s *Service) handlePaymentVote(ctx context.Context, msg []byte, _ string) {
	var v PaymentVoteMsg
	if err := jsonUnmarshalInto(msg, &v); err != nil {
		s.logger.Debugf("subinode: bad payment-vote payload: %v", err)
		return
	}

	tip, err := s.chain.TipHeight(ctx)
	if err != nil {
		return
	}

	if err := s.Payments.AddVote(ctx, &v, tip); err != nil {
		s.logger.Debugf("subinode: payment-vote rejected: %v", err)
	}
}

func (s *Service) handleSyncStatusCount(_ context.Context, msg []byte, from string) {
	var c SyncStatusCountMsg
	if err := jsonUnmarshalInto(msg, &c); err != nil {
		return
	}

	s.logger.Debugf("subinode: sync-status-count from %s: item=%d count=%d", from, c.ItemID, c.Count)
}

func splitOpcode(msg []byte) (opcode string, payload []byte, ok bool) {
	idx := bytes.IndexByte(msg, 0)
	if idx < 0 {
		return "", nil, false
	}

	return string(msg[:idx]), msg[idx+1:], true
}
