package subinode

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/SubiPlatform/SubiCore/errors"
	"github.com/dolthub/swiss"
	"github.com/google/uuid"
	"github.com/greatroar/blobloom"
	"github.com/ordishs/go-utils"
)

// pendingVerify is a PoSe verify request this process is waiting on a
// reply for.
type pendingVerify struct {
	target      Outpoint
	addr        NetAddr
	nonce       uint64
	blockHeight uint32
	sentAt      time.Time
}

// recoveryAttempt tracks an in-flight NewStartRequired recovery poll
//.
type recoveryAttempt struct {
	startedAt time.Time
	replies   []*AnnounceMsg
	doneAt    time.Time // zero while in flight
}

// Manager is the node manager: the authoritative node set, plus the
// PoSe cross-verification and recovery machinery that operate on it.
// It uses a single sync.RWMutex rather than a recursive lock,
// restructuring the few call paths that would have recursively
// re-entered it, since Go's sync.Mutex isn't reentrant.
type Manager struct {
	logger utils.Logger

	chain     ChainView
	utxos     UTXOSource
	broadcast Broadcaster
	events    *Events

	mu      sync.RWMutex
	nodes   []*Node
	byOut   map[Outpoint]*Node
	byService *swiss.Map[string, *Node]
	byAddr    *swiss.Map[string, *Node]

	index *CompactIndex
	seen  *blobloom.Filter

	fulfilled *NetFulfilled

	pendingVerifyMu sync.Mutex
	pendingVerify   map[string]*pendingVerify // keyed by uuid nonce-correlation id

	recoveryMu sync.Mutex
	recovery   map[Outpoint]*recoveryAttempt
	recoveryLastAttempt map[Outpoint]time.Time

	minProtoForPayments uint32
}

func NewManager(logger utils.Logger, chain ChainView, utxos UTXOSource, broadcast Broadcaster, events *Events) *Manager {
	initPrometheusMetrics()

	return &Manager{
		logger:    logger,
		chain:     chain,
		utxos:     utxos,
		broadcast: broadcast,
		events:    events,
		byOut:     make(map[Outpoint]*Node),
		byService: swiss.NewMap[string, *Node](1024),
		byAddr:    swiss.NewMap[string, *Node](1024),
		index:     NewCompactIndex(),
		seen:      blobloom.NewOptimal(blobloom.Config{Capacity: 1 << 20, FPRate: 1e-4}),
		fulfilled: NewNetFulfilled(),
		pendingVerify: make(map[string]*pendingVerify),
		recovery:      make(map[Outpoint]*recoveryAttempt),
		recoveryLastAttempt: make(map[Outpoint]time.Time),
		minProtoForPayments: MinProtocolForPayments,
	}
}

// --- public contract ---------------------------------------

// Add inserts node if no prior record exists for its collateral
// outpoint, returning true on success.
func (m *Manager) Add(node *Node) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byOut[node.CollateralOutpoint]; exists {
		return false
	}

	m.nodes = append(m.nodes, node)
	m.byOut[node.CollateralOutpoint] = node
	m.byService.Put(string(node.ServicePubKey), node)
	m.byAddr.Put(node.NetAddr.String(), node)
	m.index.Add(node.CollateralOutpoint)

	prometheusNodesKnown.Set(float64(len(m.nodes)))

	m.events.Publish(Event{Kind: EventNodeAdded, Node: node})

	return true
}

func (m *Manager) FindByOutpoint(out Outpoint) (*Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.byOut[out]
	return n, ok
}

func (m *Manager) FindByServicePubKey(pub PubKey) (*Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.byService.Get(string(pub))
}

func (m *Manager) FindByAddr(addr NetAddr) (*Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.byAddr.Get(addr.String())
}

// NodeInfo is the copy-out snapshot /GLOSSARY calls "info
// snapshot": stable fields safe to hand to other components without a
// live reference into the manager's lock.
type NodeInfo struct {
	CollateralOutpoint Outpoint
	NetAddr            NetAddr
	ServicePubKey      PubKey
	ActiveState        NodeState
	ProtocolVersion    uint32
	LastPaidBlockHeight uint32
	PoSeBanScore       int
}

func (m *Manager) Info(out Outpoint) (NodeInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.byOut[out]
	if !ok {
		return NodeInfo{}, false
	}

	return nodeInfo(n), true
}

func nodeInfo(n *Node) NodeInfo {
	return NodeInfo{
		CollateralOutpoint:  n.CollateralOutpoint,
		NetAddr:             n.NetAddr,
		ServicePubKey:       n.ServicePubKey,
		ActiveState:         n.ActiveState,
		ProtocolVersion:     n.ProtocolVersion,
		LastPaidBlockHeight: n.LastPaidBlockHeight,
		PoSeBanScore:        n.PoSeBanScore,
	}
}

func (m *Manager) Count(minProto uint32) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c := 0
	for _, n := range m.nodes {
		if n.ProtocolVersion >= minProto {
			c++
		}
	}

	return c
}

func (m *Manager) CountEnabled(minProto uint32) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c := 0
	for _, n := range m.nodes {
		if n.ProtocolVersion >= minProto && n.ActiveState == Enabled {
			c++
		}
	}

	return c
}

// allNodes returns a snapshot copy of the full node set, for
// persistence.
func (m *Manager) allNodes() []*Node {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Node, len(m.nodes))
	copy(out, m.nodes)

	return out
}

// rankedNode pairs a node with its score against a specific block hash,
// for sorting.
type rankedNode struct {
	node  *Node
	score [32]byte
}

// ranksAt returns nodes matching minProto (and, if onlyActive, state ==
// Enabled), ordered by descending score(blockHash).
func (m *Manager) ranksAt(blockHash [32]byte, minProto uint32, onlyActive bool) []rankedNode {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]rankedNode, 0, len(m.nodes))

	for _, n := range m.nodes {
		if n.ProtocolVersion < minProto {
			continue
		}

		if onlyActive && n.ActiveState != Enabled {
			continue
		}

		out = append(out, rankedNode{node: n, score: n.Score(blockHash)})
	}

	sort.Slice(out, func(i, j int) bool {
		return scoreLess(out[j].score, out[i].score) // descending
	})

	return out
}

// Rank returns node's 1-based rank at height, or -1 if the block hash
// at height is unknown or the node isn't present in the ranked set.
func (m *Manager) Rank(ctx context.Context, out Outpoint, height uint32, minProto uint32, onlyActive bool) int {
	hash, ok, err := m.chain.BlockHashAtHeight(ctx, height)
	if err != nil || !ok {
		return -1
	}

	ranked := m.ranksAt(hash, minProto, onlyActive)

	for i, r := range ranked {
		if r.node.CollateralOutpoint == out {
			return i + 1
		}
	}

	return -1
}

// Ranks returns the full ordered ranking at height, or nil if the block
// hash is unknown.
func (m *Manager) Ranks(ctx context.Context, height uint32, minProto uint32) ([]NodeInfo, error) {
	hash, ok, err := m.chain.BlockHashAtHeight(ctx, height)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, errNotFound("manager: ranks: block hash at height %d unknown", height)
	}

	ranked := m.ranksAt(hash, minProto, false)
	out := make([]NodeInfo, len(ranked))

	for i, r := range ranked {
		out[i] = nodeInfo(r.node)
	}

	return out, nil
}

// NextInQueueForPayment implements winner-selection scan:
// eligible candidates are sorted by last-paid-height, and the best score
// against the block hash 100 heights back picks the winner among the
// bottom 10% (oldest-last-paid), skipping disqualified candidates per the
// documented filters. filterSigTime relaxes once if too few candidates survive.
func (m *Manager) NextInQueueForPayment(ctx context.Context, height uint32, filterSigTime bool) (*NodeInfo, error) {
	hash, ok, err := m.chain.BlockHashAtHeight(ctx, height-100)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, errNotFound("manager: next_in_queue: block hash at height %d unknown", height-100)
	}

	m.mu.RLock()
	candidates := make([]*Node, 0, len(m.nodes))
	nodeCount := len(m.nodes)
	now := time.Now()

	for _, n := range m.nodes {
		if n.ActiveState != Enabled {
			continue
		}

		if n.ProtocolVersion < m.minProtoForPayments {
			continue
		}

		if n.LastPaidBlockHeight != 0 && height-n.LastPaidBlockHeight < 8 {
			continue
		}

		if filterSigTime && uint64(n.AnnounceTime.Unix())+uint64(nodeCount)*156 > uint64(now.Unix()) {
			continue
		}

		if int(n.CachedCollateralBlock) < nodeCount {
			continue
		}

		candidates = append(candidates, n)
	}
	m.mu.RUnlock()

	if filterSigTime && len(candidates) < nodeCount/3 {
		return m.NextInQueueForPayment(ctx, height, false)
	}

	if len(candidates) == 0 {
		return nil, errNotFound("manager: next_in_queue: no eligible candidates")
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastPaidBlockHeight < candidates[j].LastPaidBlockHeight
	})

	bottomTenPct := len(candidates)/10 + 1
	if bottomTenPct > len(candidates) {
		bottomTenPct = len(candidates)
	}

	pool := candidates[:bottomTenPct]

	best := pool[0]
	bestScore := best.Score(hash)

	for _, n := range pool[1:] {
		s := n.Score(hash)
		if scoreLess(bestScore, s) {
			best = n
			bestScore = s
		}
	}

	info := nodeInfo(best)

	return &info, nil
}

// --- message handlers ---------------------------------------

// announceHashKey identifies one specific announce message, not merely
// its outpoint, so the bloom pre-filter below only catches literal
// retransmissions: a later, superseding announce for the same outpoint
// must still reach the authoritative supersession check.
func announceHashKey(a *AnnounceMsg) []byte {
	buf := append([]byte("mnb:"), []byte(a.CollateralOutpoint.String())...)
	buf = append(buf, []byte(a.AnnounceTime.String())...)
	buf = append(buf, a.AnnounceSig...)

	return buf
}

func pingHashKey(p *PingMsg) []byte {
	return append([]byte("mnp:"), []byte(p.Outpoint.String()+p.PingTime.String())...)
}

func bloomHash(b []byte) uint64 {
	h := uint64(1469598103934665603)
	for _, c := range b {
		h ^= uint64(c)
		h *= 1099511628211
	}

	return h
}

// Announce processes an `mnb` message.
func (m *Manager) Announce(ctx context.Context, a *AnnounceMsg, now time.Time) error {
	key := bloomHash(announceHashKey(a))
	if m.seen.Has(key) {
		return errDuplicate("manager: duplicate announce for %s", a.CollateralOutpoint)
	}

	if !a.Addr.Valid() {
		return errSoft("manager: announce has invalid address")
	}

	if a.AnnounceTime.After(now.Add(time.Hour)) {
		return errSoft("manager: announce time too far in the future")
	}

	if len(a.CollateralPubKey) == 0 || len(a.ServicePubKey) == 0 || len(a.AnnounceSig) == 0 {
		return errSoft("manager: announce missing signable fields")
	}

	if a.ProtocolVersion < m.minProtoForPayments {
		return errors.NewDoS(errors.ScoreSoft, errors.ERR_INVALID_ARGUMENT, "manager: announce protocol version too old")
	}

	signer := NewSigner()
	if !signer.Verify(a.CollateralPubKey, a.AnnounceSig, a.SignableBytes()) {
		return errCryptoFailure("manager: announce signature invalid for %s", a.CollateralOutpoint)
	}

	existing, hadExisting := m.FindByOutpoint(a.CollateralOutpoint)
	if hadExisting {
		if !a.AnnounceTime.After(existing.AnnounceTime) && !a.Recovery {
			return errDuplicate("manager: announce does not supersede existing record for %s", a.CollateralOutpoint)
		}
	}

	value, height, pubKeyID, ok, err := m.utxos.Lookup(ctx, a.CollateralOutpoint)
	if err != nil {
		return err
	}

	if !ok {
		return errSoft("manager: announce collateral outpoint not found or spent")
	}

	if value != CollateralAmount {
		return errIdentityMismatch("manager: announce collateral value mismatch")
	}

	if string(pubKeyID) != "" && string(a.CollateralPubKey.ID()) != string(pubKeyID) {
		return errIdentityMismatch("manager: announce collateral not owned by claimed key")
	}

	m.seen.Add(key)

	if hadExisting {
		if err := existing.UpdateFromNewAnnounce(a); err != nil {
			return err
		}
	} else {
		m.Add(NewNode(a, height))
	}

	prometheusAnnouncesAccepted.Inc()

	if err := m.broadcast.Relay(ctx, OpAnnounce, nil); err != nil {
		m.logger.Warnf("manager: relay announce: %v", err)
	}

	return nil
}

// Ping processes an `mnp` message.
func (m *Manager) Ping(ctx context.Context, p *PingMsg, now time.Time, tipHeight uint32) error {
	key := bloomHash(pingHashKey(p))
	if m.seen.Has(key) {
		return errDuplicate("manager: duplicate ping for %s", p.Outpoint)
	}

	node, ok := m.FindByOutpoint(p.Outpoint)
	if !ok {
		return errSoft("manager: ping for unknown node %s", p.Outpoint)
	}

	if now.Sub(p.PingTime) > time.Hour || p.PingTime.After(now) {
		return errSoft("manager: ping time out of window")
	}

	_, blockOK, err := m.chain.BlockHashAtHeight(ctx, tipHeight)
	if err != nil {
		return err
	}

	if !blockOK {
		return errSoft("manager: ping references unknown chain state")
	}

	signer := NewSigner()
	if !signer.Verify(node.ServicePubKey, p.PingSig, p.SignableBytes()) {
		return errCryptoFailure("manager: ping signature invalid for %s", p.Outpoint)
	}

	if node.LastPing != nil && p.PingTime.Sub(node.LastPing.PingTime) < (MinMnpSeconds-60)*time.Second {
		return errRateAbuse("manager: ping too soon after previous for %s", p.Outpoint)
	}

	m.seen.Add(key)

	m.mu.Lock()
	node.LastPing = p
	m.mu.Unlock()

	node.Check(CheckParams{Now: now, TipHeight: tipHeight}, true)

	prometheusPingsAccepted.Inc()

	if err := m.broadcast.Relay(ctx, OpPing, nil); err != nil {
		m.logger.Warnf("manager: relay ping: %v", err)
	}

	return nil
}

// Directory answers a `dseg` request. The
// transport layer supplies the actual per-message send; this method
// returns the records to send.
func (m *Manager) Directory(filter *Outpoint) []*Node {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if filter != nil {
		if n, ok := m.byOut[*filter]; ok {
			return []*Node{n}
		}

		return nil
	}

	out := make([]*Node, 0, len(m.nodes))

	for _, n := range m.nodes {
		if n.ActiveState == NewStartRequired || n.ActiveState == OutpointSpent {
			continue
		}

		out = append(out, n)
	}

	return out
}

// --- PoSe cross-verification ------------------------------

// StartPoseRound selects up to MaxPoSeConnections targets starting
// MaxPoSeRank positions past self's rank and stepping by MaxPoSeRank,
// sending a Verify request to each.
func (m *Manager) StartPoseRound(ctx context.Context, self Outpoint, tip uint32) error {
	ranks, err := m.Ranks(ctx, tip-1, m.minProtoForPayments)
	if err != nil {
		return err
	}

	selfRank := -1

	for i, n := range ranks {
		if n.CollateralOutpoint == self {
			selfRank = i
			break
		}
	}

	if selfRank < 0 {
		return errNotFound("manager: pose: self not ranked")
	}

	sent := 0

	for pos := selfRank + MaxPoSeRank; pos < len(ranks) && sent < MaxPoSeConnections; pos += MaxPoSeRank {
		target := ranks[pos]
		if target.ActiveState == PoSeBanned {
			continue
		}

		nonce := rand.Uint64()
		id := uuid.NewString()

		m.pendingVerifyMu.Lock()
		m.pendingVerify[id] = &pendingVerify{
			target:      target.CollateralOutpoint,
			addr:        target.NetAddr,
			nonce:       nonce,
			blockHeight: tip - 1,
			sentAt:      time.Now(),
		}
		m.pendingVerifyMu.Unlock()

		req := &VerifyMsg{Addr: target.NetAddr, Nonce: nonce, BlockHeight: tip - 1}

		// target.NetAddr.String() stands in for the transport peer id
		// Broadcaster.SendTo expects (collaborators.go documents it as
		// opaque, transport-assigned, not the subinode's own net
		// address) — resolving a subinode's advertised address to its
		// live transport peer id needs the same peer directory Service's
		// knownPeerHeights is waiting on (service.go), tracked as the same
		// open item.
		if err := m.broadcast.SendTo(ctx, target.NetAddr.String(), OpVerify, marshalVerify(req)); err != nil {
			m.logger.Warnf("manager: pose: send to %s: %v", target.NetAddr, err)
			continue
		}

		sent++
	}

	return nil
}

// consumePendingVerify finds and removes the one StartPoseRound request
// matching addr/nonce/blockHeight, validating that the reply lines up
// with a pending request, and reports whether one was found.
func (m *Manager) consumePendingVerify(addr NetAddr, nonce uint64, blockHeight uint32) bool {
	m.pendingVerifyMu.Lock()
	defer m.pendingVerifyMu.Unlock()

	for id, pv := range m.pendingVerify {
		if pv.addr.String() == addr.String() && pv.nonce == nonce && pv.blockHeight == blockHeight {
			delete(m.pendingVerify, id)
			return true
		}
	}

	return false
}

// HandleVerifyReply processes step 3: the requester validates the
// target's reply and, on a signature match, countersigns and relays a
// broadcast; on mismatch the imposter's score is incremented.
func (m *Manager) HandleVerifyReply(ctx context.Context, reply *VerifyMsg, selfOut Outpoint, signer *Signer, selfServicePriv interface{ Sign([]byte) Signature }) error {
	if !m.consumePendingVerify(reply.Addr, reply.Nonce, reply.BlockHeight) {
		return errSoft("manager: pose: reply matches no pending request from %s", reply.Addr)
	}

	candidate, ok := m.FindByAddr(reply.Addr)
	if !ok {
		return errNotFound("manager: pose: no node at addr %s", reply.Addr)
	}

	if !signer.Verify(candidate.ServicePubKey, reply.Sig1, reply.ReplySignableBytes()) {
		m.mu.Lock()
		candidate.PoSeBanScore++
		m.mu.Unlock()

		return errCryptoFailure("manager: pose: reply signature invalid from %s", reply.Addr)
	}

	m.mu.Lock()
	candidate.PoSeBanScore--
	if candidate.PoSeBanScore < 0 {
		candidate.PoSeBanScore = 0
	}
	m.mu.Unlock()

	vin1 := candidate.CollateralOutpoint
	vin2 := selfOut

	broadcastMsg := &VerifyMsg{
		Addr:        reply.Addr,
		Nonce:       reply.Nonce,
		BlockHeight: reply.BlockHeight,
		BlockHash:   reply.BlockHash,
		Vin1:        &vin1,
		Vin2:        &vin2,
		Sig1:        reply.Sig1,
	}

	broadcastMsg.Sig2 = selfServicePriv.Sign(broadcastMsg.BroadcastSignableBytes())

	return m.broadcast.Relay(ctx, OpVerify, marshalVerify(broadcastMsg))
}

// HandleVerifyBroadcast processes step 5: peers validate both
// signatures and, on success, adjust scores for vin1 and every other
// node sharing its address.
func (m *Manager) HandleVerifyBroadcast(ctx context.Context, b *VerifyMsg, tip uint32) error {
	if b.Vin1 == nil || b.Vin2 == nil {
		return errSoft("manager: verify broadcast missing vin fields")
	}

	if *b.Vin1 == *b.Vin2 {
		return errIdentityMismatch("manager: verify broadcast vin1 == vin2")
	}

	if tip > b.BlockHeight && tip-b.BlockHeight > MaxPoSeBlocks {
		return errSoft("manager: verify broadcast too old")
	}

	n1, ok1 := m.FindByOutpoint(*b.Vin1)
	n2, ok2 := m.FindByOutpoint(*b.Vin2)

	if !ok1 || !ok2 {
		return errNotFound("manager: verify broadcast references unknown node")
	}

	signer := NewSigner()

	if !signer.Verify(n1.ServicePubKey, b.Sig1, b.ReplySignableBytes()) {
		return errCryptoFailure("manager: verify broadcast sig1 invalid")
	}

	if !signer.Verify(n2.ServicePubKey, b.Sig2, b.BroadcastSignableBytes()) {
		return errCryptoFailure("manager: verify broadcast sig2 invalid")
	}

	vin2Rank := m.Rank(ctx, *b.Vin2, tip, m.minProtoForPayments, false)
	if vin2Rank < 0 || vin2Rank > MaxPoSeRank {
		return errSoft("manager: verify broadcast vin2 not within top rank")
	}

	m.mu.Lock()
	n1.PoSeBanScore--
	if n1.PoSeBanScore < 0 {
		n1.PoSeBanScore = 0
	}

	for _, n := range m.nodes {
		if n.CollateralOutpoint != *b.Vin1 && n.NetAddr.String() == n1.NetAddr.String() {
			n.PoSeBanScore++
		}
	}
	m.mu.Unlock()

	return nil
}

// SameAddressSweep implements "Same-address sweep": within a
// run of nodes sharing an address, if any has been PoSe-verified
// (score <= 0), every other node in that run has its ban score bumped.
func (m *Manager) SameAddressSweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	byAddr := make(map[string][]*Node)

	for _, n := range m.nodes {
		addr := n.NetAddr.String()
		byAddr[addr] = append(byAddr[addr], n)
	}

	for _, group := range byAddr {
		if len(group) < 2 {
			continue
		}

		anyVerified := false

		for _, n := range group {
			if n.PoSeBanScore <= 0 {
				anyVerified = true
				break
			}
		}

		if !anyVerified {
			continue
		}

		for _, n := range group {
			if n.PoSeBanScore > 0 {
				n.PoSeBanScore++
			}
		}
	}
}

func marshalVerify(v *VerifyMsg) []byte {
	// Wire encoding of VerifyMsg is an internal transport concern; the
	// signable-byte formats (ReplySignableBytes/BroadcastSignableBytes)
	// are the fixed part and are exact. Framing is JSON for
	// simplicity since this subsystem owns both ends of the wire.
	return jsonMarshalOrNil(v)
}

// --- removal & recovery ----------------

// CheckAndRemove iterates the node set, evaluating state and handling
// OutpointSpent removal plus NewStartRequired recovery scheduling.
func (m *Manager) CheckAndRemove(ctx context.Context, now time.Time, tip uint32) {
	m.mu.RLock()
	snapshot := make([]*Node, len(m.nodes))
	copy(snapshot, m.nodes)
	nodeCount := len(m.nodes)
	m.mu.RUnlock()

	var toRemove []Outpoint

	for _, n := range snapshot {
		value, _, _, ok, err := m.utxos.Lookup(ctx, n.CollateralOutpoint)
		spent := err == nil && (!ok || value != CollateralAmount)

		n.Check(CheckParams{Now: now, TipHeight: tip, NodeCount: nodeCount, OutpointSpent: spent}, false)

		switch n.ActiveState {
		case OutpointSpent:
			toRemove = append(toRemove, n.CollateralOutpoint)
		case NewStartRequired:
			m.scheduleRecovery(n.CollateralOutpoint, now)
		}
	}

	if len(toRemove) > 0 {
		m.mu.Lock()
		for _, out := range toRemove {
			m.removeLocked(out)
		}
		m.mu.Unlock()
	}

	if m.index.ShouldRebuild(now, nodeCount) {
		m.rebuildIndex(now)
	}
}

func (m *Manager) removeLocked(out Outpoint) {
	n, ok := m.byOut[out]
	if !ok {
		return
	}

	delete(m.byOut, out)
	m.byService.Delete(string(n.ServicePubKey))
	m.byAddr.Delete(n.NetAddr.String())
	m.index.Remove(out)

	for i, x := range m.nodes {
		if x.CollateralOutpoint == out {
			m.nodes = append(m.nodes[:i], m.nodes[i+1:]...)
			break
		}
	}

	prometheusNodesKnown.Set(float64(len(m.nodes)))
}

func (m *Manager) rebuildIndex(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	outs := make([]Outpoint, len(m.nodes))
	for i, n := range m.nodes {
		outs[i] = n.CollateralOutpoint
	}

	m.index.Rebuild(now, outs)
}

func (m *Manager) scheduleRecovery(out Outpoint, now time.Time) {
	m.recoveryMu.Lock()
	defer m.recoveryMu.Unlock()

	if last, ok := m.recoveryLastAttempt[out]; ok {
		if now.Sub(last) < MnbRecoveryRetrySeconds*time.Second {
			return
		}
	}

	if _, inFlight := m.recovery[out]; inFlight {
		return
	}

	m.recovery[out] = &recoveryAttempt{startedAt: now}
}

// CollectRecoveryReply records a candidate's reply to an in-flight
// recovery poll for out.
func (m *Manager) CollectRecoveryReply(out Outpoint, reply *AnnounceMsg) {
	m.recoveryMu.Lock()
	defer m.recoveryMu.Unlock()

	a, ok := m.recovery[out]
	if !ok || !a.doneAt.IsZero() {
		return
	}

	a.replies = append(a.replies, reply)
}

// ResolveRecovery finalizes any in-flight recovery attempt whose wait
// window has elapsed, reprocessing the best reply if quorum was met.
func (m *Manager) ResolveRecovery(ctx context.Context, now time.Time) {
	m.recoveryMu.Lock()
	var toResolve []Outpoint

	for out, a := range m.recovery {
		if a.doneAt.IsZero() && now.Sub(a.startedAt) >= MnbRecoveryWaitSeconds*time.Second {
			toResolve = append(toResolve, out)
		}
	}
	m.recoveryMu.Unlock()

	for _, out := range toResolve {
		m.recoveryMu.Lock()
		a := m.recovery[out]
		a.doneAt = now
		m.recoveryLastAttempt[out] = now
		replies := a.replies
		delete(m.recovery, out)
		m.recoveryMu.Unlock()

		if len(replies) < MnbRecoveryQuorumRequired {
			continue
		}

		best := replies[0]
		best.Recovery = true

		if err := m.Announce(ctx, best, now); err != nil {
			m.logger.Warnf("manager: recovery reprocess for %s: %v", out, err)
		}
	}
}
