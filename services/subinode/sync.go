package subinode

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/ordishs/go-utils"
)

// Sync stage names.
const (
	StageInitial  = "Initial"
	StageSporks   = "Sporks"
	StageList     = "List"
	StageWinners  = "Winners"
	StageFinished = "Finished"
	StageFailed   = "Failed"
)

// FSM event names.
const (
	evSporksRequested = "sporks_requested"
	evListProgress    = "list_progress"
	evWinnersReady    = "winners_ready"
	evTimeout         = "timeout"
	evReset           = "reset"
)

// syncStats tracks per-peer numeric progress counters, used as FSM
// transition guards so List -> Winners and Winners -> Finished can be
// asserted without sleeping on wall-clock timeouts in tests.
type syncStats struct {
	attemptsThisPeer  int
	peersProbed       int
	sumSubinodeList   int
	sumSubinodeWinner int
}

// PeerHeight is one connected peer's last-reported common height with
// this process, supplied by the host's peer directory on each tick.
type PeerHeight struct {
	Peer   string
	Height uint32
}

// Sync is the C6 sync driver: a monotone state machine bootstrapping
// sporks, the node directory, and vote history from peers. It also owns
// is_blockchain_synced, since the peer-height-agreement bookkeeping it
// needs is sync-driver state, not something the chain collaborator
// itself tracks.
type Sync struct {
	logger utils.Logger

	manager   *Manager
	payments  *Payments
	chain     ChainView
	broadcast Broadcaster
	events    *Events

	mu    sync.Mutex
	fsm   *fsm.FSM
	stats syncStats

	fulfilled *NetFulfilled

	stageStartedAt time.Time
	failedAt       time.Time

	peerHeights     []PeerHeight
	lastSyncCheckAt time.Time
}

func NewSync(logger utils.Logger, manager *Manager, payments *Payments, chain ChainView, broadcast Broadcaster, events *Events) *Sync {
	initPrometheusMetrics()

	s := &Sync{
		logger:    logger,
		manager:   manager,
		payments:  payments,
		chain:     chain,
		broadcast: broadcast,
		events:    events,
		fulfilled: NewNetFulfilled(),
	}

	s.fsm = fsm.NewFSM(
		StageInitial,
		fsm.Events{
			{Name: evSporksRequested, Src: []string{StageInitial}, Dst: StageSporks},
			{Name: evListProgress, Src: []string{StageSporks, StageList}, Dst: StageList},
			{Name: evWinnersReady, Src: []string{StageList, StageWinners}, Dst: StageWinners},
			{Name: evListProgress, Src: []string{StageWinners}, Dst: StageFinished}, // unreachable fallback, kept explicit for fsm's exhaustive event table
			{Name: "finished", Src: []string{StageWinners}, Dst: StageFinished},
			{Name: evTimeout, Src: []string{StageSporks, StageList, StageWinners}, Dst: StageFailed},
			{Name: evReset, Src: []string{StageFailed}, Dst: StageInitial},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.stageStartedAt = time.Now()
				s.logger.Infof("sync: %s -> %s", e.Src, e.Dst)

				if e.Dst == StageFailed {
					s.failedAt = time.Now()
				}
			},
		},
	)

	return s
}

// Current returns the driver's current stage.
func (s *Sync) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.fsm.Current()
}

// Tick drives one iteration of the state machine, called
// every SyncTickSeconds by the host's scheduler. peerHeights is the
// host's current view of each connected peer's common height with us,
// recorded for IsBlockchainSynced to consult.
func (s *Sync) Tick(ctx context.Context, peerHeights []PeerHeight, tip uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.peerHeights = peerHeights

	peers := make([]string, len(peerHeights))
	for i, ph := range peerHeights {
		peers[i] = ph.Peer
	}

	switch s.fsm.Current() {
	case StageInitial:
		if err := s.fsm.Event(ctx, evSporksRequested); err != nil {
			s.logger.Debugf("sync: %v", err)
		}

		fallthrough
	case StageSporks:
		s.requestSporksFromPeers(ctx, peers)

		if err := s.fsm.Event(ctx, evListProgress); err != nil {
			s.logger.Debugf("sync: %v", err)
		}
	case StageList:
		progressed := s.requestDirectory(ctx, peers)

		if progressed {
			s.stats.peersProbed++

			if err := s.fsm.Event(ctx, evWinnersReady); err != nil {
				s.logger.Debugf("sync: %v", err)
			}

			return
		}

		if time.Since(s.stageStartedAt) > SyncTimeoutSeconds*time.Second && s.stats.attemptsThisPeer == 0 {
			if err := s.fsm.Event(ctx, evTimeout); err != nil {
				s.logger.Debugf("sync: %v", err)
			}
		}
	case StageWinners:
		s.requestWinners(ctx, peers, tip)

		if s.payments.IsEnoughData(tip) && s.stats.peersProbed >= 2 {
			if err := s.fsm.Event(ctx, "finished"); err != nil {
				s.logger.Debugf("sync: %v", err)
			}
		}
	case StageFailed:
		if time.Since(s.failedAt) >= time.Minute {
			s.stats = syncStats{}

			if err := s.fsm.Event(ctx, evReset); err != nil {
				s.logger.Debugf("sync: %v", err)
			}
		}
	case StageFinished:
		// nothing to do; Current reporting StageFinished is the
		// steady-state query.
	}
}

func (s *Sync) requestSporksFromPeers(ctx context.Context, peers []string) {
	for _, peer := range peers {
		if s.fulfilled.Has(peer, "full-sync") {
			continue
		}

		if err := s.broadcast.SendTo(ctx, peer, OpGetSporks, nil); err != nil {
			s.logger.Warnf("sync: request sporks from %s: %v", peer, err)
			continue
		}

		s.stats.attemptsThisPeer++
	}
}

func (s *Sync) requestDirectory(ctx context.Context, peers []string) bool {
	progressed := false

	for _, peer := range peers {
		if s.fulfilled.Has(peer, "dseg") {
			continue
		}

		if err := s.broadcast.SendTo(ctx, peer, OpDirectory, nil); err != nil {
			s.logger.Warnf("sync: request directory from %s: %v", peer, err)
			continue
		}

		s.fulfilled.Add(peer, "dseg", DsegUpdateSeconds*time.Second)
		s.stats.sumSubinodeList++
		progressed = true
	}

	return progressed
}

func (s *Sync) requestWinners(ctx context.Context, peers []string, tip uint32) {
	for _, peer := range peers {
		if s.fulfilled.Has(peer, "payment-sync") {
			continue
		}

		if err := s.broadcast.SendTo(ctx, peer, OpPaymentSync, nil); err != nil {
			s.logger.Warnf("sync: request payment-sync from %s: %v", peer, err)
			continue
		}

		s.fulfilled.Add(peer, "payment-sync", DsegUpdateSeconds*time.Second)
		s.stats.sumSubinodeWinner++
	}
}

// NodeAdded and VoteAdded let callers credit sync progress directly, per
// "node added"/"vote added" callback model. Sync does not subscribe to
// the Events channel, and nothing in this package outside the tests
// calls these.
func (s *Sync) NodeAdded() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.sumSubinodeList++
}

func (s *Sync) VoteAdded() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.sumSubinodeWinner++
}

// IsBlockchainSynced reports whether the chain is believed caught up
// with the network: at least EnoughPeers peers' last-reported common
// height (from the most recent Tick) is within 1 of the local tip, and
// the tip's block time is within MaxTipAgeSeconds of now. A gap of at
// least SyncSuspendResetSeconds between calls (the process itself was
// suspended) discards the previously recorded peer heights rather than
// trusting them as still current.
func (s *Sync) IsBlockchainSynced(ctx context.Context, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.lastSyncCheckAt.IsZero() && now.Sub(s.lastSyncCheckAt) >= SyncSuspendResetSeconds*time.Second {
		s.peerHeights = nil
	}

	s.lastSyncCheckAt = now

	tip, err := s.chain.TipHeight(ctx)
	if err != nil {
		return false, err
	}

	agreeing := 0

	for _, ph := range s.peerHeights {
		diff := int64(ph.Height) - int64(tip)
		if diff < 0 {
			diff = -diff
		}

		if diff <= 1 {
			agreeing++
		}
	}

	if agreeing < EnoughPeers {
		return false, nil
	}

	tipTime, err := s.chain.BlockTimeAtHeight(ctx, tip)
	if err != nil {
		return false, err
	}

	return now.Sub(tipTime) <= MaxTipAgeSeconds*time.Second, nil
}
