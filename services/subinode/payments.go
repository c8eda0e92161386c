package subinode

import (
	"context"
	"sync"
	"time"

	"github.com/ordishs/go-utils"
	"github.com/ordishs/go-utils/expiringmap"
)

// PayeeBucket is block-payees bucket: per-height aggregation
// of votes for one payee script.
type PayeeBucket struct {
	PayeeScript []byte
	VoteHashes  [][32]byte
}

func (b *PayeeBucket) addVote(hash [32]byte) {
	for _, h := range b.VoteHashes {
		if h == hash {
			return
		}
	}

	b.VoteHashes = append(b.VoteHashes, hash)
}

// TxOutput is the narrow shape IsTransactionValid needs out of a real
// transaction output — script/value serialization itself is out of
// scope (Non-goals).
type TxOutput struct {
	Script []byte
	Value  int64
}

// voteKey is the (voter, height) dedup key backing CanVote.
type voteKey struct {
	voter  Outpoint
	height uint32
}

// Payments is the C5 payment voter.
type Payments struct {
	logger utils.Logger

	manager *Manager
	chain   ChainView
	broadcast Broadcaster
	events  *Events
	reward  RewardCalculator

	mu          sync.RWMutex
	lastVote    map[voteKey]struct{}
	buckets     map[uint32][]*PayeeBucket
	votesByHeight map[uint32][]*PaymentVoteMsg
	voteByHash  *expiringmap.ExpiringMap[[32]byte, struct{}]

	storageWindow int
}

func NewPayments(logger utils.Logger, manager *Manager, chain ChainView, broadcast Broadcaster, events *Events, reward RewardCalculator) *Payments {
	return &Payments{
		logger:        logger,
		manager:       manager,
		chain:         chain,
		broadcast:     broadcast,
		events:        events,
		reward:        reward,
		storageWindow: 5000,
		lastVote:      make(map[voteKey]struct{}),
		buckets:       make(map[uint32][]*PayeeBucket),
		votesByHeight: make(map[uint32][]*PaymentVoteMsg),
		voteByHash:    expiringmap.New[[32]byte, struct{}](24 * time.Hour),
	}
}

// SetStorageWindow sets the number of heights of vote/bucket data to
// retain ("Storage": max(|nodes|*1.25, 5000)).
func (p *Payments) SetStorageWindow(nodeCount int) {
	w := int(float64(nodeCount) * 1.25)
	if w < 5000 {
		w = 5000
	}

	p.mu.Lock()
	p.storageWindow = w
	p.mu.Unlock()
}

// CanVote reports whether voter may still cast a vote for height — a
// voter may cast at most one vote per target height.
func (p *Payments) CanVote(voter Outpoint, height uint32) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	_, voted := p.lastVote[voteKey{voter, height}]

	return !voted
}

// AddVote validates and stores v. Returns a
// *DoSError on a rejection that should penalize the sender.
func (p *Payments) AddVote(ctx context.Context, v *PaymentVoteMsg, tip uint32) error {
	hash := v.Hash()

	if _, seen := p.voteByHash.Get(hash); seen {
		return errDuplicate("payments: duplicate vote %x", hash)
	}

	p.mu.RLock()
	storageWindow := p.storageWindow
	p.mu.RUnlock()

	lowerBound := int64(tip) - int64(storageWindow)
	if int64(v.TargetHeight) < lowerBound || v.TargetHeight > tip+20 {
		return errSoft("payments: vote target height %d outside window [%d, %d] around tip %d", v.TargetHeight, lowerBound, tip+20, tip)
	}

	voter, ok := p.manager.FindByOutpoint(v.VoterOutpoint)
	if !ok {
		return errNotFound("payments: vote from unknown voter %s", v.VoterOutpoint)
	}

	signer := NewSigner()
	if !signer.Verify(voter.ServicePubKey, v.VoterSig, v.SignableBytes()) {
		return errCryptoFailure("payments: vote signature invalid from %s", v.VoterOutpoint)
	}

	rank := p.manager.Rank(ctx, v.VoterOutpoint, v.TargetHeight-100, MinProtocolForPayments, false)
	if rank < 0 || rank > SignaturesTotal {
		if rank > 2*SignaturesTotal {
			return errRateAbuse("payments: vote from voter ranked %d below allowed threshold", rank)
		}

		return errSoft("payments: vote from voter ranked %d outside top %d", rank, SignaturesTotal)
	}

	if !p.CanVote(v.VoterOutpoint, v.TargetHeight) {
		return errDuplicate("payments: voter %s already voted for height %d", v.VoterOutpoint, v.TargetHeight)
	}

	p.mu.Lock()
	p.lastVote[voteKey{v.VoterOutpoint, v.TargetHeight}] = struct{}{}

	var bucket *PayeeBucket

	for _, b := range p.buckets[v.TargetHeight] {
		if string(b.PayeeScript) == string(v.PayeeScript) {
			bucket = b
			break
		}
	}

	if bucket == nil {
		bucket = &PayeeBucket{PayeeScript: v.PayeeScript}
		p.buckets[v.TargetHeight] = append(p.buckets[v.TargetHeight], bucket)
	}

	bucket.addVote(hash)
	p.votesByHeight[v.TargetHeight] = append(p.votesByHeight[v.TargetHeight], v)
	p.mu.Unlock()

	p.voteByHash.Set(hash, struct{}{})

	p.events.Publish(Event{Kind: EventVoteAdded, Vote: v})

	if err := p.broadcast.Relay(ctx, OpPaymentVote, jsonMarshalOrNil(v)); err != nil {
		p.logger.Warnf("payments: relay vote: %v", err)
	}

	return nil
}

// BestPayee returns the bucket with the most votes at height, and
// whether that height is decided (decided once some bucket has
// >= SignaturesRequired votes).
func (p *Payments) BestPayee(height uint32) (*PayeeBucket, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	buckets := p.buckets[height]
	if len(buckets) == 0 {
		return nil, false
	}

	best := buckets[0]

	for _, b := range buckets[1:] {
		if len(b.VoteHashes) > len(best.VoteHashes) {
			best = b
		}
	}

	return best, len(best.VoteHashes) >= SignaturesRequired
}

// IsTransactionValid checks block-payee validity: if the data is
// insufficient (max bucket below SignaturesRequired), accept by
// default; otherwise require an output matching the decided payee and
// expected amount.
func (p *Payments) IsTransactionValid(ctx context.Context, outputs []TxOutput, height uint32) (bool, error) {
	best, decided := p.BestPayee(height)
	if !decided {
		return true, nil
	}

	var totalOut int64
	for _, o := range outputs {
		totalOut += o.Value
	}

	expected, err := p.reward.ExpectedPayment(ctx, height, totalOut)
	if err != nil {
		return false, err
	}

	for _, o := range outputs {
		if string(o.Script) == string(best.PayeeScript) && o.Value == expected {
			return true, nil
		}
	}

	return false, nil
}

// PaymentSync answers an `mnget` request: the heights
// [tip, tip+20) worth of votes to stream back to the requester.
func (p *Payments) PaymentSync(tip uint32) []*PaymentVoteMsg {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []*PaymentVoteMsg

	for h := tip; h < tip+20; h++ {
		out = append(out, p.votesByHeight[h]...)
	}

	return out
}

// IsEnoughData reports whether enough vote history has accumulated to
// let the sync driver (C6) leave the Winners stage.
func (p *Payments) IsEnoughData(tip uint32) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	decided := 0

	start := uint32(0)
	if tip > 10 {
		start = tip - 10
	}

	for h := start; h <= tip; h++ {
		if best, ok := p.buckets[h]; ok && len(best) > 0 {
			for _, b := range best {
				if len(b.VoteHashes) >= SignaturesRequired {
					decided++
					break
				}
			}
		}
	}

	return decided >= 5
}

// snapshot returns a copy of all retained votes and buckets, for
// persistence ("Persisted state layout": votes_map, blocks_map).
func (p *Payments) snapshot() ([]*PaymentVoteMsg, map[uint32][]*PayeeBucket) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var votes []*PaymentVoteMsg
	for _, vs := range p.votesByHeight {
		votes = append(votes, vs...)
	}

	buckets := make(map[uint32][]*PayeeBucket, len(p.buckets))
	for h, bs := range p.buckets {
		buckets[h] = bs
	}

	return votes, buckets
}

// restore repopulates state loaded from disk on startup: a valid dump
// means this subsystem does not need to resync those heights from the
// network.
func (p *Payments) restore(votes []*PaymentVoteMsg, buckets map[uint32][]*PayeeBucket) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if buckets != nil {
		p.buckets = buckets
	}

	for _, v := range votes {
		hash := v.Hash()
		p.votesByHeight[v.TargetHeight] = append(p.votesByHeight[v.TargetHeight], v)
		p.lastVote[voteKey{v.VoterOutpoint, v.TargetHeight}] = struct{}{}
		p.voteByHash.Set(hash, struct{}{})
	}
}

// CheckAndRemove evicts vote/bucket data outside the storage window
//.
func (p *Payments) CheckAndRemove(tip uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.storageWindow == 0 {
		return
	}

	cutoff := int64(tip) - int64(p.storageWindow)

	for h := range p.buckets {
		if int64(h) < cutoff {
			delete(p.buckets, h)
			delete(p.votesByHeight, h)
		}
	}

	for k := range p.lastVote {
		if int64(k.height) < cutoff {
			delete(p.lastVote, k)
		}
	}
}
