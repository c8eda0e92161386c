package subinode

import (
	"context"
	"encoding/json"

	"github.com/SubiPlatform/SubiCore/errors"
	"github.com/SubiPlatform/SubiCore/stores/blob"
)

// stateVersion is the literal compared against a loaded dump's version
// string: a mismatch is treated identically to "no file".
const stateVersion = "subinode-state-v1"

// managerDump mirrors persisted manager layout. Per-peer asked/recovery
// bookkeeping is deliberately not persisted here (NetFulfilled's tags
// are transient rate-limit state, not worth persisting — losing them
// just means a brief burst of otherwise-suppressed repeat traffic after
// a restart).
type managerDump struct {
	Version string  `json:"version"`
	Nodes   []*Node `json:"nodes"`
}

// paymentsDump mirrors payment-store dump: votes and the
// per-height bucket aggregation.
type paymentsDump struct {
	Version string                     `json:"version"`
	Votes   []*PaymentVoteMsg          `json:"votes"`
	Buckets map[uint32][]*PayeeBucket  `json:"buckets"`
}

// SaveManagerState dumps m's node set through store under key.
func SaveManagerState(ctx context.Context, store blob.Store, key []byte, nodes []*Node) error {
	dump := managerDump{Version: stateVersion, Nodes: nodes}

	raw, err := json.Marshal(dump)
	if err != nil {
		return errors.New(errors.ERR_STORAGE_ERROR, "subinode: marshal manager state", err)
	}

	return store.Set(ctx, key, raw)
}

// LoadManagerState restores a node set. A missing key, a read error, or
// a version mismatch are all treated as "no file": the caller
// gets an empty, non-error result and resyncs from the network.
func LoadManagerState(ctx context.Context, store blob.Store, key []byte) []*Node {
	raw, err := store.Get(ctx, key)
	if err != nil {
		return nil
	}

	var dump managerDump
	if err := json.Unmarshal(raw, &dump); err != nil || dump.Version != stateVersion {
		return nil
	}

	return dump.Nodes
}

// SavePaymentsState dumps the payment voter's votes and buckets.
func SavePaymentsState(ctx context.Context, store blob.Store, key []byte, votes []*PaymentVoteMsg, buckets map[uint32][]*PayeeBucket) error {
	dump := paymentsDump{Version: stateVersion, Votes: votes, Buckets: buckets}

	raw, err := json.Marshal(dump)
	if err != nil {
		return errors.New(errors.ERR_STORAGE_ERROR, "subinode: marshal payments state", err)
	}

	return store.Set(ctx, key, raw)
}

// LoadPaymentsState restores votes/buckets, or nil/nil on any corruption
// or absence (equivalent to "no file", ).
func LoadPaymentsState(ctx context.Context, store blob.Store, key []byte) ([]*PaymentVoteMsg, map[uint32][]*PayeeBucket) {
	raw, err := store.Get(ctx, key)
	if err != nil {
		return nil, nil
	}

	var dump paymentsDump
	if err := json.Unmarshal(raw, &dump); err != nil || dump.Version != stateVersion {
		return nil, nil
	}

	return dump.Votes, dump.Buckets
}
