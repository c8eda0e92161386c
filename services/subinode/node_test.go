package subinode

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNode_Check_StateMachine(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)

	t.Run("outpoint spent is terminal regardless of other state", func(t *testing.T) {
		n := &Node{AnnounceTime: base, LastPing: &PingMsg{PingTime: base}, ProtocolVersion: MinProtocolForPayments}
		n.Check(CheckParams{Now: base, OutpointSpent: true}, true)
		assert.Equal(t, OutpointSpent, n.ActiveState)
	})

	t.Run("pose ban score at max transitions to banned and sets unban height", func(t *testing.T) {
		n := &Node{AnnounceTime: base, LastPing: &PingMsg{PingTime: base}, ProtocolVersion: MinProtocolForPayments, PoSeBanScore: PoSeBanMaxScore}
		n.Check(CheckParams{Now: base, TipHeight: 100, NodeCount: 20}, true)
		require.Equal(t, PoSeBanned, n.ActiveState)
		assert.Equal(t, uint32(120), n.PoSeBanUntilHeight)
	})

	t.Run("score four plus one more violation bans", func(t *testing.T) {
		n := &Node{AnnounceTime: base, LastPing: &PingMsg{PingTime: base}, ProtocolVersion: MinProtocolForPayments, PoSeBanScore: PoSeBanMaxScore - 1}
		n.PoSeBanScore++ // the "one more violation"
		n.Check(CheckParams{Now: base, TipHeight: 100, NodeCount: 20}, true)
		assert.Equal(t, PoSeBanned, n.ActiveState)
	})

	t.Run("ban score decays once tip passes the unban height", func(t *testing.T) {
		n := &Node{AnnounceTime: base, LastPing: &PingMsg{PingTime: base}, ProtocolVersion: MinProtocolForPayments, PoSeBanScore: PoSeBanMaxScore}
		n.Check(CheckParams{Now: base, TipHeight: 100, NodeCount: 10}, true)
		require.Equal(t, PoSeBanned, n.ActiveState)
		require.Equal(t, uint32(110), n.PoSeBanUntilHeight)

		n.Check(CheckParams{Now: base.Add(time.Minute), TipHeight: 111, NodeCount: 10}, true)
		assert.Equal(t, PoSeBanMaxScore-1, n.PoSeBanScore)
	})

	t.Run("protocol version below minimum requires update", func(t *testing.T) {
		n := &Node{AnnounceTime: base, LastPing: &PingMsg{PingTime: base}, ProtocolVersion: MinProtocolForPayments - 1}
		n.Check(CheckParams{Now: base}, true)
		assert.Equal(t, UpdateRequired, n.ActiveState)
	})

	t.Run("no ping at all requires new start", func(t *testing.T) {
		n := &Node{AnnounceTime: base, ProtocolVersion: MinProtocolForPayments}
		n.Check(CheckParams{Now: base}, true)
		assert.Equal(t, NewStartRequired, n.ActiveState)
	})

	t.Run("stale ping past new-start window requires new start", func(t *testing.T) {
		n := &Node{
			AnnounceTime:    base,
			LastPing:        &PingMsg{PingTime: base},
			ProtocolVersion: MinProtocolForPayments,
		}
		n.Check(CheckParams{Now: base.Add(NewStartRequiredSeconds*time.Second + time.Second)}, true)
		assert.Equal(t, NewStartRequired, n.ActiveState)
	})

	t.Run("watchdog active and vote stale expires watchdog", func(t *testing.T) {
		n := &Node{
			AnnounceTime:    base,
			LastPing:        &PingMsg{PingTime: base.Add(20 * time.Minute)},
			ProtocolVersion: MinProtocolForPayments,
		}
		now := base.Add(30 * time.Minute)
		n.Check(CheckParams{
			Now:            now,
			WatchdogActive: true,
			WatchdogVoteAt: now.Add(-(WatchdogMaxSeconds + 1) * time.Second),
		}, true)
		assert.Equal(t, WatchdogExpired, n.ActiveState)
	})

	t.Run("ping older than expiration window expires", func(t *testing.T) {
		n := &Node{
			AnnounceTime:    base,
			LastPing:        &PingMsg{PingTime: base.Add(20 * time.Minute)},
			ProtocolVersion: MinProtocolForPayments,
		}
		n.Check(CheckParams{Now: base.Add(20*time.Minute + ExpirationSeconds*time.Second + time.Second)}, true)
		assert.Equal(t, Expired, n.ActiveState)
	})

	t.Run("ping too soon after announce is pre-enabled", func(t *testing.T) {
		n := &Node{
			AnnounceTime:    base,
			LastPing:        &PingMsg{PingTime: base.Add(5 * time.Minute)},
			ProtocolVersion: MinProtocolForPayments,
		}
		n.Check(CheckParams{Now: base.Add(6 * time.Minute)}, true)
		assert.Equal(t, PreEnabled, n.ActiveState)
	})

	t.Run("healthy node is enabled", func(t *testing.T) {
		n := &Node{
			AnnounceTime:    base,
			LastPing:        &PingMsg{PingTime: base.Add(MinMnpSeconds * time.Second)},
			ProtocolVersion: MinProtocolForPayments,
		}
		n.Check(CheckParams{Now: base.Add(MinMnpSeconds*time.Second + time.Minute)}, true)
		assert.Equal(t, Enabled, n.ActiveState)
	})

	t.Run("throttled unless forced", func(t *testing.T) {
		n := &Node{AnnounceTime: base, LastPing: &PingMsg{PingTime: base}, ProtocolVersion: MinProtocolForPayments}
		n.Check(CheckParams{Now: base}, true)
		n.LastCheckedTime = base

		// Without force, a second call within CheckIntervalSeconds is a no-op
		// even though the inputs would otherwise change the outcome.
		n.Check(CheckParams{Now: base.Add(time.Second), OutpointSpent: true}, false)
		assert.NotEqual(t, OutpointSpent, n.ActiveState)
	})
}

func TestNode_UpdateFromNewAnnounce(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)

	n := &Node{
		CollateralOutpoint: testOutpoint(1),
		AnnounceTime:        base,
		PoSeBanScore:        3,
	}

	t.Run("equal or older announce_time without recovery is rejected", func(t *testing.T) {
		err := n.UpdateFromNewAnnounce(&AnnounceMsg{AnnounceTime: base})
		require.Error(t, err)
		assert.Equal(t, 3, n.PoSeBanScore, "no-op: fields unchanged")
	})

	t.Run("newer announce_time supersedes and resets pose score", func(t *testing.T) {
		newer := base.Add(600 * time.Second)
		err := n.UpdateFromNewAnnounce(&AnnounceMsg{
			AnnounceTime:     newer,
			ProtocolVersion:  MinProtocolForPayments + 1,
			Addr:             NetAddr{},
			CollateralPubKey: PubKey{1, 2, 3},
		})
		require.NoError(t, err)
		assert.Equal(t, newer, n.AnnounceTime)
		assert.Equal(t, 0, n.PoSeBanScore)
		assert.Equal(t, MinProtocolForPayments+1, int(n.ProtocolVersion))
	})

	t.Run("equal announce_time with recovery=true is accepted", func(t *testing.T) {
		same := n.AnnounceTime
		n.PoSeBanScore = 2

		err := n.UpdateFromNewAnnounce(&AnnounceMsg{AnnounceTime: same, Recovery: true})
		require.NoError(t, err)
		assert.Equal(t, 0, n.PoSeBanScore)
	})
}

func TestNode_Score_Deterministic(t *testing.T) {
	n1 := &Node{CollateralOutpoint: testOutpoint(1)}
	n2 := &Node{CollateralOutpoint: testOutpoint(1)}
	n3 := &Node{CollateralOutpoint: testOutpoint(2)}

	hash := hashAtHeight(42)

	assert.Equal(t, n1.Score(hash), n2.Score(hash), "same outpoint+hash must score identically on every node")
	assert.NotEqual(t, n1.Score(hash), n3.Score(hash), "different outpoints should (almost always) score differently")
}
