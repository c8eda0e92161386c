package subinode

import "github.com/SubiPlatform/SubiCore/errors"

// Protocol-level rejection constructors: every rejecting
// branch in manager.go/payments.go returns one of these instead of a
// bare bool, so the misbehavior score travels with the error.

func errSoft(format string, args ...interface{}) error {
	return errors.NewDoS(errors.ScoreSoft, errors.ERR_INVALID_ARGUMENT, format, args...)
}

func errRateAbuse(format string, args ...interface{}) error {
	return errors.NewDoS(errors.ScoreRateAbuse, errors.ERR_THRESHOLD_EXCEEDED, format, args...)
}

func errIdentityMismatch(format string, args ...interface{}) error {
	return errors.NewDoS(errors.ScoreIdentityMismatch, errors.ERR_INVALID_ARGUMENT, format, args...)
}

func errCryptoFailure(format string, args ...interface{}) error {
	return errors.NewDoS(errors.ScoreCryptoFailure, errors.ERR_SIGNATURE_INVALID, format, args...)
}

// errDuplicate reports a dedup hit: not a misbehavior, just a no-op.
func errDuplicate(format string, args ...interface{}) error {
	return errors.New(errors.ERR_ALREADY_EXISTS, format, args...)
}

// errNotFound reports a local invariant miss (e.g. ranking against an
// unknown block hash) that the caller must degrade gracefully from,
// never penalize a peer for.
func errNotFound(format string, args ...interface{}) error {
	return errors.New(errors.ERR_NOT_FOUND, format, args...)
}
