package errors

// ERR enumerates the error classes the subinode tier raises. This is a
// plain Go enum rather than a generated protobuf one: this subsystem
// speaks a P2P wire protocol, not gRPC, so there is no generated .proto
// to source an enum from and no gRPC status bridging to carry along.
type ERR int32

const (
	ERR_UNKNOWN ERR = iota
	ERR_INVALID_ARGUMENT
	ERR_NOT_FOUND
	ERR_ALREADY_EXISTS
	ERR_THRESHOLD_EXCEEDED
	ERR_PROCESSING
	ERR_SERVICE_ERROR
	ERR_STORAGE_ERROR
	ERR_SIGNATURE_INVALID
	ERR_STATE_INVALID
	ERR_CONFIGURATION
)

var errName = map[ERR]string{
	ERR_UNKNOWN:            "UNKNOWN",
	ERR_INVALID_ARGUMENT:   "INVALID_ARGUMENT",
	ERR_NOT_FOUND:          "NOT_FOUND",
	ERR_ALREADY_EXISTS:     "ALREADY_EXISTS",
	ERR_THRESHOLD_EXCEEDED: "THRESHOLD_EXCEEDED",
	ERR_PROCESSING:         "PROCESSING",
	ERR_SERVICE_ERROR:      "SERVICE_ERROR",
	ERR_STORAGE_ERROR:      "STORAGE_ERROR",
	ERR_SIGNATURE_INVALID:  "SIGNATURE_INVALID",
	ERR_STATE_INVALID:      "STATE_INVALID",
	ERR_CONFIGURATION:      "CONFIGURATION",
}

func (e ERR) String() string {
	if name, ok := errName[e]; ok {
		return name
	}
	return "UNKNOWN"
}
