package subinode

import "encoding/json"

// jsonMarshalOrNil is the wire-framing codec for messages this package
// owns both ends of (PoSe verify request/reply/broadcast). JSON keeps
// the framing simple and self-describing; the fixed parts are
// the signable-byte formats (wire.go), which this encoding never
// touches.
func jsonMarshalOrNil(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}

	return b
}

// jsonUnmarshalInto is jsonMarshalOrNil's receiving half.
func jsonUnmarshalInto(b []byte, v interface{}) error {
	return json.Unmarshal(b, v)
}
