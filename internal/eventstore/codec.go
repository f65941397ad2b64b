package eventstore

import (
	"fmt"

	"github.com/golang/snappy"
)

// encodePayload compresses payloads above the threshold. It returns the
// stored bytes, the compression flag, and the uncompressed length.
func encodePayload(payload []byte, threshold int64) ([]byte, bool, int64) {
	ulen := int64(len(payload))
	if threshold <= 0 || ulen <= threshold {
		return payload, false, ulen
	}
	return snappy.Encode(nil, payload), true, ulen
}

// decodePayload reverses encodePayload.
func decodePayload(data []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return data, nil
	}
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	return out, nil
}
