package application

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// EncodeChain serializes blocks to CBOR. Timestamps are written as tagged
// RFC 3339 strings so a decoded chain re-hashes to the same digests.
func EncodeChain(blocks []Block) ([]byte, error) {
	em, err := cbor.EncOptions{
		Time:    cbor.TimeRFC3339Nano,
		TimeTag: cbor.EncTagRequired,
	}.EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to build cbor encoder: %w", err)
	}

	data, err := em.Marshal(blocks)
	if err != nil {
		return nil, fmt.Errorf("failed to encode chain: %w", err)
	}

	return data, nil
}

// DecodeChain is the inverse of EncodeChain. It does not validate the result;
// use VerifyChain for that.
func DecodeChain(data []byte) ([]Block, error) {
	var blocks []Block
	if err := cbor.Unmarshal(data, &blocks); err != nil {
		return nil, fmt.Errorf("failed to decode chain: %w", err)
	}

	return blocks, nil
}
