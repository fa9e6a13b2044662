package store

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// recordCodec serializes records for backends that persist bytes. Records
// are encoded as canonical CBOR: compact, and byte strings such as push
// credentials need no extra encoding.
type recordCodec[T any] struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newRecordCodec[T any]() (recordCodec[T], error) {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano

	enc, err := opts.EncMode()
	if err != nil {
		return recordCodec[T]{}, fmt.Errorf("creating CBOR encoder: %w", err)
	}

	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return recordCodec[T]{}, fmt.Errorf("creating CBOR decoder: %w", err)
	}

	return recordCodec[T]{enc: enc, dec: dec}, nil
}

func (c recordCodec[T]) marshal(record T) ([]byte, error) {
	data, err := c.enc.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	return data, nil
}

func (c recordCodec[T]) unmarshal(data []byte) (T, error) {
	var record T
	if err := c.dec.Unmarshal(data, &record); err != nil {
		return record, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return record, nil
}
