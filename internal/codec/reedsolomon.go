// Package codec wraps klauspost/reedsolomon behind the split/encode/
// reconstruct semantics of §4.2, generalising the teacher's
// erasure_coding_service.go (which hard-coded a single data/parity ratio
// per call) into a reusable Codec value configured once with D and P.
package codec

import (
	"bytes"
	"fmt"

	"github.com/klauspost/reedsolomon"

	"github.com/ioustamora/datamesh/internal/dmerrors"
)

// Codec is a Reed-Solomon encoder/decoder for a fixed (dataShards,
// parityShards) pair. D+P <= 256 and P <= D (§4.2).
type Codec struct {
	dataShards   int
	parityShards int
	enc          reedsolomon.Encoder
}

// New builds a Codec, validating the shard-count constraints of §4.2.
func New(dataShards, parityShards int) (*Codec, error) {
	if dataShards <= 0 || parityShards < 0 {
		return nil, fmt.Errorf("data_shards must be positive, parity_shards non-negative")
	}
	if dataShards+parityShards > 256 {
		return nil, fmt.Errorf("data_shards+parity_shards must be <= 256")
	}
	if parityShards > dataShards {
		return nil, fmt.Errorf("parity_shards must be <= data_shards")
	}
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("constructing reed-solomon encoder: %w", err)
	}
	return &Codec{dataShards: dataShards, parityShards: parityShards, enc: enc}, nil
}

func (c *Codec) DataShards() int   { return c.dataShards }
func (c *Codec) ParityShards() int { return c.parityShards }
func (c *Codec) TotalShards() int  { return c.dataShards + c.parityShards }

// Encode pads buf to a multiple of dataShards, splits it into dataShards
// equal data shards, and computes parityShards parity shards; every
// resulting shard has length ceil(len(buf)/dataShards) (§4.2 encode).
func (c *Codec) Encode(buf []byte) ([][]byte, error) {
	if len(buf) == 0 {
		// reedsolomon.Split rejects empty input; an empty buffer is
		// TotalShards() zero-length shards.
		shards := make([][]byte, c.TotalShards())
		for i := range shards {
			shards[i] = []byte{}
		}
		return shards, nil
	}
	shards, err := c.enc.Split(buf)
	if err != nil {
		return nil, fmt.Errorf("splitting buffer: %w", err)
	}
	if err := c.enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("computing parity shards: %w", err)
	}
	return shards, nil
}

// Decode reconstructs the original buffer given a slice of length
// TotalShards() where missing/unverified shards are nil, plus the exact
// original size to strip padding. At least dataShards entries must be
// present, or ErrInsufficientShards is returned (§4.2 decode).
func (c *Codec) Decode(shards [][]byte, originalSize int) ([]byte, error) {
	if len(shards) != c.TotalShards() {
		return nil, fmt.Errorf("expected %d shard slots, got %d", c.TotalShards(), len(shards))
	}

	present := 0
	for _, s := range shards {
		if s != nil {
			present++
		}
	}
	if present < c.dataShards {
		return nil, dmerrors.ErrInsufficientShards
	}
	if originalSize == 0 {
		return []byte{}, nil
	}

	work := make([][]byte, len(shards))
	copy(work, shards)

	ok, verr := c.enc.Verify(work)
	if !ok || verr != nil {
		if err := c.enc.Reconstruct(work); err != nil {
			return nil, fmt.Errorf("%w: %v", dmerrors.ErrCorrupt, err)
		}
		if ok, verr := c.enc.Verify(work); !ok || verr != nil {
			return nil, dmerrors.ErrCorrupt
		}
	}

	var out bytes.Buffer
	if err := c.enc.Join(&out, work, originalSize); err != nil {
		return nil, fmt.Errorf("joining shards: %w", err)
	}
	return out.Bytes(), nil
}
