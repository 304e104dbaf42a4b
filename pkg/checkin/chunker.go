// Package checkin ingests a filesystem path into the content-addressed
// object graph (§4.5): chunking file contents, building directory and
// symlink objects, collapsing cross-file reference cycles into Graph
// objects, and issuing a single Store+Index batch.
package checkin

import (
	"bufio"
	"io"
)

// ChunkParams bounds the content-defined chunker's output sizes. Avg
// governs the boundary probability (1/Avg per byte position); Min and
// Max are hard bounds enforced regardless of hash boundaries.
type ChunkParams struct {
	Min uint64
	Avg uint64
	Max uint64
}

// DefaultChunkParams match typical CDC deployments: small files stay a
// single leaf, large files split around 16KiB chunks.
var DefaultChunkParams = ChunkParams{
	Min: 4 * 1024,
	Avg: 16 * 1024,
	Max: 64 * 1024,
}

// mask selects a boundary once avg bits of the rolling hash are zero;
// Avg must be a power of two for this to hold exactly, so we round
// down to the nearest power of two at construction time.
func maskFor(avg uint64) uint64 {
	if avg < 2 {
		return 0
	}
	bits := uint(0)
	for v := avg; v > 1; v >>= 1 {
		bits++
	}
	return (uint64(1) << bits) - 1
}

// gearTable is a table of 256 pseudo-random 64-bit values used by the
// gear rolling hash (Xia et al., "FastCDC"). It is derived at package
// init time from a fixed seed via splitmix64, so boundaries are
// reproducible across runs and builds without hand-maintaining a
// literal table.
var gearTable [256]uint64

func init() {
	state := uint64(0x9e3779b97f4a7c15)
	for i := range gearTable {
		state += 0x9e3779b97f4a7c15
		z := state
		z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
		z = (z ^ (z >> 27)) * 0x94d049bb133111eb
		gearTable[i] = z ^ (z >> 31)
	}
}

// Chunker splits a stream into content-defined byte ranges using a
// gear-table rolling hash (§4.5). Boundaries are reproducible across
// runs given identical input and parameters, which is what lets equal
// files produce equal blob trees regardless of surrounding context.
type Chunker struct {
	r      *bufio.Reader
	params ChunkParams
	mask   uint64
}

// NewChunker wraps r with a content-defined chunker using params.
func NewChunker(r io.Reader, params ChunkParams) *Chunker {
	return &Chunker{
		r:      bufio.NewReaderSize(r, 1<<20),
		params: params,
		mask:   maskFor(params.Avg),
	}
}

// Next reads and returns the next chunk, or io.EOF once the stream is
// exhausted. The final chunk of a file may be shorter than Min.
func (c *Chunker) Next() ([]byte, error) {
	buf := make([]byte, 0, c.params.Max)
	var hash uint64

	for {
		b, err := c.r.ReadByte()
		if err != nil {
			if err == io.EOF {
				if len(buf) == 0 {
					return nil, io.EOF
				}
				return buf, nil
			}
			return nil, err
		}
		buf = append(buf, b)
		hash = (hash << 1) + gearTable[b]

		if uint64(len(buf)) >= c.params.Min && hash&c.mask == 0 {
			return buf, nil
		}
		if uint64(len(buf)) >= c.params.Max {
			return buf, nil
		}
	}
}
