package apksig

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"
)

const chunkSize = 1 << 20 // 1 MiB

// chunkHasher accumulates SHA-256(0xa5 || le32(len(chunk)) || chunk) over
// each <=1MiB slice written to it, then folds the accumulated chunk digests
// into the final root digest on Finish. Section boundaries (S1/S3/S4) must
// call Flush between them: a chunk never spans two sections.
type chunkHasher struct {
	buf    []byte
	n      int
	count  uint32
	digests [][]byte
}

func newChunkHasher() *chunkHasher {
	return &chunkHasher{buf: make([]byte, chunkSize)}
}

func (h *chunkHasher) chunk(block []byte) {
	var prefix [5]byte
	prefix[0] = 0xa5
	binary.LittleEndian.PutUint32(prefix[1:], uint32(len(block)))
	d := sha256.New()
	d.Write(prefix[:])
	d.Write(block)
	h.digests = append(h.digests, d.Sum(nil))
	h.count++
}

// Write implements io.Writer, buffering input into chunkSize-aligned slices.
func (h *chunkHasher) Write(p []byte) (int, error) {
	total := len(p)
	if h.n != 0 && h.n+len(p) >= chunkSize {
		taken := chunkSize - h.n
		copy(h.buf[h.n:], p[:taken])
		p = p[taken:]
		h.chunk(h.buf)
		h.n = 0
	}
	for len(p) >= chunkSize {
		h.chunk(p[:chunkSize])
		p = p[chunkSize:]
	}
	if len(p) != 0 {
		copy(h.buf[h.n:], p)
		h.n += len(p)
	}
	return total, nil
}

// Flush hashes any partially-filled buffer as its own final chunk for the
// current section. Calling Flush on an empty buffer is a no-op.
func (h *chunkHasher) Flush() {
	if h.n != 0 {
		h.chunk(h.buf[:h.n])
		h.n = 0
	}
}

// RootDigest folds the ordered chunk digests into
// SHA-256(0x5a || le32(count) || concat(chunk_digests)).
func (h *chunkHasher) RootDigest() []byte {
	var prefix [5]byte
	prefix[0] = 0x5a
	binary.LittleEndian.PutUint32(prefix[1:], h.count)
	d := sha256.New()
	d.Write(prefix[:])
	for _, cd := range h.digests {
		d.Write(cd)
	}
	return d.Sum(nil)
}

// WriteSectionParallel hashes an entire section at once using a bounded
// worker pool instead of chunkHasher's serial Write/Flush path. It must be
// called on a hasher with no buffered partial chunk (i.e. immediately after
// construction or a Flush), since parallel chunk boundaries are computed
// from the start of data.
func (h *chunkHasher) WriteSectionParallel(data []byte, workers int) {
	for _, d := range hashChunksParallel(data, workers) {
		h.digests = append(h.digests, d)
		h.count++
	}
}

// hashChunksParallel computes the same per-chunk digests as chunkHasher but
// fans the work for a single section out across a bounded worker pool,
// preserving chunk order by index rather than completion order. Used for
// large S1 sections where most of the archive content lives.
func hashChunksParallel(data []byte, workers int) [][]byte {
	if workers < 1 {
		workers = 1
	}
	n := (len(data) + chunkSize - 1) / chunkSize
	if n == 0 {
		return nil
	}
	digests := make([][]byte, n)
	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)
	for i := 0; i < n; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(data) {
			end = len(data)
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i, start, end int) {
			defer wg.Done()
			defer func() { <-sem }()
			block := data[start:end]
			var prefix [5]byte
			prefix[0] = 0xa5
			binary.LittleEndian.PutUint32(prefix[1:], uint32(len(block)))
			d := sha256.New()
			d.Write(prefix[:])
			d.Write(block)
			digests[i] = d.Sum(nil)
		}(i, start, end)
	}
	wg.Wait()
	return digests
}
