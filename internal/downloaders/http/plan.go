package segfetchhttp

// ChunkSpec is one inclusive byte range of the resource.
type ChunkSpec struct {
	Index int
	Start uint64
	End   uint64
}

func (c ChunkSpec) Size() uint64 { return c.End - c.Start + 1 }

// Plan splits [0, totalSize) into contiguous chunks; the last chunk absorbs the
// remainder of the integer division. When there are more workers than bytes,
// the worker count drops to totalSize so no chunk is empty. totalSize must be
// non-zero.
func Plan(totalSize uint64, workers int) ([]ChunkSpec, error) {
	if workers < 1 {
		return nil, ErrInvalidWorkerCount
	}
	if totalSize == 0 {
		return nil, nil
	}
	n := uint64(workers)
	if n > totalSize {
		n = totalSize
	}
	chunkSize := totalSize / n
	chunks := make([]ChunkSpec, 0, n)
	for i := uint64(0); i < n; i++ {
		start := i * chunkSize
		end := (i+1)*chunkSize - 1
		if i == n-1 {
			end = totalSize - 1
		}
		chunks = append(chunks, ChunkSpec{Index: int(i), Start: start, End: end})
	}
	return chunks, nil
}

// effectiveWorkers lowers workers so each chunk is at least minChunkSize bytes.
func effectiveWorkers(totalSize uint64, workers int, minChunkSize uint64) int {
	if minChunkSize == 0 || workers <= 1 {
		return workers
	}
	if limit := totalSize / minChunkSize; limit < uint64(workers) {
		return int(max(limit, 1))
	}
	return workers
}
