package indexer

import (
	"errors"
	"fmt"
)

// BlockRange is an inclusive block window.
type BlockRange struct {
	From uint64
	To   uint64
}

// Len is the number of blocks in r.
func (r BlockRange) Len() uint64 {
	return r.To - r.From + 1
}

// Windows cuts [from, to] into consecutive windows of at most size blocks.
func Windows(from, to, size uint64) ([]BlockRange, error) {
	if size == 0 {
		return nil, errors.New("window size must be greater than zero")
	}
	if to < from {
		return nil, fmt.Errorf("window end %d before start %d", to, from)
	}

	windows := make([]BlockRange, 0, (to-from)/size+1)
	for start := from; ; start += size {
		end := to
		if to-start >= size {
			end = start + size - 1
		}
		windows = append(windows, BlockRange{From: start, To: end})
		if end == to {
			return windows, nil
		}
	}
}
