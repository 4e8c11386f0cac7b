package adaptor

import (
	"fmt"
	"sort"
)

const (
	// MaxChunk caps the size of any single fragment handed to the
	// transport's vectored read
	MaxChunk = 512 * 1024

	// maxReadOffset bounds valid fragment offsets (2^41)
	maxReadOffset = int64(1) << 41
)

// extendsInto reports whether next begins exactly where tail's backing array
// ends, i.e. tail can be grown in place to absorb next's leading bytes.
func extendsInto(tail, next []byte) bool {
	if len(next) == 0 || cap(tail) <= len(tail) {
		return false
	}
	return &tail[:len(tail)+1][len(tail)] == &next[0]
}

// appendConsumed adds up to chunksize bytes of the fragment at *io to the
// output list, coalescing with the output's tail when the tail is below
// MaxChunk and ends exactly at the fragment's offset. Returns the number of
// bytes consumed. *io is advanced past the consumed bytes.
func appendConsumed(io *IOPosBuffer, output *[]IOPosBuffer, chunksize int64) int64 {
	var consumed int64
	coalesced := false
	if n := len(*output); n > 0 {
		outio := &(*output)[n-1]
		if outio.Size() < MaxChunk &&
			outio.Offset+outio.Size() == io.Offset &&
			extendsInto(outio.Data, io.Data) {
			if outio.Size()+chunksize > MaxChunk {
				consumed = MaxChunk - outio.Size()
			} else {
				consumed = chunksize
			}
			outio.Data = outio.Data[:outio.Size()+consumed]
			coalesced = true
		}
	}
	if !coalesced {
		consumed = chunksize
		*output = append(*output, IOPosBuffer{Offset: io.Offset, Data: io.Data[:chunksize]})
	}
	io.Offset += consumed
	io.Data = io.Data[consumed:]
	return consumed
}

// consumeChunkFront moves up to chunksize bytes from the front of the
// working list into output, advancing the front cursor past fully consumed
// fragments.
func consumeChunkFront(front *int, input []IOPosBuffer, output *[]IOPosBuffer, chunksize int64) {
	for chunksize > 0 && *front < len(input) {
		io := &input[*front]
		switch {
		case io.Size() > chunksize:
			chunksize -= appendConsumed(io, output, chunksize)
		case io.Size() == 0:
			*front++
		default:
			*output = append(*output, *io)
			chunksize -= io.Size()
			*front++
		}
	}
}

// consumeChunkBack moves up to chunksize bytes from the back of the working
// list into output, popping fully consumed fragments.
func consumeChunkBack(front int, input *[]IOPosBuffer, output *[]IOPosBuffer, chunksize int64) {
	for chunksize > 0 && front < len(*input) {
		io := &(*input)[len(*input)-1]
		switch {
		case io.Size() > chunksize:
			chunksize -= appendConsumed(io, output, chunksize)
		case io.Size() == 0:
			*input = (*input)[:len(*input)-1]
		default:
			*output = append(*output, *io)
			chunksize -= io.Size()
			*input = (*input)[:len(*input)-1]
		}
	}
}

// validateList checks the output-list invariants: offsets strictly
// ascending, no fragment above MaxChunk, no offset at or beyond 2^41.
// Returns the total byte count.
func validateList(req []IOPosBuffer) (int64, error) {
	var total int64
	lastOffset := int64(-1)
	for _, io := range req {
		total += io.Size()
		if io.Offset <= lastOffset {
			return 0, fmt.Errorf("fragment offsets not strictly ascending: %d after %d", io.Offset, lastOffset)
		}
		lastOffset = io.Offset
		if io.Size() > MaxChunk {
			return 0, fmt.Errorf("fragment of %d bytes exceeds max chunk %d", io.Size(), MaxChunk)
		}
		if io.Offset >= maxReadOffset {
			return 0, fmt.Errorf("fragment offset %d out of range", io.Offset)
		}
	}
	return total, nil
}

// splitClientRequest partitions a scatter list between two sources with
// per-round chunk budgets weighted inversely by quality: the better source
// receives the larger share. Fragments are consumed alternately from the
// front and the back of a working copy, coalesced where adjacent, and each
// output list is sorted by offset. Coverage is exact: every byte of iolist
// lands in exactly one output fragment.
func splitClientRequest(iolist []IOPosBuffer, q1, q2 int64) (req1, req2 []IOPosBuffer, err error) {
	if len(iolist) == 0 {
		return nil, nil, nil
	}
	tmp := make([]IOPosBuffer, len(iolist))
	copy(tmp, iolist)
	req1 = make([]IOPosBuffer, 0, len(iolist)/2+1)
	req2 = make([]IOPosBuffer, 0, len(iolist)/2+1)
	front := 0

	fq1, fq2 := float64(q1), float64(q2)
	chunk1 := int64(float64(MaxChunk) * (fq2 / (fq1 + fq2)))
	chunk2 := int64(float64(MaxChunk) * (fq1 / (fq1 + fq2)))

	for len(tmp)-front > 0 {
		consumeChunkFront(&front, tmp, &req1, chunk1)
		consumeChunkBack(front, &tmp, &req2, chunk2)
	}

	sort.Slice(req1, func(i, j int) bool { return req1[i].Offset < req1[j].Offset })
	sort.Slice(req2, func(i, j int) bool { return req2[i].Offset < req2[j].Offset })

	size1, err := validateList(req1)
	if err != nil {
		return nil, nil, fmt.Errorf("first split list invalid: %w", err)
	}
	size2, err := validateList(req2)
	if err != nil {
		return nil, nil, fmt.Errorf("second split list invalid: %w", err)
	}
	if orig := totalSize(iolist); orig != size1+size2 {
		return nil, nil, fmt.Errorf("split lost coverage: %d bytes in, %d+%d out", orig, size1, size2)
	}
	return req1, req2, nil
}
