package adaptor

// IOPosBuffer describes one scatter/gather fragment: a destination buffer
// and the file offset its bytes come from.
type IOPosBuffer struct {
	Offset int64
	Data   []byte
}

// Size returns the fragment length in bytes
func (b IOPosBuffer) Size() int64 {
	return int64(len(b.Data))
}

// totalSize sums the sizes of all fragments in a list
func totalSize(iolist []IOPosBuffer) int64 {
	var total int64
	for _, io := range iolist {
		total += io.Size()
	}
	return total
}
