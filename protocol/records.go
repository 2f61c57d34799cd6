package protocol

// Records is a batch of encoded records. Batching keeps the network path
// writev-friendly and converts directly to net.Buffers.
type Records [][]byte

func (recs Records) TotalLen() (total int64) {
	for _, r := range recs {
		total += int64(len(r))
	}
	return
}
