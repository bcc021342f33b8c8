package checksum

// Checksum32 computes a 32-bit checksum incrementally. Unlike
// hash.Hash32, calling Sum32() does not terminate the computation:
// more data may be appended afterwards. This property is relied upon
// by streaming readers that want to compare intermediate values.
type Checksum32 interface {
	Update(p []byte)
	Sum32() uint32
}
