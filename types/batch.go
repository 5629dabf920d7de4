package types

// Batch is a contiguous buffer of NumSamples fixed-size records.
// len(Data) == NumSamples * schema.SampleSize() for the schema it was encoded with.
type Batch struct {
	Data       []byte
	NumSamples int
}

// Empty reports whether the batch carries no records.
func (b *Batch) Empty() bool {
	return b == nil || b.NumSamples <= 0
}
