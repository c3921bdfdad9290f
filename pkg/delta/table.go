package delta

// MaxBitWidth is the widest miniblock bit width.
const MaxBitWidth = 64

// Table holds, for every bit width, the number of deltas unpacked per step
// and the number of bits that step consumes. It depends only on the
// configuration and is built once.
type Table struct {
	maxPerStep int
	counts     [MaxBitWidth + 1]int
	shifts     [MaxBitWidth + 1]int
}

// NewTable builds the table for at most maxPerStep values per step.
//
// For width 0 the count is maxPerStep: the deltas are synthesized without
// consuming bits. For any other width it is the largest power of two that is
// not above maxPerStep and divides 32. A step may span several transfer
// words, the carry register collects them.
func NewTable(maxPerStep int) *Table {
	t := &Table{maxPerStep: maxPerStep}
	t.counts[0] = maxPerStep
	for w := 1; w <= MaxBitWidth; w++ {
		c := 1
		for next := 2; next <= maxPerStep && 32%next == 0; next *= 2 {
			c = next
		}
		t.counts[w] = c
		t.shifts[w] = c * w
	}
	return t
}

// Count returns the number of deltas unpacked per step for width w.
func (t *Table) Count(w int) int { return t.counts[w] }

// Shift returns the number of bits consumed per step for width w.
func (t *Table) Shift(w int) int { return t.shifts[w] }

// MaxPerStep returns the configured throughput.
func (t *Table) MaxPerStep() int { return t.maxPerStep }
