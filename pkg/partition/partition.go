package partition

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Space is the size of the key space partitions are carved from: the first
// four bytes of a task id.
const Space uint64 = 1 << 32

// Partition is a half-open range [Low, High) of the key space owned by one worker.
type Partition struct {
	Low   uint64 `json:"low"`
	High  uint64 `json:"high"`
	Index int    `json:"index"`
	Count int    `json:"count"`
}

// Whole returns the partition covering the entire key space.
func Whole() Partition {
	return Partition{Low: 0, High: Space, Index: 0, Count: 1}
}

// Key returns the partition key of an id.
func Key(id uuid.UUID) uint64 {
	return uint64(binary.BigEndian.Uint32(id[:4]))
}

// Contains reports whether id falls into the partition.
func (p Partition) Contains(id uuid.UUID) bool {
	k := Key(id)
	return k >= p.Low && k < p.High
}

// OpenEnded reports whether the partition extends to the end of the id space.
func (p Partition) OpenEnded() bool {
	return p.High >= Space
}

// Bounds returns the partition as canonical uuid strings suitable for range
// comparisons against text ids. High is empty for the open-ended last range.
func (p Partition) Bounds() (low, high string) {
	low = boundary(p.Low)
	if !p.OpenEnded() {
		high = boundary(p.High)
	}
	return low, high
}

func (p Partition) String() string {
	return fmt.Sprintf("%d/%d [%08x, %s)", p.Index+1, p.Count, p.Low, p.highString())
}

func (p Partition) highString() string {
	if p.OpenEnded() {
		return "end"
	}
	return fmt.Sprintf("%08x", p.High)
}

func boundary(v uint64) string {
	return fmt.Sprintf("%08x-0000-0000-0000-000000000000", v)
}

// Split divides the key space into n equal, disjoint ranges covering all of it.
// The last range is open-ended.
func Split(n int) []Partition {
	if n <= 0 {
		return nil
	}
	parts := make([]Partition, n)
	for i := 0; i < n; i++ {
		parts[i] = Partition{
			Low:   uint64(i) * Space / uint64(n),
			High:  uint64(i+1) * Space / uint64(n),
			Index: i,
			Count: n,
		}
	}
	parts[n-1].High = Space
	return parts
}

// Assign returns the partition owned by self given the live workers. The
// result depends only on the set of workers, so every worker computes the
// same assignment from the same roster.
func Assign(workers []string, self string) (Partition, error) {
	sorted := dedupe(workers)
	idx := sort.SearchStrings(sorted, self)
	if idx >= len(sorted) || sorted[idx] != self {
		return Partition{}, fmt.Errorf("worker %s is not in the roster", self)
	}
	return Split(len(sorted))[idx], nil
}

func dedupe(workers []string) []string {
	seen := make(map[string]struct{}, len(workers))
	out := make([]string, 0, len(workers))
	for _, w := range workers {
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}
