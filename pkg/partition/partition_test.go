package partition

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
)

func TestSplitDisjointAndTotal(t *testing.T) {
	for w := 1; w <= 5; w++ {
		t.Run(fmt.Sprintf("workers=%d", w), func(t *testing.T) {
			parts := Split(w)
			if len(parts) != w {
				t.Fatalf("Split(%d) returned %d partitions", w, len(parts))
			}
			if parts[0].Low != 0 {
				t.Errorf("first partition starts at %d, want 0", parts[0].Low)
			}
			for i := 0; i < w-1; i++ {
				if parts[i].High != parts[i+1].Low {
					t.Errorf("gap or overlap between %d and %d: %d != %d", i, i+1, parts[i].High, parts[i+1].Low)
				}
			}
			if !parts[w-1].OpenEnded() {
				t.Errorf("last partition is not open-ended: %v", parts[w-1])
			}

			for n := 0; n < 500; n++ {
				id := uuid.New()
				owners := 0
				for _, p := range parts {
					if p.Contains(id) {
						owners++
					}
				}
				if owners != 1 {
					t.Fatalf("id %s owned by %d partitions", id, owners)
				}
			}
		})
	}
}

func TestSplitEdges(t *testing.T) {
	parts := Split(4)
	tests := []struct {
		id   string
		want int
	}{
		{"00000000-0000-0000-0000-000000000000", 0},
		{"3fffffff-ffff-ffff-ffff-ffffffffffff", 0},
		{"40000000-0000-0000-0000-000000000000", 1},
		{"bfffffff-0000-0000-0000-000000000000", 2},
		{"ffffffff-ffff-ffff-ffff-ffffffffffff", 3},
	}
	for _, tt := range tests {
		id := uuid.MustParse(tt.id)
		for i, p := range parts {
			if got := p.Contains(id); got != (i == tt.want) {
				t.Errorf("partition %d Contains(%s) = %v", i, tt.id, got)
			}
		}
	}
}

func TestBoundsMatchContains(t *testing.T) {
	for _, p := range Split(3) {
		low, high := p.Bounds()
		for n := 0; n < 300; n++ {
			id := uuid.New()
			s := id.String()
			inRange := s >= low && (high == "" || s < high)
			if inRange != p.Contains(id) {
				t.Fatalf("bounds [%s, %s) disagree with Contains for %s", low, high, s)
			}
		}
	}
}

func TestAssign(t *testing.T) {
	workers := []string{"w-c", "w-a", "w-b", "w-a"}

	seen := make(map[int]string)
	for _, w := range []string{"w-a", "w-b", "w-c"} {
		p, err := Assign(workers, w)
		if err != nil {
			t.Fatalf("Assign(%s) error = %v", w, err)
		}
		if p.Count != 3 {
			t.Errorf("Assign(%s).Count = %d, want 3", w, p.Count)
		}
		if other, dup := seen[p.Index]; dup {
			t.Errorf("%s and %s both assigned index %d", w, other, p.Index)
		}
		seen[p.Index] = w
	}

	p, _ := Assign(workers, "w-a")
	if p.Index != 0 || p.Low != 0 {
		t.Errorf("lowest worker should own the first range, got %v", p)
	}

	if _, err := Assign(workers, "w-z"); err == nil {
		t.Error("Assign() with unknown worker should fail")
	}
}

func TestWhole(t *testing.T) {
	w := Whole()
	low, high := w.Bounds()
	if low != "00000000-0000-0000-0000-000000000000" || high != "" {
		t.Errorf("Whole().Bounds() = %q, %q", low, high)
	}
	if !w.Contains(uuid.MustParse("ffffffff-ffff-ffff-ffff-ffffffffffff")) {
		t.Error("Whole() should contain the largest id")
	}
}

func ExampleSplit() {
	for _, p := range Split(2) {
		fmt.Println(p)
	}
	// Output:
	// 1/2 [00000000, 80000000)
	// 2/2 [80000000, end)
}
