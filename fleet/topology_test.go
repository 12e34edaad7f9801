package fleet

import (
	"reflect"
	"testing"
)

func TestParseCPUListRangesAndSingles(t *testing.T) {
	cases := []struct {
		in   string
		want []int
	}{
		{"0", []int{0}},
		{"0-3", []int{0, 1, 2, 3}},
		{"0-3,6,8-9", []int{0, 1, 2, 3, 6, 8, 9}},
		{"", nil},
	}
	for _, c := range cases {
		got, err := parseCPUList(c.in)
		if err != nil {
			t.Fatalf("parseCPUList(%q): %v", c.in, err)
		}
		if !reflect.DeepEqual(got, c.want) {
			t.Errorf("parseCPUList(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestParseCPUListRejectsMalformedRange(t *testing.T) {
	if _, err := parseCPUList("0-a"); err == nil {
		t.Fatal("parseCPUList(\"0-a\"): want error, got nil")
	}
}
