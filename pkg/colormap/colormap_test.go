package colormap

import (
	"image/color"
	"math"
	"testing"
)

func TestGrayscaleEndpoints(t *testing.T) {
	t.Parallel()

	c0, ok := Grayscale.At(0).(color.RGBA)
	if !ok {
		t.Fatalf("expected color.RGBA at t=0")
	}
	if c0 != (color.RGBA{R: 0, G: 0, B: 0, A: 255}) {
		t.Fatalf("unexpected Grayscale.At(0): %#v", c0)
	}

	mid := Grayscale.At(0.5).(color.RGBA)
	if mid.R != mid.G || mid.G != mid.B || mid.R < 126 || mid.R > 128 {
		t.Fatalf("unexpected Grayscale.At(0.5): %#v", mid)
	}

	c1 := Grayscale.At(1).(color.RGBA)
	if c1 != (color.RGBA{R: 255, G: 255, B: 255, A: 255}) {
		t.Fatalf("unexpected Grayscale.At(1): %#v", c1)
	}
}

func TestByName(t *testing.T) {
	t.Parallel()

	for _, name := range Names() {
		if _, ok := ByName(name); !ok {
			t.Fatalf("listed colormap %q not found", name)
		}
	}
	if _, ok := ByName("jet"); ok {
		t.Fatalf("unexpected colormap")
	}
	if _, ok := ByName("jet_r"); ok {
		t.Fatalf("unexpected reversed colormap")
	}
	rev, ok := ByName("grayscale_r")
	if !ok || rev.At(0) != Grayscale.At(1) || rev.At(1) != Grayscale.At(0) {
		t.Fatalf("grayscale_r should run from white to black")
	}
}

func TestSampledTable(t *testing.T) {
	t.Parallel()

	table := Sample(Viridis)
	if Sample(table) != table {
		t.Fatalf("sampling a table should return it unchanged")
	}
	for _, v := range []float64{0, 1, 0.5} {
		want := Viridis.At(v).(color.RGBA)
		got := table.At(v).(color.RGBA)
		if diff(got.R, want.R) > 3 || diff(got.G, want.G) > 3 || diff(got.B, want.B) > 3 {
			t.Fatalf("table.At(%g) = %v, want %v", v, got, want)
		}
	}
	if table.At(-3) != table.At(0) || table.At(7) != table.At(1) {
		t.Fatalf("out of range values should clamp")
	}
	nan := math.NaN()
	if table.At(nan) != table.At(0) || Viridis.At(nan) != Viridis.At(0) {
		t.Fatalf("NaN should map to the first color")
	}
}

func diff(a, b uint8) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}
