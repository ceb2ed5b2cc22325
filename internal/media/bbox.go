package media

import "math"

// Bounding box modes.
const (
	BoxMax = "max"
	BoxMin = "min"
)

// Box is a resize policy. In BoxMax mode images larger than the box are
// scaled down to fit; in BoxMin mode images smaller than it are scaled up.
type Box struct {
	Mode   string
	Width  int
	Height int
}

// Fit returns the dimensions w×h should be scaled to, and whether a resize
// is needed at all. Scaling is uniform and rounded to the nearest pixel.
func (b Box) Fit(w, h int) (int, int, bool) {
	if w <= 0 || h <= 0 || b.Width <= 0 || b.Height <= 0 {
		return w, h, false
	}
	rw := float64(b.Width) / float64(w)
	rh := float64(b.Height) / float64(h)

	var scale float64
	switch b.Mode {
	case BoxMin:
		if w >= b.Width && h >= b.Height {
			return w, h, false
		}
		scale = math.Max(rw, rh)
	default:
		if w <= b.Width && h <= b.Height {
			return w, h, false
		}
		scale = math.Min(rw, rh)
	}

	nw := max(int(math.Round(float64(w)*scale)), 1)
	nh := max(int(math.Round(float64(h)*scale)), 1)
	if nw == w && nh == h {
		return w, h, false
	}
	return nw, nh, true
}
