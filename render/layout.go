package render

// box is a placement slot on the page, in millimeters.
type box struct {
	x, y, w, h float64
}

const (
	imageGapMm    = 6.0
	singleHeight  = 100.0
	pairHeight    = 70.0
	gridRowHeight = 60.0
)

// layoutBoxes returns the image slots for a section with n images,
// anchored at (x0, y0) inside a content area `width` wide. The pattern
// is fixed by the count: one full-width slot, two side by side, or a
// 2x2 grid for three and four. A failed image leaves its slot blank;
// slots never reflow.
func layoutBoxes(n int, x0, y0, width float64) []box {
	switch {
	case n <= 0:
		return nil
	case n == 1:
		return []box{{x0, y0, width, singleHeight}}
	case n == 2:
		cw := (width - imageGapMm) / 2
		return []box{
			{x0, y0, cw, pairHeight},
			{x0 + cw + imageGapMm, y0, cw, pairHeight},
		}
	default:
		cw := (width - imageGapMm) / 2
		boxes := []box{
			{x0, y0, cw, gridRowHeight},
			{x0 + cw + imageGapMm, y0, cw, gridRowHeight},
			{x0, y0 + gridRowHeight + imageGapMm, cw, gridRowHeight},
			{x0 + cw + imageGapMm, y0 + gridRowHeight + imageGapMm, cw, gridRowHeight},
		}
		if n > 4 {
			n = 4
		}
		return boxes[:n]
	}
}

// layoutHeight is the vertical space the image block occupies.
func layoutHeight(n int) float64 {
	switch {
	case n <= 0:
		return 0
	case n == 1:
		return singleHeight
	case n == 2:
		return pairHeight
	default:
		return 2*gridRowHeight + imageGapMm
	}
}

// fitInBox scales (w x h) pixels proportionally into a slot and centers
// the result.
func fitInBox(b box, pxW, pxH int) (x, y, w, h float64) {
	if pxW <= 0 || pxH <= 0 {
		return b.x, b.y, b.w, b.h
	}
	scale := b.w / float64(pxW)
	if s := b.h / float64(pxH); s < scale {
		scale = s
	}
	w = float64(pxW) * scale
	h = float64(pxH) * scale
	x = b.x + (b.w-w)/2
	y = b.y + (b.h-h)/2
	return
}
