package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"net/http"

	"github.com/rwcarlsen/goexif/exif"
	xdraw "golang.org/x/image/draw"

	"github.com/familybook/familybook-server/domain"
	"github.com/familybook/familybook-server/store"
)

// processedImage is an embeddable JPEG with known pixel dimensions.
type processedImage struct {
	data   []byte
	width  int
	height int
}

type fetcher struct {
	store   store.Store
	client  *http.Client
	maxPx   int
	quality int
}

// fetch resolves one image reference, applies stored orientation,
// normalizes to RGB JPEG and bounds the pixel size.
func (f *fetcher) fetch(ctx context.Context, ref domain.ImageRef) (*processedImage, error) {
	raw, err := f.read(ctx, ref)
	if err != nil {
		return nil, err
	}
	return f.process(raw)
}

func (f *fetcher) read(ctx context.Context, ref domain.ImageRef) ([]byte, error) {
	if ref.Key != "" {
		rc, err := f.store.Get(ctx, ref.Key)
		if err != nil {
			return nil, err
		}
		defer func() {
			_ = rc.Close()
		}()
		return io.ReadAll(rc)
	}
	if ref.URL == "" {
		return nil, fmt.Errorf("image reference has neither key nor url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("image fetch: unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (f *fetcher) process(raw []byte) (*processedImage, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("image decode: %w", err)
	}
	img = applyOrientation(img, raw)
	img = scaleDown(img, f.maxPx)

	var buf bytes.Buffer
	if err = jpeg.Encode(&buf, toRGBA(img), &jpeg.Options{Quality: f.quality}); err != nil {
		return nil, fmt.Errorf("image encode: %w", err)
	}
	b := img.Bounds()
	return &processedImage{
		data:   buf.Bytes(),
		width:  b.Dx(),
		height: b.Dy(),
	}, nil
}

// applyOrientation undoes the camera rotation recorded in EXIF. Images
// without usable EXIF pass through unchanged.
func applyOrientation(img image.Image, raw []byte) image.Image {
	x, err := exif.Decode(bytes.NewReader(raw))
	if err != nil {
		return img
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return img
	}
	orientation, err := tag.Int(0)
	if err != nil {
		return img
	}
	switch orientation {
	case 3:
		return rotateQuarters(img, 2)
	case 6:
		return rotateQuarters(img, 3)
	case 8:
		return rotateQuarters(img, 1)
	}
	return img
}

// rotateQuarters rotates counter-clockwise by quarters*90 degrees.
func rotateQuarters(img image.Image, quarters int) image.Image {
	quarters %= 4
	if quarters == 0 {
		return img
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	var dst *image.RGBA
	switch quarters {
	case 2:
		dst = image.NewRGBA(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				dst.Set(w-1-x, h-1-y, img.At(b.Min.X+x, b.Min.Y+y))
			}
		}
	case 1:
		dst = image.NewRGBA(image.Rect(0, 0, h, w))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				dst.Set(y, w-1-x, img.At(b.Min.X+x, b.Min.Y+y))
			}
		}
	case 3:
		dst = image.NewRGBA(image.Rect(0, 0, h, w))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				dst.Set(h-1-y, x, img.At(b.Min.X+x, b.Min.Y+y))
			}
		}
	}
	return dst
}

func scaleDown(img image.Image, maxPx int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	longest := w
	if h > longest {
		longest = h
	}
	if longest <= maxPx {
		return img
	}
	scale := float64(maxPx) / float64(longest)
	dst := image.NewRGBA(image.Rect(0, 0, int(float64(w)*scale), int(float64(h)*scale)))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Over, nil)
	return dst
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Copy(dst, image.Point{}, img, b, xdraw.Over, nil)
	return dst
}
