package conversion

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/Tutortoise/gaze-kiosk/models"
)

var (
	ErrUnsupportedFormat = errors.New("conversion: unsupported pixel format")
	ErrBufferSize        = errors.New("conversion: pixel buffer size mismatch")
)

// ToImage decodes a raw camera buffer into an NRGBA image.
func ToImage(frame *models.CameraFrame) (*image.NRGBA, error) {
	if frame == nil {
		return nil, fmt.Errorf("%w: nil frame", ErrBufferSize)
	}
	if frame.Width <= 0 || frame.Height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrBufferSize, frame.Width, frame.Height)
	}

	want, ok := frame.Format.FrameSize(frame.Width, frame.Height)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, frame.Format)
	}
	if len(frame.Pixels) != want {
		return nil, fmt.Errorf("%w: %s %dx%d needs %d bytes, got %d",
			ErrBufferSize, frame.Format, frame.Width, frame.Height, want, len(frame.Pixels))
	}

	img := image.NewNRGBA(image.Rect(0, 0, frame.Width, frame.Height))
	decode := decoders[frame.Format]
	forRows(frame.Height, parallelRows(frame.Width*frame.Height), func(y0, y1 int) {
		decode(img, frame, y0, y1)
	})
	return img, nil
}

type rowDecoder func(dst *image.NRGBA, frame *models.CameraFrame, y0, y1 int)

var decoders = map[models.PixelFormat]rowDecoder{
	models.PixelFormatRGB24: packed(3, 0, 1, 2, -1),
	models.PixelFormatBGR24: packed(3, 2, 1, 0, -1),
	models.PixelFormatRGBA:  packed(4, 0, 1, 2, 3),
	models.PixelFormatBGRA:  packed(4, 2, 1, 0, 3),
	models.PixelFormatGray8: packed(1, 0, 0, 0, -1),
	models.PixelFormatYUYV:  decodeYUYV,
	models.PixelFormatNV12:  decodeNV12,
}

// packed handles formats with one interleaved sample per pixel. a < 0 means opaque.
func packed(bpp, r, g, b, a int) rowDecoder {
	return func(dst *image.NRGBA, frame *models.CameraFrame, y0, y1 int) {
		w := frame.Width
		for y := y0; y < y1; y++ {
			src := frame.Pixels[y*w*bpp : (y+1)*w*bpp]
			out := dst.Pix[y*dst.Stride : y*dst.Stride+w*4]
			for x := 0; x < w; x++ {
				s := src[x*bpp : x*bpp+bpp]
				o := out[x*4 : x*4+4]
				o[0], o[1], o[2] = s[r], s[g], s[b]
				if a >= 0 {
					o[3] = s[a]
				} else {
					o[3] = 0xFF
				}
			}
		}
	}
}

func decodeYUYV(dst *image.NRGBA, frame *models.CameraFrame, y0, y1 int) {
	w := frame.Width
	stride := ((w + 1) / 2) * 4
	for y := y0; y < y1; y++ {
		src := frame.Pixels[y*stride : (y+1)*stride]
		out := dst.Pix[y*dst.Stride:]
		for x := 0; x < w; x++ {
			pair := src[(x/2)*4 : (x/2)*4+4]
			luma := pair[0]
			if x%2 == 1 {
				luma = pair[2]
			}
			r, g, b := color.YCbCrToRGB(luma, pair[1], pair[3])
			out[x*4], out[x*4+1], out[x*4+2], out[x*4+3] = r, g, b, 0xFF
		}
	}
}

func decodeNV12(dst *image.NRGBA, frame *models.CameraFrame, y0, y1 int) {
	w, h := frame.Width, frame.Height
	chromaStride := 2 * ((w + 1) / 2)
	chroma := frame.Pixels[w*h:]
	for y := y0; y < y1; y++ {
		lumaRow := frame.Pixels[y*w : (y+1)*w]
		chromaRow := chroma[(y/2)*chromaStride:]
		out := dst.Pix[y*dst.Stride:]
		for x := 0; x < w; x++ {
			cb, cr := chromaRow[(x/2)*2], chromaRow[(x/2)*2+1]
			r, g, b := color.YCbCrToRGB(lumaRow[x], cb, cr)
			out[x*4], out[x*4+1], out[x*4+2], out[x*4+3] = r, g, b, 0xFF
		}
	}
}
