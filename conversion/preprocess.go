package conversion

import (
	"image"
	"runtime"
	"sync"

	"github.com/Tutortoise/gaze-kiosk/models"

	"github.com/disintegration/imaging"
	"golang.org/x/sys/cpu"
)

var (
	useAVX2  = cpu.X86.HasAVX2
	useASIMD = cpu.ARM64.HasASIMD
)

// Frames smaller than this are converted on the calling goroutine.
const parallelThreshold = 64 * 64

var numWorkers = runtime.GOMAXPROCS(0)

func parallelRows(pixels int) int {
	if pixels < parallelThreshold || numWorkers < 2 {
		return 1
	}
	if useAVX2 || useASIMD {
		return numWorkers
	}
	return max(1, numWorkers/2)
}

// forRows splits [0,height) into workers bands and runs fn on each.
func forRows(height, workers int, fn func(y0, y1 int)) {
	if workers <= 1 || height < workers {
		fn(0, height)
		return
	}

	rowsPerWorker := height / workers
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		start := w * rowsPerWorker
		end := (w + 1) * rowsPerWorker
		if w == workers-1 {
			end = height
		}
		go func(start, end int) {
			defer wg.Done()
			fn(start, end)
		}(start, end)
	}
	wg.Wait()
}

// Preprocessor turns camera frames into the square RGB float tensor the landmark model reads.
type Preprocessor struct {
	size int
}

func NewPreprocessor(size int) *Preprocessor {
	return &Preprocessor{size: size}
}

func (p *Preprocessor) Size() int {
	return p.size
}

// Normalize center-crops the frame to a square, resizes it to the model input and
// writes interleaved HWC float32 RGB in [0,1].
func (p *Preprocessor) Normalize(frame *models.CameraFrame) (*models.NormalizedFrame, error) {
	img, err := ToImage(frame)
	if err != nil {
		return nil, err
	}

	var resized *image.NRGBA
	if img.Bounds().Dx() == p.size && img.Bounds().Dy() == p.size {
		resized = img
	} else {
		resized = imaging.Fill(img, p.size, p.size, imaging.Center, imaging.Linear)
	}

	data := make([]float32, p.size*p.size*3)
	fillTensor(data, resized, p.size)

	return &models.NormalizedFrame{
		TraceID:    frame.TraceID,
		Width:      p.size,
		Height:     p.size,
		Data:       data,
		SourceW:    frame.Width,
		SourceH:    frame.Height,
		CapturedAt: frame.CapturedAt,
	}, nil
}

func fillTensor(dst []float32, img *image.NRGBA, size int) {
	forRows(size, parallelRows(size*size), func(y0, y1 int) {
		for y := y0; y < y1; y++ {
			src := img.Pix[y*img.Stride : y*img.Stride+size*4]
			out := dst[y*size*3 : (y+1)*size*3]
			for x := 0; x < size; x++ {
				out[x*3] = float32(src[x*4]) / 255.0
				out[x*3+1] = float32(src[x*4+1]) / 255.0
				out[x*3+2] = float32(src[x*4+2]) / 255.0
			}
		}
	})
}
