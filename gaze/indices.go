package gaze

// Face mesh topology. "Left" and "right" are the subject's own eyes.
var (
	RightEyeContour = []int{33, 7, 163, 144, 145, 153, 154, 155, 133, 173, 157, 158, 159, 160, 161, 246}
	LeftEyeContour  = []int{362, 382, 381, 380, 374, 373, 390, 249, 263, 466, 388, 387, 386, 385, 384, 398}

	RightIris = []int{468, 469, 470, 471, 472}
	LeftIris  = []int{473, 474, 475, 476, 477}
)

// EyeRegion groups the indices used for one eye.
type EyeRegion struct {
	Contour     []int
	Iris        []int
	OuterCorner int
	InnerCorner int
	UpperLid    int
	LowerLid    int
}

var (
	RightEye = EyeRegion{Contour: RightEyeContour, Iris: RightIris, OuterCorner: 33, InnerCorner: 133, UpperLid: 159, LowerLid: 145}
	LeftEye  = EyeRegion{Contour: LeftEyeContour, Iris: LeftIris, OuterCorner: 263, InnerCorner: 362, UpperLid: 386, LowerLid: 374}
)

// OpenEyeRatio is the lid gap over eye width at which an eye counts as fully open.
const OpenEyeRatio = 0.25
