package landmarks

const (
	InputSize           = 192
	NumFaceLandmarks    = 468
	NumRefinedLandmarks = 478
	SmoothingAlpha      = 0.6
)
