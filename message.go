package main

import (
	"github.com/Tutortoise/gaze-kiosk/lifecycle"
	"github.com/Tutortoise/gaze-kiosk/models"
)

const (
	MsgStarting = "Getting ready. The avatar will start following your eyes in a moment."

	MsgTracking = "Look at the screen and the avatar will follow your eyes."

	MsgDegraded = "The camera is having trouble keeping up, so the avatar may pause now and then. Try standing a little closer in good light."

	MsgCameraUnavailable = "Eye tracking is unavailable right now because the camera could not be reached. The avatar will stay still until it is reconnected."

	MsgPaused = "Eye tracking is paused."
)

// statusMessage picks the kiosk text for the current pipeline status.
func statusMessage(st lifecycle.Status) string {
	switch st.State {
	case lifecycle.Uninitialized, lifecycle.Initializing:
		return MsgStarting
	case lifecycle.Active:
		if st.Pipeline.StateName == models.HealthDegraded.String() {
			return MsgDegraded
		}
		return MsgTracking
	case lifecycle.Faulted:
		return MsgCameraUnavailable
	default:
		return MsgPaused
	}
}
