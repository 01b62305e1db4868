package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"tragatelo/api/internal/apperrors"
)

// Source says where a still image comes from.
type Source int

const (
	SourceLiveCamera Source = iota
	SourceUploadedFile
)

func (s Source) String() string {
	if s == SourceUploadedFile {
		return "uploaded_file"
	}
	return "live_camera"
}

// ReadyState mirrors HTMLMediaElement.readyState.
type ReadyState int

const (
	HaveNothing ReadyState = iota
	HaveMetadata
	HaveCurrentData
	HaveFutureData
	HaveEnoughData
)

// Event is a media element event the gate listens to.
type Event string

const (
	EventLoadedMetadata Event = "loadedmetadata"
	EventLoadedData     Event = "loadeddata"
	EventCanPlay        Event = "canplay"
	EventPlaying        Event = "playing"
	EventResize         Event = "resize"
)

var gateEvents = []Event{EventLoadedMetadata, EventLoadedData, EventCanPlay, EventPlaying, EventResize}

// VideoSink is a video element with a live stream attached.
type VideoSink interface {
	VideoWidth() int
	VideoHeight() int
	ReadyState() ReadyState
	CurrentTime() time.Duration
	// Play asks the element to start playback; autoplay refusals are reported as errors.
	Play(ctx context.Context) error
	// DrawFrame draws the current frame into a canvas of width x height.
	DrawFrame(width, height int) (image.Image, error)
	// AddListener registers fn for ev and returns its deregistration.
	AddListener(ev Event, fn func()) (remove func())
}

// Track is one media track of a stream.
type Track interface {
	Kind() string
	Stop()
}

// MediaStream is an acquired camera stream.
type MediaStream interface {
	Tracks() []Track
}

// Constraints requests a camera.
type Constraints struct {
	FacingMode  string
	IdealWidth  int
	IdealHeight int
}

// DefaultConstraints asks for the environment-facing camera at 1080p.
func DefaultConstraints() Constraints {
	return Constraints{FacingMode: "environment", IdealWidth: 1920, IdealHeight: 1080}
}

// Device acquires a camera stream and attaches it to a video sink.
type Device interface {
	Open(ctx context.Context, c Constraints) (MediaStream, VideoSink, error)
}

// DeviceErrorKind classifies camera acquisition failures.
type DeviceErrorKind string

const (
	DevicePermissionDenied DeviceErrorKind = "permission_denied"
	DeviceNotFound         DeviceErrorKind = "not_found"
	DeviceBusy             DeviceErrorKind = "busy"
	DeviceOverconstrained  DeviceErrorKind = "overconstrained"
	DeviceUnknown          DeviceErrorKind = "unknown"
)

// DeviceError is returned by Device.Open.
type DeviceError struct {
	Kind DeviceErrorKind
	Err  error
}

func (e *DeviceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("camera %s: %v", e.Kind, e.Err)
	}
	return "camera " + string(e.Kind)
}

func (e *DeviceError) Unwrap() error { return e.Err }

func deviceCause(kind DeviceErrorKind) apperrors.Cause {
	switch kind {
	case DevicePermissionDenied:
		return apperrors.CausePermissionDenied
	case DeviceNotFound:
		return apperrors.CauseNoDevice
	case DeviceBusy:
		return apperrors.CauseDeviceBusy
	default:
		return apperrors.CauseUnsupported
	}
}

// classifyOpenError maps whatever the device returned to CameraUnavailable.
func classifyOpenError(err error) (*apperrors.Error, DeviceErrorKind) {
	var de *DeviceError
	if errors.As(err, &de) {
		return apperrors.NewCameraUnavailable(deviceCause(de.Kind), err), de.Kind
	}
	return apperrors.NewCameraUnavailable(apperrors.CauseUnsupported, err), DeviceUnknown
}
