// Package types defines the domain model shared by every frameflow stage:
// frames, work items, candidates and the results handed to consumers.
package types

import (
	"time"
)

// SourceID identifies one upstream frame producer (camera, file, feed).
type SourceID string

// ImageKind tells where the pixels of an Image live.
type ImageKind int

const (
	ImageHost   ImageKind = iota // pixels in process memory
	ImageDevice                  // pixels in GPU memory owned by the inference library
)

func (k ImageKind) String() string {
	switch k {
	case ImageHost:
		return "host"
	case ImageDevice:
		return "device"
	default:
		return "unknown"
	}
}

// Image is a frame or crop. The representation is fixed when the image is
// created; stages switch on Kind instead of probing buffers.
type Image struct {
	kind   ImageKind
	width  int
	height int
	data   []byte  // ImageHost
	handle uintptr // ImageDevice: opaque buffer handle
	device int     // ImageDevice: owning GPU
}

// NewHostImage wraps an encoded or raw host buffer.
func NewHostImage(width, height int, data []byte) Image {
	return Image{kind: ImageHost, width: width, height: height, data: data, device: -1}
}

// NewDeviceImage wraps a buffer already resident on a GPU.
func NewDeviceImage(width, height int, device int, handle uintptr) Image {
	return Image{kind: ImageDevice, width: width, height: height, handle: handle, device: device}
}

func (i Image) Kind() ImageKind { return i.kind }
func (i Image) Width() int      { return i.width }
func (i Image) Height() int     { return i.height }

// Data returns the host bytes; nil for device images.
func (i Image) Data() []byte { return i.data }

// Device returns the GPU index and handle of a device image.
func (i Image) Device() (device int, handle uintptr) { return i.device, i.handle }

// Resolution is the batching compatibility key of an image.
func (i Image) Resolution() Resolution { return Resolution{Width: i.width, Height: i.height} }

// Resolution groups images that can share one inference batch.
type Resolution struct {
	Width  int
	Height int
}

// Frame is what a source produces.
type Frame struct {
	Source         SourceID
	ID             uint64
	Timestamp      time.Time
	Image          Image
	NeedsDetection bool // false on frames skipped by the detect interval
}

// Rect is an axis-aligned box in frame pixels.
type Rect struct {
	X, Y, W, H float32
}

// Point is a landmark position in frame pixels.
type Point struct {
	X, Y float32
}

// Pose is the head orientation in degrees.
type Pose struct {
	Yaw, Pitch, Roll float32
}

// AttributeFlags selects which attribute calls a candidate needs.
type AttributeFlags uint32

const (
	AttrGlasses AttributeFlags = 1 << iota
	AttrMask
	AttrAge
	AttrEthnicity
	AttrBrightness
	AttrClarity
)

// Has reports whether all bits of f are set.
func (a AttributeFlags) Has(f AttributeFlags) bool { return a&f == f }

// Attributes holds the results of attribute analysis and extraction.
type Attributes struct {
	Glasses    float32 `json:"glasses,omitempty"`
	Mask       float32 `json:"mask,omitempty"`
	Age        int     `json:"age,omitempty"`
	Gender     int     `json:"gender,omitempty"`
	Ethnicity  int     `json:"ethnicity,omitempty"`
	Brightness float32 `json:"brightness,omitempty"`
	Clarity    float32 `json:"clarity,omitempty"`
}

// Candidate is one detected object instance.
type Candidate struct {
	TrackID    int64      `json:"track_id"`
	Box        Rect       `json:"box"`
	Confidence float32    `json:"confidence"`
	Quality    float32    `json:"quality"`
	Badness    float32    `json:"badness"`
	Landmarks  []Point    `json:"landmarks,omitempty"`
	Pose       *Pose      `json:"pose,omitempty"`
	Attributes Attributes `json:"attributes"`
	Feature    []byte     `json:"feature,omitempty"`
	Aligned    *Image     `json:"-"`
}

// Policy is the per-source configuration every stage consults.
type Policy struct {
	DetectInterval int  `yaml:"detect_interval"` // run full detection every N frames
	Track          bool `yaml:"track"`
	Portrait       bool `yaml:"portrait"` // frames are pre-boxed single portraits

	MinBoxSize float32 `yaml:"min_box_size"`
	MaxBoxSize float32 `yaml:"max_box_size"`

	MinConfidence float32 `yaml:"min_confidence"`
	MinQuality    float32 `yaml:"min_quality"`
	MaxBadness    float32 `yaml:"max_badness"`
	MaxYaw        float32 `yaml:"max_yaw"`
	MaxPitch      float32 `yaml:"max_pitch"`
	MaxRoll       float32 `yaml:"max_roll"`

	CaptureInterval time.Duration `yaml:"capture_interval"`
	CaptureFrames   int           `yaml:"capture_frames"`
	CaptureLinger   time.Duration `yaml:"capture_linger"`

	BestShotWindow   time.Duration `yaml:"best_shot_window"`
	BestShotInterval time.Duration `yaml:"best_shot_interval"`
	BestShotLinger   time.Duration `yaml:"best_shot_linger"`

	Attributes AttributeFlags `yaml:"-"`
	Extract    bool           `yaml:"extract"`
}

// Tracking reports whether frames of this source go through the tracker.
func (p *Policy) Tracking() bool { return p.Track && !p.Portrait }

// Emitter takes a finished work item back to the pipeline that owns it.
type Emitter interface {
	Emit(item *WorkItem)
}

// WorkItem carries one frame through the stages. It is owned by exactly one
// queue at a time; whoever pushes it must not touch it afterwards.
type WorkItem struct {
	Frame      *Frame
	Policy     *Policy
	Candidates []Candidate
	Boxed      bool // candidates come from a detection pass
	EnqueuedAt time.Time
	Origin     Emitter // set when the item leaves for a shared extractor
}

// Result is one emitted candidate.
type Result struct {
	ID        string    `json:"id"`
	Source    SourceID  `json:"source"`
	FrameID   uint64    `json:"frame_id"`
	Timestamp time.Time `json:"timestamp"`
	EmittedAt time.Time `json:"emitted_at"`
	Image     Image     `json:"-"`
	Crop      *Image    `json:"-"`
	Candidate Candidate `json:"candidate"`
}
