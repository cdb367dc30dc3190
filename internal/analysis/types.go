package analysis

import "github.com/loqalabs/accessbridge/internal/captions"

type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// Result is one of ImageResult, VideoResult or Failure.
type Result interface {
	Kind() Kind
	isResult()
}

type DetectedObject struct {
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	Box        []float64 `json:"box,omitempty"`
}

type Composition struct {
	Dimensions  string  `json:"dimensions"`
	Orientation string  `json:"orientation"`
	AspectRatio float64 `json:"aspect_ratio"`
	FocusArea   string  `json:"focus_area,omitempty"`
}

type ImageSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type ImageResult struct {
	Description string           `json:"description"`
	Objects     []DetectedObject `json:"objects"`
	Colors      []string         `json:"colors"`
	Composition Composition      `json:"composition"`
	ImageSize   *ImageSize       `json:"image_size,omitempty"`
}

func (ImageResult) Kind() Kind { return KindImage }
func (ImageResult) isResult()  {}

// Scene is one segment of an analyzed video. Timestamp is formatted m:ss.
type Scene struct {
	Timestamp      string   `json:"timestamp"`
	Description    string   `json:"description"`
	Objects        int      `json:"objects"`
	PrimaryObjects []string `json:"primary_objects"`
}

type VideoResult struct {
	Summary                string             `json:"summary"`
	Scenes                 []Scene            `json:"scenes"`
	Captions               []captions.Caption `json:"captions"`
	ObjectsDetected        []string           `json:"objects_detected"`
	AverageObjectsPerScene *float64           `json:"average_objects_per_scene,omitempty"`
	SceneTransitions       *int               `json:"scene_transitions,omitempty"`
	Duration               *float64           `json:"duration,omitempty"`
}

func (VideoResult) Kind() Kind { return KindVideo }
func (VideoResult) isResult()  {}

// Failure carries a human-readable reason for a failed request.
type Failure struct {
	Media  Kind   `json:"kind"`
	Reason string `json:"reason"`
}

func (f Failure) Kind() Kind { return f.Media }
func (Failure) isResult()    {}
