// Package presentation derives what every surface shows from the preference
// state and the latest published domain state. Render is pure: it owns no
// timers and performs no I/O.
package presentation

import (
	"fmt"
	"strings"

	"github.com/loqalabs/accessbridge/internal/analysis"
	"github.com/loqalabs/accessbridge/internal/capability"
	"github.com/loqalabs/accessbridge/internal/captions"
	"github.com/loqalabs/accessbridge/internal/preferences"
)

// Snapshot is the domain state a view is rendered from.
type Snapshot struct {
	Caption       captions.Active
	CaptionCount  int
	Playing       bool
	Transcript    string
	Interim       string
	Listening     bool
	ListenError   string
	Speaking      bool
	Image         analysis.Result
	ImageInFlight bool
	Video         analysis.Result
	VideoInFlight bool
	ServiceStatus capability.ServiceStatus
	Capabilities  map[capability.Name]bool
}

type Typography struct {
	Small      int `json:"small"`
	Body       int `json:"body"`
	Label      int `json:"label"`
	Subheading int `json:"subheading"`
	Brand      int `json:"brand"`
	Section    int `json:"section"`
	Heading    int `json:"heading"`
	Title      int `json:"title"`
}

type FilterView struct {
	Name   preferences.ColorFilter `json:"name"`
	Matrix *Matrix                 `json:"matrix,omitempty"`
	CSS    string                  `json:"css,omitempty"`
}

type CaptionView struct {
	Visible  bool    `json:"visible"`
	Text     string  `json:"text"`
	Position float64 `json:"position"`
	Playing  bool    `json:"playing"`
	Tracks   int     `json:"tracks"`
}

type TranscriptView struct {
	Committed string `json:"committed"`
	Interim   string `json:"interim,omitempty"`
	Listening bool   `json:"listening"`
	Empty     bool   `json:"empty"`
	Error     string `json:"error,omitempty"`
}

type ObjectView struct {
	Label      string `json:"label"`
	Confidence string `json:"confidence"`
}

type ImageView struct {
	Processing  bool                  `json:"processing"`
	Description string                `json:"description,omitempty"`
	Objects     []ObjectView          `json:"objects,omitempty"`
	Colors      []string              `json:"colors,omitempty"`
	Composition *analysis.Composition `json:"composition,omitempty"`
	Error       string                `json:"error,omitempty"`
}

type SceneView struct {
	Timestamp   string `json:"timestamp"`
	Description string `json:"description"`
	Objects     string `json:"objects,omitempty"`
}

type VideoView struct {
	Processing      bool        `json:"processing"`
	Summary         string      `json:"summary,omitempty"`
	Scenes          []SceneView `json:"scenes,omitempty"`
	ObjectsDetected []string    `json:"objects_detected,omitempty"`
	Captions        int         `json:"captions"`
	Error           string      `json:"error,omitempty"`
}

type ServiceView struct {
	Status string `json:"status"`
	Label  string `json:"label"`
}

// Controls reports which controls are enabled. Controls whose capability is
// missing are disabled instead of failing on use.
type Controls struct {
	Speak          bool `json:"speak"`
	StopSpeaking   bool `json:"stop_speaking"`
	StartListen    bool `json:"start_listening"`
	StopListen     bool `json:"stop_listening"`
	ClearText      bool `json:"clear_transcript"`
	AnalyzeImage   bool `json:"analyze_image"`
	AnalyzeVideo   bool `json:"analyze_video"`
	ReadTranscript bool `json:"read_transcript"`
}

type View struct {
	Version    uint64            `json:"version"`
	Prefs      preferences.State `json:"preferences"`
	Typography Typography        `json:"typography"`
	Palette    Palette           `json:"palette"`
	Filter     FilterView        `json:"filter"`
	Caption    CaptionView       `json:"caption"`
	Transcript TranscriptView    `json:"transcript"`
	Image      ImageView         `json:"image"`
	Video      VideoView         `json:"video"`
	Service    ServiceView       `json:"service"`
	Controls   Controls          `json:"controls"`
}

// Render is a pure function of its arguments.
func Render(prefs preferences.State, snap Snapshot) View {
	return View{
		Version:    prefs.Version,
		Prefs:      prefs,
		Typography: typography(prefs.TextScale),
		Palette:    paletteFor(prefs),
		Filter:     filterView(prefs.ColorVisionFilter),
		Caption: CaptionView{
			Visible:  snap.Caption.Found,
			Text:     snap.Caption.Text(),
			Position: snap.Caption.Position,
			Playing:  snap.Playing,
			Tracks:   snap.CaptionCount,
		},
		Transcript: TranscriptView{
			Committed: snap.Transcript,
			Interim:   snap.Interim,
			Listening: snap.Listening,
			Empty:     snap.Transcript == "",
			Error:     snap.ListenError,
		},
		Image:    imageView(snap.Image, snap.ImageInFlight),
		Video:    videoView(snap.Video, snap.VideoInFlight, snap.CaptionCount),
		Service:  serviceView(snap.ServiceStatus),
		Controls: controls(snap),
	}
}

func typography(scale int) Typography {
	return Typography{
		Small:      scale - 2,
		Body:       scale,
		Label:      scale + 2,
		Subheading: scale + 4,
		Brand:      scale + 6,
		Section:    scale + 12,
		Heading:    scale + 16,
		Title:      scale + 20,
	}
}

func filterView(f preferences.ColorFilter) FilterView {
	view := FilterView{Name: f}
	if m, ok := FilterMatrix(f); ok {
		view.Matrix = &m
		view.CSS = m.CSS()
	}
	return view
}

func imageView(res analysis.Result, inFlight bool) ImageView {
	view := ImageView{Processing: inFlight}
	switch r := res.(type) {
	case analysis.ImageResult:
		view.Description = r.Description
		view.Colors = r.Colors
		composition := r.Composition
		view.Composition = &composition
		for _, obj := range r.Objects {
			view.Objects = append(view.Objects, ObjectView{
				Label:      obj.Label,
				Confidence: fmt.Sprintf("%.1f%%", obj.Confidence*100),
			})
		}
	case analysis.Failure:
		view.Error = r.Reason
	}
	return view
}

func videoView(res analysis.Result, inFlight bool, captionCount int) VideoView {
	view := VideoView{Processing: inFlight, Captions: captionCount}
	switch r := res.(type) {
	case analysis.VideoResult:
		view.Summary = r.Summary
		view.ObjectsDetected = r.ObjectsDetected
		for _, scene := range r.Scenes {
			sv := SceneView{Timestamp: scene.Timestamp, Description: scene.Description}
			if n := len(scene.PrimaryObjects); n > 0 {
				if n > 3 {
					n = 3
				}
				sv.Objects = strings.Join(scene.PrimaryObjects[:n], ", ")
			}
			view.Scenes = append(view.Scenes, sv)
		}
	case analysis.Failure:
		view.Error = r.Reason
	}
	return view
}

func serviceView(status capability.ServiceStatus) ServiceView {
	switch status {
	case capability.StatusConnected:
		return ServiceView{Status: string(status), Label: "AI Backend Connected"}
	case capability.StatusError:
		return ServiceView{Status: string(status), Label: "AI Backend Error"}
	default:
		return ServiceView{Status: string(capability.StatusDisconnected), Label: "AI Backend Offline"}
	}
}

func controls(snap Snapshot) Controls {
	tts := snap.Capabilities[capability.SpeechSynthesis]
	stt := snap.Capabilities[capability.SpeechRecognition]
	service := snap.Capabilities[capability.AnalysisService]
	return Controls{
		Speak:          tts,
		StopSpeaking:   tts && snap.Speaking,
		StartListen:    stt && !snap.Listening,
		StopListen:     stt && snap.Listening,
		ClearText:      snap.Transcript != "",
		AnalyzeImage:   service,
		AnalyzeVideo:   service,
		ReadTranscript: tts && snap.Transcript != "",
	}
}
