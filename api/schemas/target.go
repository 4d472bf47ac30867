package schemas

import (
	"time"
)

// TargetKind selects the adapter implementation.
type TargetKind string

const (
	TargetBrowser TargetKind = "browser"
	TargetDesktop TargetKind = "desktop"
	TargetMobile  TargetKind = "mobile"
)

// Valid reports whether k names a supported surface family.
func (k TargetKind) Valid() bool {
	switch k {
	case TargetBrowser, TargetDesktop, TargetMobile:
		return true
	}
	return false
}

// TargetDescriptor identifies the surface under test in run artifacts.
type TargetDescriptor struct {
	Kind     TargetKind        `json:"kind"`
	Name     string            `json:"name,omitempty"`
	Location string            `json:"location"` // URL, executable path or device serial.
	Details  map[string]string `json:"details,omitempty"`
}

// ElementKind is the declared kind of an actionable element. It drives the choice of ActionKind.
type ElementKind string

const (
	ElementClickable ElementKind = "clickable"
	ElementText      ElementKind = "text"
	ElementChoice    ElementKind = "choice"
	ElementKey       ElementKind = "key"
)

// ActionKind is the concrete interaction performed by TargetAdapter.Act.
type ActionKind string

const (
	ActionClick  ActionKind = "click"
	ActionFill   ActionKind = "fill"
	ActionSelect ActionKind = "select"
	ActionKey    ActionKind = "key"
)

// ActionFor maps an element kind onto the action the sequencer performs on it.
func ActionFor(kind ElementKind) ActionKind {
	switch kind {
	case ElementText:
		return ActionFill
	case ElementChoice:
		return ActionSelect
	case ElementKey:
		return ActionKey
	default:
		return ActionClick
	}
}

// Rect is a bounding box in surface pixels.
type Rect struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

// Center returns the midpoint of the box.
func (r Rect) Center() (int, int) {
	return (r.Left + r.Right) / 2, (r.Top + r.Bottom) / 2
}

// Empty reports whether the box has no area.
func (r Rect) Empty() bool {
	return r.Right <= r.Left || r.Bottom <= r.Top
}

// ElementDescriptor references one actionable element returned by Enumerate.
type ElementDescriptor struct {
	ID         string            `json:"id"`
	Selector   string            `json:"selector"`
	Kind       ElementKind       `json:"kind"`
	Label      string            `json:"label,omitempty"`
	Geometry   *Rect             `json:"geometry,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Snapshot is the captured state of the surface at one instant. The image bytes are
// persisted by the artifact writer, which fills in ImagePath.
type Snapshot struct {
	Image       []byte         `json:"-"`
	ImageFormat string         `json:"image_format,omitempty"`
	ImagePath   string         `json:"image_path,omitempty"`
	Metadata    map[string]any `json:"metadata"`
	CapturedAt  time.Time      `json:"captured_at"`
}

// AddCaptureError records a partial capture failure without failing the snapshot.
func (s *Snapshot) AddCaptureError(msg string) {
	if s.Metadata == nil {
		s.Metadata = make(map[string]any)
	}
	existing, _ := s.Metadata["capture_errors"].([]string)
	s.Metadata["capture_errors"] = append(existing, msg)
}
