package verification

// Event types sent to the participant's browser.
const (
	EventStage          = "stage"
	EventReference      = "reference"
	EventSimilarity     = "similarity"
	EventFaceVerified   = "face_verified"
	EventGestureTarget  = "gesture_target"
	EventGestureCorrect = "gesture_correct"
	EventGestureDone    = "gesture_completed"
	EventElapsed        = "elapsed"
	EventNotice         = "notice"
	EventError          = "error"
	EventNavigate       = "navigate"
)

type Event struct {
	Type       string   `json:"type"`
	Stage      Stage    `json:"stage,omitempty"`
	Similarity *float64 `json:"similarity,omitempty"`
	Label      string   `json:"label,omitempty"`
	Image      string   `json:"image,omitempty"`
	Index      int      `json:"index,omitempty"`
	Total      int      `json:"total,omitempty"`
	Seconds    int      `json:"seconds,omitempty"`
	Message    string   `json:"message,omitempty"`
	Path       string   `json:"path,omitempty"`
}

// Reporter receives the events of one verification session, in order.
type Reporter interface {
	Report(Event)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(Event)

func (f ReporterFunc) Report(e Event) { f(e) }
