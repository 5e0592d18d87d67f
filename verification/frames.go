package verification

import (
	"sync"
	"time"
)

// Frame is one camera frame received from the participant's browser.
type Frame struct {
	Seq  uint64
	At   time.Time
	Data []byte // JPEG
}

// FrameBuffer holds the most recent camera frame of a session. It stands in for the
// camera: whichever gate is mounted reads from it.
type FrameBuffer struct {
	mutex   sync.RWMutex
	latest  Frame
	seq     uint64
	updated chan struct{}
}

func NewFrameBuffer() *FrameBuffer {
	return &FrameBuffer{updated: make(chan struct{}, 1)}
}

// Push replaces the latest frame and wakes a waiting reader.
func (b *FrameBuffer) Push(data []byte, at time.Time) Frame {
	b.mutex.Lock()
	b.seq++
	b.latest = Frame{Seq: b.seq, At: at, Data: data}
	f := b.latest
	b.mutex.Unlock()

	select {
	case b.updated <- struct{}{}:
	default:
	}
	return f
}

// Latest returns the newest frame; ok is false until the first Push.
func (b *FrameBuffer) Latest() (Frame, bool) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.latest, b.seq > 0
}

// Updated is signalled after a Push. Several pushes between reads collapse into one
// signal.
func (b *FrameBuffer) Updated() <-chan struct{} {
	return b.updated
}
