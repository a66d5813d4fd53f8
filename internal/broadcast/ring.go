package broadcast

// frameRing is a fixed-size ring of the most recent frames for one
// session. When full it overwrites the oldest frame, so replay for a
// late attacher is bounded no matter how chatty a turn gets.
//
// Not safe for concurrent use; the hub serializes access.
type frameRing struct {
	frames []Frame
	head   int // next write position
	count  int // stored frames, caps at len(frames)
}

func newFrameRing(size int) *frameRing {
	if size <= 0 {
		size = 64
	}
	return &frameRing{frames: make([]Frame, size)}
}

func (r *frameRing) push(f Frame) {
	r.frames[r.head] = f
	r.head = (r.head + 1) % len(r.frames)
	if r.count < len(r.frames) {
		r.count++
	}
}

// snapshot returns the stored frames oldest first, handling wrap-around.
func (r *frameRing) snapshot() []Frame {
	out := make([]Frame, 0, r.count)
	start := (r.head - r.count + len(r.frames)) % len(r.frames)
	for i := 0; i < r.count; i++ {
		out = append(out, r.frames[(start+i)%len(r.frames)])
	}
	return out
}
