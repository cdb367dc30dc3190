package captions

// Caption is one timed line of text, in seconds from the start of the media.
type Caption struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// List is an immutable, ordered caption track for one analyzed video.
type List struct {
	items []Caption
}

// NewList copies captions in order, dropping entries whose range is empty.
func NewList(items []Caption) *List {
	l := &List{items: make([]Caption, 0, len(items))}
	for _, c := range items {
		if c.End <= c.Start {
			continue
		}
		l.items = append(l.items, c)
	}
	return l
}

// At returns the first caption in list order whose range contains t. Ranges
// are closed, but a caption ending exactly at t yields to one starting there.
func (l *List) At(t float64) (Caption, bool) {
	if l == nil {
		return Caption{}, false
	}
	for _, c := range l.items {
		if c.Start <= t && t < c.End {
			return c, true
		}
	}
	for _, c := range l.items {
		if t == c.End {
			return c, true
		}
	}
	return Caption{}, false
}

func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.items)
}

func (l *List) Items() []Caption {
	if l == nil {
		return nil
	}
	return append([]Caption(nil), l.items...)
}
