package executor

// Listener receives run events in callback form.
type Listener interface {
	OnProgress(current, total int)
	OnPointResult(index int, value float64)
	OnPointResult2D(row, col int, value float64)
	OnCountsUpdate(max, total float64)
	OnTimeUpdate(text string)
	OnMessage(text string)
	OnComplete(summary Summary)
}

// Callbacks is a Listener built from optional functions.
type Callbacks struct {
	Progress      func(current, total int)
	PointResult   func(index int, value float64)
	PointResult2D func(row, col int, value float64)
	CountsUpdate  func(max, total float64)
	TimeUpdate    func(text string)
	Message       func(text string)
	Complete      func(summary Summary)
}

func (c Callbacks) OnProgress(current, total int) {
	if c.Progress != nil {
		c.Progress(current, total)
	}
}

func (c Callbacks) OnPointResult(index int, value float64) {
	if c.PointResult != nil {
		c.PointResult(index, value)
	}
}

func (c Callbacks) OnPointResult2D(row, col int, value float64) {
	if c.PointResult2D != nil {
		c.PointResult2D(row, col, value)
	}
}

func (c Callbacks) OnCountsUpdate(max, total float64) {
	if c.CountsUpdate != nil {
		c.CountsUpdate(max, total)
	}
}

func (c Callbacks) OnTimeUpdate(text string) {
	if c.TimeUpdate != nil {
		c.TimeUpdate(text)
	}
}

func (c Callbacks) OnMessage(text string) {
	if c.Message != nil {
		c.Message(text)
	}
}

func (c Callbacks) OnComplete(summary Summary) {
	if c.Complete != nil {
		c.Complete(summary)
	}
}

// Dispatch drains events into l until the channel is closed. Only
// successful points reach OnPointResult; failures and skips arrive as
// messages.
func Dispatch(events <-chan Event, l Listener) {
	for ev := range events {
		switch e := ev.(type) {
		case ProgressEvent:
			l.OnProgress(e.Current, e.Total)
		case CountsEvent:
			l.OnCountsUpdate(e.Max, e.Total)
		case PointResult:
			if !e.Success {
				continue
			}
			if e.Is2D {
				l.OnPointResult2D(e.Row, e.Col, e.Counts)
			} else {
				l.OnPointResult(e.Index, e.Counts)
			}
		case TimeEvent:
			l.OnTimeUpdate(e.Text)
		case MessageEvent:
			l.OnMessage(e.Text)
		case DoneEvent:
			l.OnComplete(e.Summary)
		}
	}
}
