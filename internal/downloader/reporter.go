package downloader

// Reporter publishes task events.
type Reporter interface {
	Report(Event)
}

// ChanReporter writes events to a channel. When the channel is full the event
// is dropped rather than stalling the transfer.
type ChanReporter struct {
	ch chan<- Event
}

func NewChanReporter(ch chan<- Event) *ChanReporter { return &ChanReporter{ch: ch} }

func (r *ChanReporter) Report(e Event) {
	if r == nil {
		return
	}
	select {
	case r.ch <- e:
	default:
	}
}
