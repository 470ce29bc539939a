package display

import (
	"log"

	"github.com/lowaak/smart-trainer/cadence-monitor/internal/events"
	"github.com/lowaak/smart-trainer/cadence-monitor/internal/ftms"
	"github.com/lowaak/smart-trainer/cadence-monitor/internal/go_func_utils"
)

type update struct {
	isReading bool
	status    string
	reading   ftms.Reading
}

// Async hands updates to its target on a dedicated goroutine, in order.
// The caller never waits for the target.
type Async struct {
	logger  *log.Logger
	target  Sink
	mailbox *events.Mailbox[update]
	done    chan struct{}
}

func NewAsync(logger *log.Logger, target Sink) *Async {
	if logger == nil {
		panic("Async: logger cannot be nil")
	}
	if target == nil {
		panic("Async: target cannot be nil")
	}
	a := &Async{
		logger:  logger,
		target:  target,
		mailbox: events.NewMailbox[update](),
		done:    make(chan struct{}),
	}
	go_func_utils.SafeGo(logger, a.run)
	return a
}

func (a *Async) OnStatus(text string) {
	if !a.mailbox.Post(update{status: text}) {
		a.logger.Printf("Async: Dropping status after close: %s", text)
	}
}

func (a *Async) OnReading(r ftms.Reading) {
	if !a.mailbox.Post(update{isReading: true, reading: r}) {
		a.logger.Printf("Async: Dropping reading after close: %s", FormatReading(r))
	}
}

// Close delivers whatever is queued and then returns
func (a *Async) Close() {
	a.mailbox.Close()
	<-a.done
}

func (a *Async) run() {
	defer close(a.done)
	for u := range a.mailbox.C() {
		if u.isReading {
			a.target.OnReading(u.reading)
		} else {
			a.target.OnStatus(u.status)
		}
	}
}
