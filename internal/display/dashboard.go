package display

import (
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/lowaak/smart-trainer/cadence-monitor/internal/ftms"
	"github.com/lowaak/smart-trainer/cadence-monitor/internal/link"
)

// Dashboard is a terminal view of the monitor: connection status and the
// latest reading on the left, the log on the right. Updates may arrive from
// any goroutine; they are applied on the tview event loop.
type Dashboard struct {
	logger  *log.Logger
	app     *tview.Application
	address string

	statusView  *tview.TextView
	metricsView *tview.TextView
	logView     *tview.TextView
	mainFlex    *tview.Flex

	mu      sync.Mutex
	running bool
	stopped bool
}

func NewDashboard(logger *log.Logger, app *tview.Application, address string) *Dashboard {
	if logger == nil {
		panic("Dashboard: logger cannot be nil")
	}
	if app == nil {
		panic("Dashboard: app cannot be nil")
	}
	d := &Dashboard{
		logger:  logger,
		app:     app,
		address: address,
	}
	d.initialize()
	return d
}

func (d *Dashboard) initialize() {
	// Don't use SetChangedFunc with app.Draw() on the log view - it can hang
	// during shutdown when log lines arrive after the app has stopped
	d.logView = tview.NewTextView().
		SetDynamicColors(false).
		SetScrollable(true).
		SetMaxLines(500)
	d.logView.SetBorder(true).SetTitle(" Logs ")

	d.statusView = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	d.statusView.SetBorder(true).SetTitle(fmt.Sprintf(" %s ", d.address))
	d.statusView.SetText(renderStatus(""))

	d.metricsView = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	d.metricsView.SetBorder(true).SetTitle(" Indoor Bike ")
	d.metricsView.SetText(renderMetrics(ftms.Reading{}))

	help := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	help.SetText("[yellow]Q[white]/[yellow]Esc[white] Quit")

	leftColumn := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(help, 1, 0, false).
		AddItem(d.statusView, 3, 0, false).
		AddItem(d.metricsView, 0, 1, true)

	d.mainFlex = tview.NewFlex().
		AddItem(leftColumn, 0, 1, true).
		AddItem(d.logView, 0, 1, false)

	d.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape ||
			(event.Key() == tcell.KeyRune && (event.Rune() == 'q' || event.Rune() == 'Q')) {
			d.logger.Printf("Dashboard: Quit requested")
			d.Stop()
			return nil
		}
		return event
	})
}

// LogWriter returns a writer that appends to the log pane
func (d *Dashboard) LogWriter() io.Writer {
	return d.logView
}

func (d *Dashboard) OnStatus(text string) {
	d.queue(func() {
		d.statusView.SetText(renderStatus(text))
	})
}

func (d *Dashboard) OnReading(r ftms.Reading) {
	d.queue(func() {
		d.metricsView.SetText(renderMetrics(r))
	})
}

// Run starts the UI and blocks until it exits
func (d *Dashboard) Run() error {
	d.mu.Lock()
	d.running = true
	d.mu.Unlock()

	d.app.SetRoot(d.mainFlex, true)
	err := d.app.Run()

	d.mu.Lock()
	d.running = false
	d.stopped = true
	d.mu.Unlock()
	return err
}

// Stop ends Run. Updates arriving afterwards are dropped.
func (d *Dashboard) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.app.Stop()
}

// queue applies f on the UI goroutine. Before Run it is applied directly,
// after Stop it is dropped.
func (d *Dashboard) queue(f func()) {
	d.mu.Lock()
	running, stopped := d.running, d.stopped
	d.mu.Unlock()

	switch {
	case stopped:
		return
	case running:
		d.app.QueueUpdateDraw(f)
	default:
		f()
	}
}

func renderStatus(text string) string {
	if text == "" {
		return " [gray]Idle[white]"
	}
	color := "yellow"
	if text == link.StatusStreaming {
		color = "green"
	}
	return fmt.Sprintf(" [%s]%s[white]", color, tview.Escape(text))
}

func renderMetrics(r ftms.Reading) string {
	return fmt.Sprintf("\n  [cyan]Cadence:[white] [yellow]%s[white]\n\n  [blue]Power:[white] [yellow]%s[white]\n",
		FormatCadence(r), FormatPower(r))
}
