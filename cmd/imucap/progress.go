package main

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
	transferPhase          = "transferring"
)

// ProgressPrinter shows the recorder's phase with elapsed or remaining time,
// and the sample cursor while transferring.
//
// Usage:
//
//	p := NewProgressPrinter(os.Stderr, "Recording")
//	p.Start(func() string { return rec.State().String() })
//	defer p.Stop()
//
// On a terminal the line is redrawn in place. Otherwise only phase changes are
// printed, one per line, without color.
//
// A ProgressPrinter is single-use. Start may be called at most once, and Stop
// should be called exactly once.
type ProgressPrinter struct {
	out         io.Writer
	prefix      string
	interactive bool
	countdowns  map[string]time.Duration // phases shown as remaining time
	accent      *color.Color

	phase    func() string
	received atomic.Int64
	total    atomic.Int64

	// owned by the progress goroutine
	lastPhase  string
	phaseStart time.Time

	ticker   atomic.Pointer[time.Ticker]
	stopChan chan struct{}
	done     chan struct{} // closed when goroutine exits
	started  atomic.Bool   // ensures Start is called at most once
}

// NewProgressPrinter creates a printer writing to out.
func NewProgressPrinter(out io.Writer, prefix string) *ProgressPrinter {
	p := &ProgressPrinter{
		out:         out,
		prefix:      prefix,
		interactive: isTerminal(out),
		countdowns:  make(map[string]time.Duration),
		accent:      color.New(color.FgCyan, color.Bold),
	}
	if p.interactive {
		p.accent.EnableColor()
	} else {
		p.accent.DisableColor()
	}
	return p
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Countdown shows phase as time remaining out of d instead of time elapsed.
func (p *ProgressPrinter) Countdown(phase string, d time.Duration) *ProgressPrinter {
	p.countdowns[phase] = d
	return p
}

// Transfer records the transfer cursor. It matches recorder.ProgressFunc and
// is safe to call from the session dispatcher.
func (p *ProgressPrinter) Transfer(received, total int) {
	p.received.Store(int64(received))
	p.total.Store(int64(total))
}

// Start begins polling phase in a background goroutine.
// Panics if called more than once on the same ProgressPrinter instance.
func (p *ProgressPrinter) Start(phase func() string) {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}

	p.phase = phase
	p.done = make(chan struct{})
	p.stopChan = make(chan struct{})
	ticker := time.NewTicker(progressUpdateInterval)
	p.ticker.Store(ticker)

	p.tick(time.Now())

	go func() {
		defer close(p.done)
		for {
			select {
			case <-p.stopChan:
				return
			case now := <-ticker.C:
				p.tick(now)
			}
		}
	}()
}

// tick renders the current phase; only the progress goroutine calls it after Start.
func (p *ProgressPrinter) tick(now time.Time) {
	phase := p.phase()
	if phase != p.lastPhase {
		p.lastPhase = phase
		p.phaseStart = now
		if !p.interactive {
			fmt.Fprintln(p.out, p.line(phase, 0))
			return
		}
	}
	if p.interactive {
		fmt.Fprint(p.out, clearLineSequence+p.line(phase, now.Sub(p.phaseStart)))
	}
}

// line formats one progress line for phase, elapsed since the phase began.
func (p *ProgressPrinter) line(phase string, elapsed time.Duration) string {
	label := p.accent.Sprint(phase)

	if total := p.total.Load(); phase == transferPhase && total > 0 {
		received := p.received.Load()
		return fmt.Sprintf("%s (%s %d/%d samples, %d%%)", p.prefix, label, received, total, received*100/total)
	}

	if d, ok := p.countdowns[phase]; ok {
		remaining := d - elapsed
		if remaining < 0 {
			remaining = 0
		}
		// Round to the nearest second, e.g. 3.7s -> 4s
		return fmt.Sprintf("%s (%s %ds left)", p.prefix, label, int(remaining.Seconds()+0.5))
	}

	if seconds := int(elapsed.Seconds()); seconds > 0 {
		return fmt.Sprintf("%s (%s %ds)", p.prefix, label, seconds)
	}
	return fmt.Sprintf("%s (%s...)", p.prefix, label)
}

// Stop stops the progress display and clears the line.
// This function is safe to call multiple times and from multiple goroutines.
func (p *ProgressPrinter) Stop() {
	ticker := p.ticker.Swap(nil)
	if ticker == nil {
		return // Already stopped
	}

	ticker.Stop()     // Stop ticker before signaling goroutine
	close(p.stopChan) // Wake up goroutine by closing the channel
	<-p.done          // Wait for the goroutine to finish

	if p.interactive {
		fmt.Fprint(p.out, clearLineSequence)
	}
}

// atomicString adapts scanner phase callbacks into a phase source.
type atomicString struct {
	v atomic.Value
}

func (s *atomicString) Store(v string) { s.v.Store(v) }

func (s *atomicString) Load() string {
	v, _ := s.v.Load().(string)
	return v
}
