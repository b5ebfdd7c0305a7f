package main

import (
	"fmt"
	"io"
	"sync"
	"time"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// progressPrinter keeps one status line up to date while a blocking call runs.
// It prints nothing when the output is not a terminal.
//
//	p := startProgress(out, "Connecting to "+address)
//	defer p.Stop()
//	p.Phase("Discovering")
type progressPrinter struct {
	out    io.Writer
	prefix string

	mu    sync.Mutex
	phase string

	start time.Time
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func startProgress(out io.Writer, prefix, phase string) *progressPrinter {
	p := &progressPrinter{
		out:    out,
		prefix: prefix,
		phase:  phase,
		start:  time.Now(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if !isTerminal(out) {
		close(p.done)
		return p
	}

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(progressUpdateInterval)
		defer ticker.Stop()
		for {
			p.print()
			select {
			case <-p.stop:
				fmt.Fprint(p.out, clearLineSequence)
				return
			case <-ticker.C:
			}
		}
	}()
	return p
}

func (p *progressPrinter) print() {
	p.mu.Lock()
	phase := p.phase
	p.mu.Unlock()
	fmt.Fprintf(p.out, "\r%s (%s %ds)   ", p.prefix, phase, int(time.Since(p.start).Seconds()))
}

// Phase replaces the phase shown after the prefix
func (p *progressPrinter) Phase(phase string) {
	p.mu.Lock()
	p.phase = phase
	p.mu.Unlock()
}

// Stop clears the line; safe to call more than once
func (p *progressPrinter) Stop() {
	p.once.Do(func() { close(p.stop) })
	<-p.done
}
