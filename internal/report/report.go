// Package report funnels every operational error through a single sink so
// each report carries a scope tag and structured context, mirroring what
// the hosted telemetry expects.
package report

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Context travels with a reported error: Scope is the coarse tag used to
// group reports, Extra is free-form structured detail.
type Context struct {
	Scope string
	Extra map[string]any
}

type Reporter interface {
	Report(err error, rc Context)
}

// Logger reports through zerolog. Events are emitted at error level with
// the scope and every extra field flattened onto the event.
type Logger struct {
	log zerolog.Logger
}

func NewLogger() *Logger {
	return &Logger{
		log: zerolog.New(os.Stderr).With().Timestamp().Str("component", "report").Logger(),
	}
}

func NewLoggerWith(log zerolog.Logger) *Logger {
	return &Logger{log: log}
}

func (l *Logger) Report(err error, rc Context) {
	event := l.log.Error().Err(err).Str("scope", rc.Scope)
	for key, value := range rc.Extra {
		event = event.Interface(key, value)
	}
	event.Msg("reported error")
}

// Noop discards reports. Used when telemetry is disabled by configuration.
type Noop struct{}

func (Noop) Report(error, Context) {}

// Capture records reports in memory so tests can assert on what was
// reported and how often.
type Capture struct {
	mu      sync.Mutex
	Reports []CapturedReport
}

type CapturedReport struct {
	Err     error
	Scope   string
	Extra   map[string]any
}

func (c *Capture) Report(err error, rc Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Reports = append(c.Reports, CapturedReport{Err: err, Scope: rc.Scope, Extra: rc.Extra})
}

// ByScope returns the captured reports carrying the given scope tag.
func (c *Capture) ByScope(scope string) []CapturedReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	matches := make([]CapturedReport, 0, len(c.Reports))
	for _, r := range c.Reports {
		if r.Scope == scope {
			matches = append(matches, r)
		}
	}
	return matches
}

// Len returns the total number of captured reports.
func (c *Capture) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Reports)
}
