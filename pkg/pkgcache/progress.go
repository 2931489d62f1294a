package pkgcache

import (
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// Progress receives build progress. Returning an error cancels the build.
type Progress interface {
	// OverallProgress starts a step of size bytes at current out of total.
	OverallProgress(current, total, size uint64, op string) error
	// Progress reports the position inside the current step.
	Progress(current uint64) error
}

// NopProgress discards progress reports.
type NopProgress struct{}

func (NopProgress) OverallProgress(current, total, size uint64, op string) error { return nil }
func (NopProgress) Progress(current uint64) error                                { return nil }

// ProgressFunc adapts a function to Progress. Sub-step reports are ignored.
type ProgressFunc func(current, total, size uint64, op string) error

func (f ProgressFunc) OverallProgress(current, total, size uint64, op string) error {
	return f(current, total, size, op)
}

func (f ProgressFunc) Progress(current uint64) error { return nil }

// LogProgress writes steps to a logger.
type LogProgress struct {
	Log *logrus.Entry
}

func (p LogProgress) OverallProgress(current, total, size uint64, op string) error {
	pct := 100.0
	if total > 0 {
		pct = float64(current) * 100 / float64(total)
	}
	p.Log.WithFields(logrus.Fields{
		"done":  humanize.Bytes(current),
		"total": humanize.Bytes(total),
		"step":  humanize.Bytes(size),
	}).Infof("%s %.0f%%", op, pct)
	return nil
}

func (p LogProgress) Progress(current uint64) error {
	p.Log.Tracef("at %d", current)
	return nil
}
