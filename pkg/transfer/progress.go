package transfer

import (
	"io"
	"time"

	units "github.com/docker/go-units"
	"github.com/sirupsen/logrus"
)

const progressWindow = time.Second

// throughputLogger logs transfer progress at most once per window; the final update always logs.
type throughputLogger struct {
	logger logrus.FieldLogger
	verb   string
	name   string
	total  int64
	now    func() time.Time

	done     int64
	sinceLog int64
	lastLog  time.Time
}

func newThroughputLogger(logger logrus.FieldLogger, verb, name string, total int64, now func() time.Time) *throughputLogger {
	if now == nil {
		now = time.Now
	}
	return &throughputLogger{
		logger:  logger,
		verb:    verb,
		name:    name,
		total:   total,
		now:     now,
		lastLog: now(),
	}
}

// resumeAt accounts bytes acknowledged before this process started without logging them as throughput.
func (p *throughputLogger) resumeAt(offset int64) {
	p.done = offset
}

// add records n more bytes and reports whether a line was logged.
func (p *throughputLogger) add(n int64, final bool) bool {
	p.done += n
	p.sinceLog += n

	now := p.now()
	elapsed := now.Sub(p.lastLog)
	if !final && elapsed < progressWindow {
		return false
	}

	ms := elapsed.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	rate := float64(p.sinceLog) / float64(ms) * 1000

	if p.total > 0 {
		p.logger.Infof("%s %s: %s / %s (%.1f%%) at %s/s", p.verb, p.name,
			units.BytesSize(float64(p.done)), units.BytesSize(float64(p.total)),
			float64(p.done)/float64(p.total)*100, units.BytesSize(rate))
	} else {
		p.logger.Infof("%s %s: %s at %s/s", p.verb, p.name,
			units.BytesSize(float64(p.done)), units.BytesSize(rate))
	}

	p.sinceLog = 0
	p.lastLog = now
	return true
}

// progressWriter feeds every successful write into a throughputLogger.
type progressWriter struct {
	w        io.Writer
	progress *throughputLogger
	written  int64
}

func (pw *progressWriter) Write(b []byte) (int, error) {
	n, err := pw.w.Write(b)
	pw.written += int64(n)
	pw.progress.add(int64(n), false)
	if err != nil {
		return n, &writeError{err}
	}
	return n, nil
}
