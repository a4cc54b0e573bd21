package crypto

import (
	"context"
	"time"
)

// Stage of a background derivation.
type Stage int

const (
	StageStarted Stage = iota
	StageFinished
	StageAbandoned
)

func (s Stage) String() string {
	switch s {
	case StageStarted:
		return "started"
	case StageFinished:
		return "finished"
	case StageAbandoned:
		return "abandoned"
	}
	return "unknown"
}

// Progress is reported to Deriver.OnProgress.
type Progress struct {
	Stage   Stage
	Elapsed time.Duration
}

// Deriver runs the memory-hard derivation off the caller's goroutine so the
// caller can abandon it through its context.
type Deriver struct {
	OnProgress func(Progress)
}

// Derive runs DeriveKeys in the background. password and salt are copied
// before Derive returns, so the caller may wipe its own buffers right away.
// If ctx ends first, Derive returns ctx.Err() and the late result is wiped
// when it arrives.
func (d *Deriver) Derive(ctx context.Context, password, salt []byte, p KDFParams) (*DerivedKeys, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pw := append([]byte(nil), password...)
	s := append([]byte(nil), salt...)

	type result struct {
		keys *DerivedKeys
		err  error
	}
	done := make(chan result, 1)
	start := time.Now()
	d.report(StageStarted, start)

	go func() {
		defer ClearBytes(pw)
		keys, err := DeriveKeys(pw, s, p)
		done <- result{keys: keys, err: err}
	}()

	select {
	case r := <-done:
		d.report(StageFinished, start)
		return r.keys, r.err
	case <-ctx.Done():
		d.report(StageAbandoned, start)
		go func() {
			r := <-done
			r.keys.Destroy()
		}()
		return nil, ctx.Err()
	}
}

func (d *Deriver) report(stage Stage, start time.Time) {
	if d == nil || d.OnProgress == nil {
		return
	}
	d.OnProgress(Progress{Stage: stage, Elapsed: time.Since(start)})
}
