package trash

import (
	"context"
	"time"

	"github.com/illarion/lockvault/internal/logging"
)

// Sweeper runs a sweep once at start and then every Interval until its
// context ends. Sweep is either Manager.Sweep for an open vault or the
// server's own retention sweep.
type Sweeper struct {
	Interval time.Duration
	Sweep    func(ctx context.Context) (int, error)
	Log      logging.Logger
}

func (s *Sweeper) Run(ctx context.Context) error {
	s.once(ctx)
	if s.Interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.once(ctx)
		}
	}
}

func (s *Sweeper) once(ctx context.Context) {
	n, err := s.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.Log.Warnf("trash sweep failed: %v", err)
		}
		return
	}
	if n > 0 {
		s.Log.Infof("shredded %d expired profile(s)", n)
	}
}
