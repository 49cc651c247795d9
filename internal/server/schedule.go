package server

import (
	"context"

	"github.com/adhocore/gronx"
	"github.com/adhocore/gronx/pkg/tasker"
	"github.com/pkg/errors"
)

// Schedule runs RefreshEveryone on the cron expression expr until ctx is
// cancelled. Runs never overlap.
func (s *Server) Schedule(ctx context.Context, expr string) error {
	gron := gronx.New()
	if !gron.IsValid(expr) {
		return errors.Errorf("invalid refresh schedule %q", expr)
	}

	taskr := tasker.New(tasker.Option{})
	taskr.WithContext(ctx)
	taskr.Task(expr, func(ctx context.Context) (int, error) {
		if err := s.RefreshEveryone(ctx); err != nil {
			s.log.Warn().Err(err).Msg("scheduled refresh failed")
			return 1, err
		}
		return 0, nil
	}, false)

	go taskr.Run()
	s.log.Info().Str("cron", expr).Msg("scheduled webhook refresh")
	return nil
}
