package moveit_sim

import (
	"context"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// PathEvent is one step of a scripted sequence: a named trajectory executed on
// a group, with an optional hook run just before it starts.
type PathEvent struct {
	Path    string `json:"path"`
	Group   string `json:"group"`
	OnBegin func() `json:"-"`
}

// Sequencer plays a list of path events in order.
type Sequencer struct {
	robot  *Robot
	logger logging.Logger
}

func NewSequencer(robot *Robot, logger logging.Logger) *Sequencer {
	return &Sequencer{robot: robot, logger: logger}
}

// Play runs every event in order. Events for unknown groups are logged and
// skipped; execution errors stop the sequence.
func (s *Sequencer) Play(ctx context.Context, events []PathEvent) error {
	for i, ev := range events {
		c, err := s.robot.Group(ev.Group)
		if err != nil {
			s.logger.Errorf("sequence step %d: %v", i, err)
			continue
		}
		if ev.OnBegin != nil {
			ev.OnBegin()
		}
		if err := c.ExecuteNamedTrajectory(ctx, ev.Path); err != nil {
			return errors.Wrapf(err, "sequence step %d (%s on %s)", i, ev.Path, ev.Group)
		}
	}
	return nil
}
