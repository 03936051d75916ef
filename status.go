package moveit_sim

import (
	"fmt"

	"go.viam.com/rdk/logging"
)

// StatusReconciler routes goal status updates to the controller that issued
// the goal.
type StatusReconciler struct {
	controllers func() []*MoveGroupController
	notifier    Notifier
	logger      logging.Logger
}

func NewStatusReconciler(controllers func() []*MoveGroupController, notifier Notifier, logger logging.Logger) *StatusReconciler {
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	return &StatusReconciler{controllers: controllers, notifier: notifier, logger: logger}
}

// Attach subscribes to the goal status topic.
func (r *StatusReconciler) Attach(bus Bus, topic string) (func(), error) {
	return SubscribeTyped(bus, topic, r.logger, r.Handle)
}

// Handle applies every locally-originated status in msg.
func (r *StatusReconciler) Handle(msg GoalStatusArrayMsg) {
	for _, st := range msg.StatusList {
		id := st.GoalID.ID
		if !IsLocalOrigin(id) {
			continue
		}
		status := TrajectoryStatus(st.Status)
		text := HumanStatusText(st.Text)
		for _, c := range r.controllers() {
			before := c.State().Status
			if !c.ApplyStatus(id, status, text) {
				continue
			}
			if before != status && text != "" {
				r.notifier.Notice(fmt.Sprintf("%s: %s", c.Name(), text))
			}
			break
		}
	}
}

// HumanStatusText rewrites the planner's bare status codes into
// operator-facing wording. Any other text is passed through.
func HumanStatusText(text string) string {
	switch text {
	case "TIMED_OUT":
		return "Solution could not be executed"
	case "PREEMPTED":
		return "Trajectory was canceled"
	}
	return text
}
