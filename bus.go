package moveit_sim

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// Bus is the messaging transport to the remote planning service. Messages are
// carried as JSON; publish and service requests are encoded by the bus.
type Bus interface {
	// Publish sends msg on topic.
	Publish(ctx context.Context, topic string, msg any) error
	// Subscribe registers handler for every message on topic. The returned
	// function removes the subscription.
	Subscribe(topic string, handler func(payload []byte)) (func(), error)
	// Call performs a request/response service call and returns the raw response.
	Call(ctx context.Context, service string, req any) ([]byte, error)
	// HasConnectionError reports whether the transport is currently unusable.
	HasConnectionError() bool
	Close() error
}

var (
	ErrConnection         = errors.New("planning service connection unavailable")
	ErrNotReady           = errors.New("move group is not ready")
	ErrInvalidTrajectory  = errors.New("invalid trajectory")
	ErrNoIKSolution       = errors.New("no IK solution found")
	ErrIKInFlight         = errors.New("IK request already in flight")
	ErrTrajectoryNotFound = errors.New("trajectory not found")
	ErrSegmentFailed      = errors.New("trajectory segment did not succeed")
	ErrUnknownGroup       = errors.New("unknown move group")
)

// SubscribeTyped decodes every message on topic into T before calling handler.
// Messages that fail to decode are logged and dropped.
func SubscribeTyped[T any](bus Bus, topic string, logger logging.Logger, handler func(T)) (func(), error) {
	return bus.Subscribe(topic, func(payload []byte) {
		var msg T
		if err := json.Unmarshal(payload, &msg); err != nil {
			logger.Warnf("dropping malformed message on %s: %v", topic, err)
			return
		}
		handler(msg)
	})
}

// SendRequest performs a typed service call.
func SendRequest[TResp any](ctx context.Context, bus Bus, service string, req any) (TResp, error) {
	var resp TResp
	if bus.HasConnectionError() {
		return resp, ErrConnection
	}
	raw, err := bus.Call(ctx, service, req)
	if err != nil {
		return resp, errors.Wrapf(err, "calling %s", service)
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return resp, errors.Wrapf(err, "decoding %s response", service)
	}
	return resp, nil
}
