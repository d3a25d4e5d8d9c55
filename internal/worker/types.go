package worker

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/frameflow/internal/inference"
	"github.com/ChuLiYu/frameflow/pkg/types"
)

// State is the lifecycle position of a worker
type State int32

const (
	StateCreated State = iota
	StateStarting
	StateReady
	StateWorking
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateWorking:
		return "working"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Handler is the stage-specific transform a worker runs on every batch
type Handler interface {
	// Capabilities the worker's channel must support
	Capabilities() inference.Capability
	// Process transforms a batch and routes the outputs onwards
	Process(ch inference.Channel, batch []*types.WorkItem)
}

// FetchFunc pulls the next batch; an empty batch means no work this cycle
type FetchFunc func(ctx context.Context) []*types.WorkItem

// StartError reports a worker that could not open its channel
type StartError struct {
	Stage   string
	Worker  int
	Device  int
	Context int
	Err     error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("worker %s/%d (device %d, context %d): open channel: %v",
		e.Stage, e.Worker, e.Device, e.Context, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// Code returns the collaborator status code of the failure
func (e *StartError) Code() int { return inference.Code(e.Err) }
