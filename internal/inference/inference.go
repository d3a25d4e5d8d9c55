// ============================================================================
// Frameflow Inference Contract - Opaque Collaborator Boundary
// ============================================================================
//
// Package: internal/inference
// File: inference.go
// Function: Defines the channel interface every stage worker drives. The
//           actual computer-vision library lives behind Engine.Open.
//
// Contract:
//   - batch in, batch out, same cardinality
//   - any error means the whole batch produced no result this cycle
//   - a Channel is bound to one device/context pair and used by exactly one
//     worker goroutine; it is never shared
//
// ============================================================================

package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ChuLiYu/frameflow/pkg/types"
)

// ErrCardinality is returned when a call answers with a different number of
// elements than it was given.
var ErrCardinality = errors.New("inference: result cardinality mismatch")

// Capability lists the operations a channel must support.
type Capability uint32

const (
	CapDetect Capability = 1 << iota
	CapTrack
	CapScore
	CapKeypoints
	CapAlign
	CapAttributes
	CapExtract
)

var capNames = []struct {
	c    Capability
	name string
}{
	{CapDetect, "detect"},
	{CapTrack, "track"},
	{CapScore, "score"},
	{CapKeypoints, "keypoints"},
	{CapAlign, "align"},
	{CapAttributes, "attributes"},
	{CapExtract, "extract"},
}

func (c Capability) String() string {
	var parts []string
	for _, n := range capNames {
		if c&n.c != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Has reports whether all bits of want are set.
func (c Capability) Has(want Capability) bool { return c&want == want }

// OpenOptions describe the channel a worker asks for.
type OpenOptions struct {
	Stage   string
	Device  int // gpu.CPU for host-only channels
	Context int
	Caps    Capability
}

// Feature is the output of feature extraction for one crop.
type Feature struct {
	Vector []byte
	Age    int
	Gender int
}

// Engine opens channels. Implementations must be safe for concurrent Open.
type Engine interface {
	Open(ctx context.Context, opts OpenOptions) (Channel, error)
}

// Channel is an opened session bound to one GPU context.
type Channel interface {
	Detect(images []types.Image) ([][]types.Candidate, error)
	Track(images []types.Image, candidates [][]types.Candidate, sources []types.SourceID) ([][]types.Candidate, error)
	Score(images []types.Image, candidates [][]types.Candidate) ([][]types.Candidate, error)
	Keypoints(images []types.Image, candidates [][]types.Candidate) ([][]types.Candidate, error)
	Align(images []types.Image, candidates [][]types.Candidate) ([][]types.Image, error)
	Analyze(crops []types.Image, attrs types.AttributeFlags) ([]types.Attributes, error)
	Extract(crops []types.Image) ([]Feature, error)
	Close() error
}

// Error carries the numeric status code of a failed collaborator call.
type Error struct {
	Op   string
	Code int
}

func (e *Error) Error() string {
	return fmt.Sprintf("inference: %s failed with code %d", e.Op, e.Code)
}

// Code extracts the collaborator status code from err, or 0 for nil and -1
// for errors that carry none.
func Code(err error) int {
	if err == nil {
		return 0
	}
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Code
	}
	return -1
}
