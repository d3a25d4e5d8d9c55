// ============================================================================
// Frameflow Simulated Engine - Stand-in for the Inference Library
// ============================================================================
//
// Package: internal/inference/sim
// File: sim.go
// Function: Deterministic in-process implementation of inference.Engine used
//           by the CLI demo, the bench command and the tests
//
// Behaviour:
//   - Detect returns FacesPerFrame candidates per image
//   - Track keeps per-source state: detection hints get stable track ids by
//     position, frames without hints get the last known candidates
//   - Score/Keypoints/Align/Analyze/Extract decorate candidates with fixed,
//     plausible values
//   - Latency + random Jitter is slept on every call (simulated GPU work)
//   - FailRate makes a call fail with CodeBatchFailed
//   - OpenFailCode makes Open fail for OpenFailStage ("" = every stage)
//
// Hooks replace the default Detect/Score/Keypoints behaviour per image so
// tests can script exact scenarios.
//
// ============================================================================

package sim

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/frameflow/internal/inference"
	"github.com/ChuLiYu/frameflow/pkg/types"
)

// Status codes returned by the simulated engine.
const (
	CodeBatchFailed   = 5
	CodeChannelClosed = 9
)

// CropSize is the side of aligned crops.
const CropSize = 112

// Config tunes the simulated engine.
type Config struct {
	Latency       time.Duration
	Jitter        time.Duration
	FailRate      float64
	FacesPerFrame int
	OpenFailCode  int
	OpenFailStage string
	Seed          int64
}

// Hooks override per-image behaviour. Nil hooks use the defaults.
type Hooks struct {
	Detect    func(img types.Image) []types.Candidate
	Score     func(img types.Image, c types.Candidate) types.Candidate
	Keypoints func(img types.Image, c types.Candidate) types.Candidate
}

// Engine implements inference.Engine.
type Engine struct {
	cfg   Config
	hooks Hooks

	mu     sync.Mutex
	rng    *rand.Rand
	tracks map[types.SourceID][]types.Candidate

	opened atomic.Int64
	closed atomic.Int64
	calls  atomic.Int64
}

// New creates a simulated engine.
func New(cfg Config, hooks Hooks) *Engine {
	if cfg.FacesPerFrame <= 0 {
		cfg.FacesPerFrame = 1
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Engine{
		cfg:    cfg,
		hooks:  hooks,
		rng:    rand.New(rand.NewSource(seed)),
		tracks: make(map[types.SourceID][]types.Candidate),
	}
}

// Opened returns how many channels were opened successfully.
func (e *Engine) Opened() int { return int(e.opened.Load()) }

// Closed returns how many channels were closed.
func (e *Engine) Closed() int { return int(e.closed.Load()) }

// Calls returns how many batch calls were made.
func (e *Engine) Calls() int { return int(e.calls.Load()) }

// Open implements inference.Engine.
func (e *Engine) Open(ctx context.Context, opts inference.OpenOptions) (inference.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.cfg.OpenFailCode != 0 && (e.cfg.OpenFailStage == "" || e.cfg.OpenFailStage == opts.Stage) {
		return nil, &inference.Error{Op: "open " + opts.Stage, Code: e.cfg.OpenFailCode}
	}
	e.opened.Add(1)
	return &channel{engine: e, opts: opts}, nil
}

// work simulates the duration of one batch call and decides failure.
func (e *Engine) work(op string) error {
	e.calls.Add(1)

	e.mu.Lock()
	d := e.cfg.Latency
	if e.cfg.Jitter > 0 {
		d += time.Duration(e.rng.Int63n(int64(e.cfg.Jitter)))
	}
	fail := e.cfg.FailRate > 0 && e.rng.Float64() < e.cfg.FailRate
	e.mu.Unlock()

	if d > 0 {
		time.Sleep(d)
	}
	if fail {
		return &inference.Error{Op: op, Code: CodeBatchFailed}
	}
	return nil
}

func (e *Engine) defaultDetect(img types.Image) []types.Candidate {
	n := e.cfg.FacesPerFrame
	w := float32(img.Width()) / float32(n+1)
	if w <= 0 {
		w = 64
	}
	out := make([]types.Candidate, n)
	for i := range out {
		out[i] = types.Candidate{
			Box:        types.Rect{X: float32(i) * w, Y: 0, W: w, H: w},
			Confidence: 0.9,
		}
	}
	return out
}

type channel struct {
	engine *Engine
	opts   inference.OpenOptions
	closed atomic.Bool
}

func (c *channel) check(op string) error {
	if c.closed.Load() {
		return &inference.Error{Op: op, Code: CodeChannelClosed}
	}
	return c.engine.work(op)
}

func (c *channel) Detect(images []types.Image) ([][]types.Candidate, error) {
	if err := c.check("detect"); err != nil {
		return nil, err
	}
	out := make([][]types.Candidate, len(images))
	for i, img := range images {
		if c.engine.hooks.Detect != nil {
			out[i] = c.engine.hooks.Detect(img)
		} else {
			out[i] = c.engine.defaultDetect(img)
		}
	}
	return out, nil
}

func (c *channel) Track(images []types.Image, candidates [][]types.Candidate, sources []types.SourceID) ([][]types.Candidate, error) {
	if len(images) != len(candidates) || len(images) != len(sources) {
		return nil, inference.ErrCardinality
	}
	if err := c.check("track"); err != nil {
		return nil, err
	}

	e := c.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([][]types.Candidate, len(images))
	for i := range images {
		src := sources[i]
		if len(candidates[i]) > 0 {
			tracked := make([]types.Candidate, len(candidates[i]))
			copy(tracked, candidates[i])
			for j := range tracked {
				if tracked[j].TrackID == 0 {
					tracked[j].TrackID = int64(j + 1)
				}
			}
			e.tracks[src] = tracked
			out[i] = tracked
			continue
		}
		last := e.tracks[src]
		predicted := make([]types.Candidate, len(last))
		copy(predicted, last)
		out[i] = predicted
	}
	return out, nil
}

func (c *channel) Score(images []types.Image, candidates [][]types.Candidate) ([][]types.Candidate, error) {
	if len(images) != len(candidates) {
		return nil, inference.ErrCardinality
	}
	if err := c.check("score"); err != nil {
		return nil, err
	}
	out := make([][]types.Candidate, len(images))
	for i, img := range images {
		out[i] = make([]types.Candidate, len(candidates[i]))
		for j, cand := range candidates[i] {
			if c.engine.hooks.Score != nil {
				out[i][j] = c.engine.hooks.Score(img, cand)
				continue
			}
			cand.Quality = 0.8
			cand.Badness = 0.1
			out[i][j] = cand
		}
	}
	return out, nil
}

func (c *channel) Keypoints(images []types.Image, candidates [][]types.Candidate) ([][]types.Candidate, error) {
	if len(images) != len(candidates) {
		return nil, inference.ErrCardinality
	}
	if err := c.check("keypoints"); err != nil {
		return nil, err
	}
	out := make([][]types.Candidate, len(images))
	for i, img := range images {
		out[i] = make([]types.Candidate, len(candidates[i]))
		for j, cand := range candidates[i] {
			if c.engine.hooks.Keypoints != nil {
				out[i][j] = c.engine.hooks.Keypoints(img, cand)
				continue
			}
			b := cand.Box
			cand.Landmarks = []types.Point{
				{X: b.X + b.W*0.3, Y: b.Y + b.H*0.4},
				{X: b.X + b.W*0.7, Y: b.Y + b.H*0.4},
				{X: b.X + b.W*0.5, Y: b.Y + b.H*0.6},
				{X: b.X + b.W*0.35, Y: b.Y + b.H*0.8},
				{X: b.X + b.W*0.65, Y: b.Y + b.H*0.8},
			}
			cand.Pose = &types.Pose{}
			out[i][j] = cand
		}
	}
	return out, nil
}

func (c *channel) Align(images []types.Image, candidates [][]types.Candidate) ([][]types.Image, error) {
	if len(images) != len(candidates) {
		return nil, inference.ErrCardinality
	}
	if err := c.check("align"); err != nil {
		return nil, err
	}
	out := make([][]types.Image, len(images))
	for i := range images {
		out[i] = make([]types.Image, len(candidates[i]))
		for j := range candidates[i] {
			out[i][j] = types.NewHostImage(CropSize, CropSize, make([]byte, 0))
		}
	}
	return out, nil
}

func (c *channel) Analyze(crops []types.Image, attrs types.AttributeFlags) ([]types.Attributes, error) {
	if err := c.check("analyze"); err != nil {
		return nil, err
	}
	out := make([]types.Attributes, len(crops))
	for i := range crops {
		var a types.Attributes
		if attrs.Has(types.AttrGlasses) {
			a.Glasses = 0.1
		}
		if attrs.Has(types.AttrMask) {
			a.Mask = 0.05
		}
		if attrs.Has(types.AttrAge) {
			a.Age = 30
		}
		if attrs.Has(types.AttrEthnicity) {
			a.Ethnicity = 1
		}
		if attrs.Has(types.AttrBrightness) {
			a.Brightness = 0.6
		}
		if attrs.Has(types.AttrClarity) {
			a.Clarity = 0.7
		}
		out[i] = a
	}
	return out, nil
}

func (c *channel) Extract(crops []types.Image) ([]inference.Feature, error) {
	if err := c.check("extract"); err != nil {
		return nil, err
	}
	out := make([]inference.Feature, len(crops))
	for i, crop := range crops {
		out[i] = inference.Feature{
			Vector: []byte(fmt.Sprintf("%dx%d", crop.Width(), crop.Height())),
			Age:    30,
			Gender: 1,
		}
	}
	return out, nil
}

func (c *channel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.engine.closed.Add(1)
	return nil
}
