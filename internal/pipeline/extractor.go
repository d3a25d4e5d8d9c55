package pipeline

import (
	"context"

	"github.com/ChuLiYu/frameflow/internal/gpu"
	"github.com/ChuLiYu/frameflow/internal/inference"
	"github.com/ChuLiYu/frameflow/internal/metrics"
	"github.com/ChuLiYu/frameflow/internal/stage"
	"github.com/ChuLiYu/frameflow/pkg/types"
)

// Extractor runs feature extraction for one or more pipelines. Finished
// items go back to the pipeline recorded in WorkItem.Origin.
//
// A pipeline created without WithExtractor owns a private Extractor and
// starts/stops it itself. A shared one is started and stopped by the caller.
type Extractor struct {
	manager *stage.Manager
}

// NewExtractor creates an extraction stage; nothing runs until Start.
func NewExtractor(cfg stage.Config, engine inference.Engine, alloc *gpu.Allocator, m *metrics.Collector) *Extractor {
	x := &Extractor{}
	env := &stage.Env{Router: x, Metrics: m}
	x.manager = stage.NewManager(stage.Extract, cfg, engine, alloc, stage.NewProcessor(stage.Extract, env), m)
	return x
}

// Start launches the extraction workers.
func (x *Extractor) Start(ctx context.Context) error { return x.manager.Start(ctx) }

// Stop halts the extraction workers.
func (x *Extractor) Stop() { x.manager.Stop() }

// Push queues items for extraction. Each item must carry an Origin.
func (x *Extractor) Push(items ...*types.WorkItem) { x.manager.Push(items...) }

// AddSource and RemoveSource follow the sources of every attached pipeline.
func (x *Extractor) AddSource()    { x.manager.AddSource() }
func (x *Extractor) RemoveSource() { x.manager.RemoveSource() }

// Manager exposes the underlying stage for status reporting.
func (x *Extractor) Manager() *stage.Manager { return x.manager }

// Forward implements stage.Router. Extraction is terminal.
func (x *Extractor) Forward(to stage.Kind, items ...*types.WorkItem) {
	if len(items) > 0 {
		log.Warn("Extractor cannot forward items", "to", to.String(), "items", len(items))
	}
}

// Emit implements stage.Router by returning the item to its pipeline.
func (x *Extractor) Emit(item *types.WorkItem) {
	if item.Origin == nil {
		log.Warn("Extracted item has no origin, dropping", "source", item.Frame.Source)
		return
	}
	item.Origin.Emit(item)
}
