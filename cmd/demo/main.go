package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/frameflow/internal/inference/sim"
	"github.com/ChuLiYu/frameflow/internal/pipeline"
	"github.com/ChuLiYu/frameflow/internal/source"
	"github.com/ChuLiYu/frameflow/internal/stage"
	"github.com/ChuLiYu/frameflow/pkg/types"
)

// demo walks through two behaviours:
//
//	batch   adds cameras one by one and prints how the batch target follows
//	bestshot runs a tracked camera and prints one result per track and window
func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/demo/main.go <batch|bestshot>")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine := sim.New(sim.Config{Latency: 2 * time.Millisecond, FacesPerFrame: 2}, sim.Hooks{})
	stages := make(map[stage.Kind]stage.Config)
	for _, k := range stage.Kinds {
		stages[k] = stage.Config{Workers: 2}
	}
	p := pipeline.New(pipeline.Config{Name: "demo", Stages: stages}, engine)

	switch os.Args[1] {
	case "batch":
		runBatchDemo(ctx, p)
	case "bestshot":
		runBestShotDemo(ctx, p)
	default:
		log.Fatalf("Unknown mode %q", os.Args[1])
	}

	p.Stop()
	fmt.Printf("✓ Pipeline stopped (channels opened=%d closed=%d)\n", engine.Opened(), engine.Closed())
}

func runBatchDemo(ctx context.Context, p *pipeline.Orchestrator) {
	policy := types.Policy{DetectInterval: 1, MinConfidence: 0.3}
	if err := p.AddSource(source.NewSynthetic("cam-0", 640, 480, 25, 1), policy); err != nil {
		log.Fatalf("Failed to add source: %v", err)
	}
	if err := p.Start(ctx); err != nil {
		log.Fatalf("Failed to start pipeline: %v", err)
	}
	fmt.Println("✓ Pipeline started with 1 camera")

	for i := 1; i <= 6 && ctx.Err() == nil; i++ {
		results := len(drain(ctx, p, time.Second))
		stats := p.Stats()
		fmt.Printf("📊 cameras=%d detect batch=%d results/s=%d dropped=%d\n",
			stats.Sources, p.Stage(stage.Detect).BatchSize(), results, stats.TotalDropped())

		id := types.SourceID(fmt.Sprintf("cam-%d", i))
		if err := p.AddSource(source.NewSynthetic(id, 640, 480, 25, 1), policy); err != nil {
			log.Fatalf("Failed to add source: %v", err)
		}
	}
}

func runBestShotDemo(ctx context.Context, p *pipeline.Orchestrator) {
	policy := types.Policy{
		DetectInterval:   5,
		Track:            true,
		BestShotWindow:   500 * time.Millisecond,
		BestShotInterval: 500 * time.Millisecond,
		Extract:          true,
	}
	if err := p.AddSource(source.NewSynthetic("hall", 640, 480, 25, policy.DetectInterval), policy); err != nil {
		log.Fatalf("Failed to add source: %v", err)
	}
	if err := p.Start(ctx); err != nil {
		log.Fatalf("Failed to start pipeline: %v", err)
	}
	fmt.Println("✓ Pipeline started, 25 fps camera, best shot every 500ms per track")
	fmt.Println("💡 Press Ctrl+C to stop")

	deadline, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for deadline.Err() == nil {
		for _, r := range drain(deadline, p, 250*time.Millisecond) {
			fmt.Printf("  track=%d frame=%d confidence=%.2f\n", r.Candidate.TrackID, r.FrameID, r.Candidate.Confidence)
		}
	}
}

func drain(ctx context.Context, p *pipeline.Orchestrator, d time.Duration) []*types.Result {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	var out []*types.Result
	for ctx.Err() == nil {
		out = append(out, p.WaitResults(ctx, 0, 50*time.Millisecond)...)
	}
	return out
}
