// Package main demonstrates wiring gradeflow's Orchestrator, Worker Pool,
// and ExamPaper graph over a single SQLite-backed State Store. It is a
// reference wiring example, not a CLI product: it exists so the core's
// components can be exercised end to end, the way the prior engine's examples/
// directory exercises package graph.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/dshills/gradeflow/graph/emit"
	"github.com/dshills/gradeflow/graph/store"
	"github.com/dshills/gradeflow/internal/cache"
	"github.com/dshills/gradeflow/internal/collab"
	"github.com/dshills/gradeflow/internal/examgraph"
	"github.com/dshills/gradeflow/internal/orchestrator"
	"github.com/dshills/gradeflow/internal/worker"
)

func main() {
	fmt.Println("gradeflow: durable exam-grading orchestrator")
	fmt.Println("=============================================")
	fmt.Println()

	dbPath := "./gradeflow.db"
	runStore, err := store.NewSQLiteRunStore(dbPath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer runStore.Close()
	fmt.Printf("✓ opened State Store at %s\n", dbPath)

	emitter := emit.NewLogEmitter(os.Stdout, false)

	// A real deployment wires internal/collab/llmgrader.Grader (backed by
	// one of the anthropic/openai/google chat models and a process-global
	// internal/ratelimit.SlidingWindowLimiter) in place of this mock.
	grader := &collab.MockGrader{Responses: []collab.GradingResult{
		{Score: 9, Confidence: 0.95, FeedbackText: "correct"},
		{Score: 7, Confidence: 0.88, FeedbackText: "partial credit"},
	}}

	deps := &examgraph.Deps{
		Layout: &collab.MockLayoutAnalysis{Regions: []collab.QuestionRegion{
			{QuestionID: "q1", ImageRef: "page1-q1", QuestionType: collab.QuestionObjective, MaxScore: 10},
			{QuestionID: "q2", ImageRef: "page1-q2", QuestionType: collab.QuestionEssay, MaxScore: 10},
		}},
		Persistence: &collab.MockPersistence{},
		Notifier:    &collab.MockNotifier{},
		ImageHash:   &collab.MockImageHash{},
		Cache:       cache.New(cache.NewLRUCache(10_000, time.Hour), 30*24*time.Hour, 0.90),
		Graders: map[collab.QuestionType]collab.Grader{
			collab.QuestionObjective: grader,
			collab.QuestionEssay:     grader,
		},
	}

	orch := orchestrator.New(runStore)
	runID, err := orch.StartRun(context.Background(), store.GraphExamPaper, map[string]any{
		"SubmissionID": "submission-demo-1",
		"FileRefs":     []string{"page1"},
		"Rubric":       "award 10 points for a correct derivation",
	}, nil)
	if err != nil {
		log.Fatalf("StartRun: %v", err)
	}
	fmt.Printf("✓ StartRun returned run_id=%s (status PENDING)\n", runID)

	pool := worker.New(runStore, emitter, []worker.GraphRunner{
		&worker.ExamPaperRunner{Deps: deps, Store: runStore, Emitter: emitter},
	}, worker.Options{MaxConcurrentRuns: 4})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	go func() {
		if err := pool.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("pool.Run: %v", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("timed out waiting for the run to finish")
			return
		case <-time.After(100 * time.Millisecond):
		}

		info, err := orch.GetStatus(context.Background(), runID)
		if err != nil {
			log.Fatalf("GetStatus: %v", err)
		}
		if info.Status == store.StatusCompleted || info.Status == store.StatusFailed || info.Status == store.StatusPaused {
			fmt.Printf("\n✓ run %s reached status=%s stage=%q fraction=%.2f\n", runID, info.Status, info.Progress.Stage, info.Progress.Fraction)
			if info.Error != nil {
				fmt.Printf("  error: %s\n", *info.Error)
			}
			return
		}
	}
}
