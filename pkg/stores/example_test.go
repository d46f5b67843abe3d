package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/toolstore/pkg/engine"
	"github.com/openfroyo/toolstore/pkg/stores"
)

// ExampleOpen demonstrates opening an in-memory journal.
func ExampleOpen() {
	ctx := context.Background()
	journal, err := stores.Open(ctx, stores.Config{Path: ":memory:"})
	if err != nil {
		log.Fatal(err)
	}
	defer journal.Close()

	fmt.Println(journal.HealthCheck(ctx) == nil)
	// Output: true
}

// ExampleSQLiteStore_RecordPlanRun demonstrates journaling a plan invocation
// and reading it back.
func ExampleSQLiteStore_RecordPlanRun() {
	ctx := context.Background()
	journal, _ := stores.Open(ctx, stores.Config{Path: ":memory:"})
	defer journal.Close()

	_ = journal.RecordPlanRun(ctx, "tasks.delete", engine.Caller{ID: "u2"}, &engine.ExecutionResult{
		Error:    &engine.StepFailure{Code: "forbidden", Message: "only the owner may delete"},
		Duration: 3 * time.Millisecond,
	})

	runs, _ := journal.ListRuns(ctx, stores.RunFilter{Kind: stores.RunKindPlan})
	for _, r := range runs {
		fmt.Println(r.Name, r.Status, *r.ErrorCode)
	}
	// Output: tasks.delete failed forbidden
}
