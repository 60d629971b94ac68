package deploy

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/user/agentmarket/internal/db"
	"github.com/user/agentmarket/internal/manifest"
	"github.com/user/agentmarket/internal/metrics"
)

// Case is one smoke test bound to the entities of an installation.
type Case struct {
	Slug        string
	WorkspaceID string
	AgentSlug   string
	AgentID     string
	Input       string
	Expect      string
}

// Runner executes a smoke test. It should return when ctx is done.
type Runner interface {
	Run(ctx context.Context, c Case) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, c Case) error

func (f RunnerFunc) Run(ctx context.Context, c Case) error {
	return f(ctx, c)
}

// EntityRunner passes a case when its target agent exists in the workspace.
type EntityRunner struct {
	db *db.DB
}

func NewEntityRunner(database *db.DB) *EntityRunner {
	return &EntityRunner{db: database}
}

func (r *EntityRunner) Run(ctx context.Context, c Case) error {
	ent, err := r.db.Repos().Entities.Get(ctx, c.AgentID)
	if err != nil {
		return err
	}
	if ent == nil || ent.Kind != string(manifest.KindAgent) || ent.WorkspaceID != c.WorkspaceID {
		return fmt.Errorf("agent %q is not present in workspace %q", c.AgentSlug, c.WorkspaceID)
	}
	return nil
}

// smoke runs every test case with bounded parallelism. Each case has its own
// deadline; a timeout or runner error fails that case only.
func (o *Orchestrator) smoke(ctx context.Context, st *run, specs []manifest.TestCaseSpec) db.TestResults {
	cases := make([]db.TestCaseResult, len(specs))
	g := new(errgroup.Group)
	g.SetLimit(o.parallel)
	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			timeout := o.timeout
			if spec.TimeoutSeconds > 0 {
				timeout = time.Duration(spec.TimeoutSeconds) * time.Second
			}
			c := Case{
				Slug:        spec.Slug,
				WorkspaceID: st.inst.TargetWorkspaceID,
				AgentSlug:   spec.AgentSlug,
				AgentID:     st.ids[manifest.KindAgent][spec.AgentSlug],
				Input:       spec.Input,
				Expect:      spec.Expect,
			}
			cases[i] = o.runCase(ctx, c, timeout)
			return nil
		})
	}
	_ = g.Wait()

	results := db.TestResults{Total: len(cases), Cases: cases}
	for _, c := range cases {
		metrics.RecordSmokeTest(c.Passed)
		if c.Passed {
			results.Passed++
		} else {
			results.Failed++
		}
	}
	o.logger.Info("smoke tests finished",
		"installation_id", st.inst.ID, "passed", results.Passed, "failed", results.Failed)
	return results
}

func (o *Orchestrator) runCase(ctx context.Context, c Case, timeout time.Duration) db.TestCaseResult {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- o.runner.Run(tctx, c)
	}()

	var err error
	select {
	case err = <-done:
	case <-tctx.Done():
		err = fmt.Errorf("timed out after %s", timeout)
	}

	out := db.TestCaseResult{Slug: c.Slug, Passed: err == nil, DurationMS: time.Since(started).Milliseconds()}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}
