package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/application/orchestrator"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/application/session"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/shared"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/training"
)

type simulateOptions struct {
	learner string
	session string
	score   float64
	reason  string
}

func newSimulateCommand() *cobra.Command {
	opts := simulateOptions{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Walk a scripted learner through every step",
		Long: "simulate opens a session, starts each step, reports progress and submits evidence.\n" +
			"Every command result is printed as one JSON line.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSimulate(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.learner, "learner", "simulated-learner", "Learner id")
	cmd.Flags().StringVar(&opts.session, "session", "", "Session id (random when empty)")
	cmd.Flags().Float64Var(&opts.score, "score", 100, "Share of the available points earned on score criteria, in percent")
	cmd.Flags().StringVar(&opts.reason, "end-reason", session.ReasonUserRequest, "Reason recorded when the session ends")
	return cmd
}

// simulationLine is one JSON line of simulate output.
type simulationLine struct {
	Op     string              `json:"op"`
	Step   int                 `json:"step,omitempty"`
	Result orchestrator.Result `json:"result"`
}

func runSimulate(cmd *cobra.Command, opts simulateOptions) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	rt, err := buildRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer rt.close()

	if opts.session == "" {
		opts.session = uuid.NewString()
	}
	emit := jsonLines(cmd.OutOrStdout())

	sess, res, err := rt.registry.Open(ctx, shared.LearnerID(opts.learner), shared.SessionID(opts.session))
	if err != nil {
		return err
	}
	if err := emit(simulationLine{Op: "open", Result: res}); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("open session: %s", res.Message)
	}

	orch := sess.Orchestrator()
	for _, step := range training.AllSteps() {
		def, err := rt.catalog.Definition(step)
		if err != nil {
			return err
		}
		minutes := minutesFor(def)
		n := step.Int()

		if res, err = orch.StartStep(ctx, n); err != nil {
			return err
		}
		if err := emit(simulationLine{Op: "start_step", Step: n, Result: res}); err != nil {
			return err
		}
		if !res.Success {
			break
		}

		if res, err = orch.UpdateProgress(ctx, n, 50, minutes/2); err != nil {
			return err
		}
		if err := emit(simulationLine{Op: "update_progress", Step: n, Result: res}); err != nil {
			return err
		}

		if res, err = orch.ValidateStep(ctx, n, evidenceFor(def, opts.score), minutes-minutes/2); err != nil {
			return err
		}
		if err := emit(simulationLine{Op: "validate_step", Step: n, Result: res}); err != nil {
			return err
		}
		if !res.Success {
			break
		}
	}

	report := orch.ComplianceReport()
	if err := emit(simulationLine{Op: "compliance", Result: orchestrator.Result{
		Success: report.Compliant,
		Message: fmt.Sprintf("%d%% of compliance criteria satisfied", report.Percentage),
		Data:    report,
	}}); err != nil {
		return err
	}

	res, err = rt.registry.Close(ctx, sess.ID, opts.reason)
	if err != nil {
		return err
	}
	return emit(simulationLine{Op: "close", Result: res})
}

func jsonLines(w io.Writer) func(simulationLine) error {
	enc := json.NewEncoder(w)
	return func(l simulationLine) error {
		return enc.Encode(l)
	}
}

// minutesFor covers the estimate and every time criterion of a step.
func minutesFor(def training.StepDefinition) int {
	m := def.EstimatedMinutes
	for _, c := range def.Criteria {
		if c.Kind == training.CriterionTime {
			m = max(m, int(math.Ceil(c.Threshold)))
		}
	}
	return m
}

// evidenceFor builds evidence for every criterion of a step. score is the
// percentage of points claimed on score criteria.
func evidenceFor(def training.StepDefinition, score float64) training.Evidence {
	ev := training.Evidence{
		Values:       make(map[string]float64),
		Deliverables: make(map[string]string),
	}
	for _, c := range def.Criteria {
		switch c.Kind {
		case training.CriterionScore:
			ev.Values[c.ID] = math.Round(c.Points() * score / 100)
		case training.CriterionCompletion:
			ev.Values[c.ID] = 100
		case training.CriterionDeliverable:
			ev.Deliverables[c.ID] = "simulated://" + c.ID
		}
	}
	return ev
}
