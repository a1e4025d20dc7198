package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/keelplane/keel/pkg/engine"
	"github.com/keelplane/keel/pkg/policy"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect task admission policies",
		Long: `Inspect the Rego policies evaluated before a task is created.

The built-in policies are always loaded; policy.paths in the config file adds
more. Violations of severity error or critical reject the task.`,
	}

	cmd.AddCommand(newPolicyListCommand())
	cmd.AddCommand(newPolicyCheckCommand())

	return cmd
}

func newPolicyListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List loaded policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			pe, err := newPolicyEngine(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			policies := pe.ListPolicies()
			if jsonOutput {
				return printJSON(policies)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSEVERITY\tSOURCE\tDESCRIPTION")
			for _, p := range policies {
				source := p.Source
				if source == "" {
					source = "built-in"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Name, p.Severity, source, p.Description)
			}
			return w.Flush()
		},
	}

	return cmd
}

func newPolicyCheckCommand() *cobra.Command {
	var (
		step   string
		params string
		delay  time.Duration
	)

	cmd := &cobra.Command{
		Use:     "check PROGRAM",
		Short:   "Evaluate the policies against a task without creating it",
		Example: `  keel policy check lifecycle --params '{"subjectId": "vm-1"}'`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			reg, err := newRegistry()
			if err != nil {
				return err
			}
			pe, err := newPolicyEngine(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			spec := engine.TaskSpec{Program: args[0], Step: step}
			if params != "" {
				if err := json.Unmarshal([]byte(params), &spec.Params); err != nil {
					return fmt.Errorf("invalid --params: %w", err)
				}
			}
			now := time.Now()
			if delay > 0 {
				spec.ReadyAt = now.Add(delay)
			}

			task, err := engine.NewEngine(nil, reg, nil, log.Logger).NewTask(spec)
			if err != nil {
				return err
			}
			input, err := policy.NewInput(task, now)
			if err != nil {
				return err
			}
			decision, err := pe.Evaluate(cmd.Context(), input)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(decision)
			}
			for _, v := range decision.Violations {
				fmt.Printf("✗ %s [%s]: %s\n", v.Policy, v.Severity, v.Message)
			}
			for _, v := range decision.Warnings {
				fmt.Printf("! %s [%s]: %s\n", v.Policy, v.Severity, v.Message)
			}
			if !decision.Allowed {
				return fmt.Errorf("task would be denied")
			}
			fmt.Printf("✓ Task admitted by %d policies\n", len(decision.EvaluatedPolicies))
			return nil
		},
	}

	cmd.Flags().StringVar(&step, "step", "", "start step (defaults to the program's start step)")
	cmd.Flags().StringVarP(&params, "params", "p", "", "root frame parameters as a JSON object")
	cmd.Flags().DurationVar(&delay, "delay", 0, "delay before the task becomes ready")

	return cmd
}
