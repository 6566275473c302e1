package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/forge/internal/intervention"
	"github.com/Iron-Ham/forge/internal/orchestrator"
)

var interveneCmd = &cobra.Command{
	Use:   "intervene <session-id>",
	Short: "Submit operator input to a session",
	Long: `Submit guidance, an override, extra context or a clarification to the
participants of a session. Input submitted while the session is paused is
held and delivered when it resumes.

Examples:
  forge intervene 3f2a... --content "Assume a single region for now"
  forge intervene 3f2a... --type override --priority high --request <request-id> \
      --content "Use 100ms as the latency budget"`,
	Args: cobra.ExactArgs(1),
	RunE: runIntervene,
}

var requestsCmd = &cobra.Command{
	Use:   "requests <session-id>",
	Short: "List open intervention requests, most urgent first",
	Args:  cobra.ExactArgs(1),
	RunE:  runRequests,
}

var requestCmd = &cobra.Command{
	Use:   "request <session-id>",
	Short: "File an intervention request",
	Args:  cobra.ExactArgs(1),
	RunE:  runRequest,
}

var dismissCmd = &cobra.Command{
	Use:   "dismiss <session-id> <request-id>",
	Short: "Close a request without intervening",
	Args:  cobra.ExactArgs(2),
	RunE:  runDismiss,
}

var escalateCmd = &cobra.Command{
	Use:   "escalate <session-id> <request-id>",
	Short: "Raise a request one priority tier",
	Args:  cobra.ExactArgs(2),
	RunE:  runEscalate,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <session-id> <conflict-id> <resolution>",
	Short: "Record how a conflict was resolved",
	Args:  cobra.MinimumNArgs(3),
	RunE:  runResolve,
}

var acknowledgeCmd = &cobra.Command{
	Use:     "ack <session-id> <conflict-id>",
	Aliases: []string{"acknowledge"},
	Short:   "Mark a conflict as seen",
	Args:    cobra.ExactArgs(2),
	RunE:    runAcknowledge,
}

var (
	ivType     string
	ivContent  string
	ivPriority string
	ivImpact   string
	ivRound    int
	ivTargets  []string
	ivRequest  string
	ivBy       string

	reqPriority string
	reqType     string
	reqReason   string
)

func init() {
	interveneCmd.Flags().StringVarP(&ivType, "type", "t", string(intervention.TypeGuidance), "guidance, override, context or clarification")
	interveneCmd.Flags().StringVar(&ivContent, "content", "", "text delivered to the participants (required)")
	interveneCmd.Flags().StringVarP(&ivPriority, "priority", "p", string(intervention.PriorityMedium), "critical, high, medium or low")
	interveneCmd.Flags().StringVar(&ivImpact, "impact", string(intervention.ImpactMedium), "expected impact: high, medium or low")
	interveneCmd.Flags().IntVar(&ivRound, "round", 0, "round the input targets (default: current round)")
	interveneCmd.Flags().StringSliceVar(&ivTargets, "to", nil, "participants to address (default: everyone)")
	interveneCmd.Flags().StringVar(&ivRequest, "request", "", "request this input answers")
	interveneCmd.Flags().StringVar(&ivBy, "by", "", "operator name recorded with the input")
	_ = interveneCmd.MarkFlagRequired("content")

	requestCmd.Flags().StringVarP(&reqPriority, "priority", "p", string(intervention.PriorityMedium), "critical, high, medium or low")
	requestCmd.Flags().StringVarP(&reqType, "type", "t", string(intervention.TypeGuidance), "suggested intervention type")
	requestCmd.Flags().StringVar(&reqReason, "reason", "", "why input is needed")

	requestsCmd.Flags().StringVarP(&outputFormat, "output", "o", formatText, "output format: text, json or yaml")

	rootCmd.AddCommand(interveneCmd)
	rootCmd.AddCommand(requestsCmd)
	rootCmd.AddCommand(requestCmd)
	rootCmd.AddCommand(dismissCmd)
	rootCmd.AddCommand(escalateCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(acknowledgeCmd)
}

func runIntervene(cmd *cobra.Command, args []string) error {
	priority, err := intervention.ParsePriority(ivPriority)
	if err != nil {
		return err
	}
	iv := intervention.Intervention{
		Type:               intervention.Type(strings.ToLower(ivType)),
		Content:            ivContent,
		TargetRound:        ivRound,
		TargetParticipants: ivTargets,
		Priority:           priority,
		Impact:             intervention.Impact(strings.ToLower(ivImpact)),
		CreatedBy:          ivBy,
		RequestID:          ivRequest,
	}
	id := args[0]
	return withSession(cmd.Context(), id, func(o *orchestrator.Orchestrator) error {
		stored, err := o.SubmitIntervention(id, iv)
		if err != nil {
			return fmt.Errorf("failed to submit intervention: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Intervention %s submitted for round %d (%s)\n", stored.ID, stored.TargetRound, stored.Status)
		return nil
	})
}

func runRequests(cmd *cobra.Command, args []string) error {
	if err := validFormat(outputFormat); err != nil {
		return err
	}
	id := args[0]
	return withSession(cmd.Context(), id, func(o *orchestrator.Orchestrator) error {
		pending, err := o.ListPending(id)
		if err != nil {
			return err
		}
		if outputFormat != formatText {
			if pending == nil {
				pending = []intervention.Request{}
			}
			return writeStructured(cmd.OutOrStdout(), outputFormat, pending)
		}
		p := newPrinter(cmd.OutOrStdout())
		if len(pending) == 0 {
			p.line("No open requests.")
			return nil
		}
		p.requests(pending)
		return nil
	})
}

func runRequest(cmd *cobra.Command, args []string) error {
	priority, err := intervention.ParsePriority(reqPriority)
	if err != nil {
		return err
	}
	id := args[0]
	return withSession(cmd.Context(), id, func(o *orchestrator.Orchestrator) error {
		reqID, err := o.RequestIntervention(id, intervention.Details{
			Priority:      priority,
			SuggestedType: intervention.Type(strings.ToLower(reqType)),
			Reason:        reqReason,
		})
		if err != nil {
			return fmt.Errorf("failed to file request: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Request %s filed\n", reqID)
		return nil
	})
}

func runDismiss(cmd *cobra.Command, args []string) error {
	return withSession(cmd.Context(), args[0], func(o *orchestrator.Orchestrator) error {
		req, err := o.DismissRequest(args[1])
		if err != nil {
			return fmt.Errorf("failed to dismiss request: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Request %s %s\n", req.ID, req.Status)
		return nil
	})
}

func runEscalate(cmd *cobra.Command, args []string) error {
	return withSession(cmd.Context(), args[0], func(o *orchestrator.Orchestrator) error {
		req, err := o.EscalateRequest(args[1])
		if err != nil {
			return fmt.Errorf("failed to escalate request: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Request %s is now %s\n", req.ID, req.Priority)
		return nil
	})
}

func runResolve(cmd *cobra.Command, args []string) error {
	resolution := strings.Join(args[2:], " ")
	return withSession(cmd.Context(), args[0], func(o *orchestrator.Orchestrator) error {
		c, err := o.ResolveConflict(args[1], resolution)
		if err != nil {
			return fmt.Errorf("failed to resolve conflict: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Conflict %s resolved in round %d\n", c.ID, c.ResolvedRound)
		return nil
	})
}

func runAcknowledge(cmd *cobra.Command, args []string) error {
	return withSession(cmd.Context(), args[0], func(o *orchestrator.Orchestrator) error {
		c, err := o.AcknowledgeConflict(args[1])
		if err != nil {
			return fmt.Errorf("failed to acknowledge conflict: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Conflict %s %s\n", c.ID, c.Status)
		return nil
	})
}
