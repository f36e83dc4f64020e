package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/stemsi/exstem-session/internal/clock"
	"github.com/stemsi/exstem-session/internal/database"
	"github.com/stemsi/exstem-session/internal/repository"
	"github.com/stemsi/exstem-session/internal/security"
	"github.com/stemsi/exstem-session/internal/service"
)

// openSessions wires a SessionService over the PostgreSQL store, with the
// Redis-backed monitor and audit journal so forced submits are visible live.
func openSessions(ctx context.Context, opts *rootOptions) (*service.SessionService, func(), error) {
	rules, err := security.LoadRules(opts.cfg.SecurityRulesFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load security rules: %w", err)
	}
	if opts.cfg.SecurityRulesFile == "" {
		rules.Window = opts.cfg.SecurityWindow
		if err := rules.Validate(); err != nil {
			return nil, nil, fmt.Errorf("security rules: %w", err)
		}
	}

	pool, err := database.NewPostgresPool(ctx, opts.cfg, opts.log)
	if err != nil {
		return nil, nil, err
	}
	rdb, err := database.NewRedisClient(ctx, opts.cfg, opts.log)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}

	catalog := service.NewExamCatalog(repository.NewExamRepository(pool), rdb, opts.cfg.ExamCacheTTL, opts.log)
	svc := service.NewSessionService(
		repository.NewPostgresAttemptStore(pool),
		catalog,
		service.NewAnswerKeyGrader(catalog),
		security.NewEngine(rules),
		clock.Real{},
		service.SessionConfig{
			GracePeriod:    opts.cfg.GracePeriod,
			GradingTimeout: opts.cfg.GradingTimeout,
			StoreTimeout:   opts.cfg.StoreTimeout,
			MaxCASRetries:  opts.cfg.MaxCASRetries,
		},
		opts.log,
	).
		WithNotifier(service.NewMonitorService(repository.NewMonitorRepository(rdb), opts.log)).
		WithEventSink(service.NewAuditJournal(repository.NewAuditQueue(rdb), opts.log))

	cleanup := func() {
		_ = rdb.Close()
		pool.Close()
	}
	return svc, cleanup, nil
}

func parseUUIDArg(name, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	return id, nil
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <attempt-id>",
		Short: "Show the security risk report of an attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUUIDArg("attempt id", args[0])
			if err != nil {
				return err
			}
			svc, cleanup, err := openSessions(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := svc.GetSecurityStatus(cmd.Context(), id)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return printJSON(cmd.OutOrStdout(), report)
			}
			return writeReport(cmd.OutOrStdout(), report)
		},
	}
}

func writeReport(out io.Writer, r *security.RiskReport) error {
	w := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
	fmt.Fprintf(w, "attempt\t%s\n", r.AttemptID)
	fmt.Fprintf(w, "student\t%d\n", r.StudentID)
	fmt.Fprintf(w, "score\t%d (%s)\n", r.SecurityScore, r.RiskLevel)
	fmt.Fprintf(w, "flagged\t%t\n", r.FlaggedForReview)
	fmt.Fprintf(w, "device changes\t%d\n", r.DeviceChanges)
	fmt.Fprintf(w, "ip changes\t%d\n", r.IPChanges)
	fmt.Fprintf(w, "automation hits\t%d\n", r.AutomationHits)
	for _, note := range r.ReviewNotes {
		fmt.Fprintf(w, "note\t%s\n", note)
	}
	return w.Flush()
}

func newTimelineCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "timeline <attempt-id>",
		Short: "Print the ordered event log of an attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUUIDArg("attempt id", args[0])
			if err != nil {
				return err
			}
			svc, cleanup, err := openSessions(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer cleanup()

			tl, err := svc.GetTimeline(cmd.Context(), id)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return printJSON(cmd.OutOrStdout(), tl)
			}
			return writeTimeline(cmd.OutOrStdout(), tl)
		},
	}
}

func writeTimeline(out io.Writer, tl *service.Timeline) error {
	fmt.Fprintf(out, "attempt %s  student %d  #%d  score %d  flagged %t  completed %t\n",
		tl.AttemptID, tl.StudentID, tl.AttemptNumber, tl.SecurityScore, tl.FlaggedForReview, tl.IsCompleted)
	w := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
	for _, e := range tl.Events {
		fmt.Fprintf(w, "%s\t%s\t%s\n", e.Timestamp.Format(time.RFC3339), e.Type, formatDetails(e.Details))
	}
	return w.Flush()
}

func formatDetails(d map[string]any) string {
	if len(d) == 0 {
		return ""
	}
	parts := make([]string, 0, len(d))
	for k, v := range d {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	slices.Sort(parts)
	return strings.Join(parts, " ")
}

func newFlaggedCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "flagged <exam-id>",
		Short: "List an exam's attempts flagged for review, riskiest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			examID, err := parseUUIDArg("exam id", args[0])
			if err != nil {
				return err
			}
			svc, cleanup, err := openSessions(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer cleanup()

			rows, err := svc.ListFlagged(cmd.Context(), examID)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return printJSON(cmd.OutOrStdout(), rows)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "ATTEMPT\tSTUDENT\t#\tSCORE\tLEVEL\tCOMPLETED\tLATE")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\t%t\t%t\n",
					r.AttemptID, r.StudentID, r.AttemptNumber, r.SecurityScore, r.RiskLevel, r.IsCompleted, r.Late)
			}
			return w.Flush()
		},
	}
}

func newForceSubmitCommand(opts *rootOptions) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "force-submit <attempt-id>",
		Short: "Finalize an attempt on behalf of a proctor",
		Long: `Finalize and grade an attempt regardless of its deadline or the exam window.

Example:
  sessionctl force-submit 0b9e... --reason "left the room"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUUIDArg("attempt id", args[0])
			if err != nil {
				return err
			}
			svc, cleanup, err := openSessions(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := svc.ForceSubmit(cmd.Context(), id, reason)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return printJSON(cmd.OutOrStdout(), res)
			}
			state := "submitted"
			if res.AlreadySubmitted {
				state = "already submitted"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s score %.2f (%.2f%%) answered %d/%d\n",
				res.AttemptID, state, res.Score, res.Percentage, res.Answered, res.TotalQuestions)
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the attempt's review notes")

	return cmd
}
