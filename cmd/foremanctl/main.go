package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	grpcapi "github.com/clintrovert/foreman/internal/api/grpc"
	"github.com/clintrovert/foreman/internal/config"
	"github.com/clintrovert/foreman/internal/leader"
	"github.com/clintrovert/foreman/internal/registry"
	"github.com/clintrovert/foreman/pkg/types"
)

var (
	flagTarget  string
	flagTimeout time.Duration
	flagJSON    bool
)

var (
	bold   = color.New(color.Bold).SprintFunc()
	dim    = color.New(color.Faint).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
)

func main() {
	cfg := config.Load(zap.NewNop())

	rootCmd := &cobra.Command{
		Use:           "foremanctl",
		Short:         "Operate a foreman leader",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&flagTarget, "target", cfg.GRPCTarget, "Leader gRPC address")
	rootCmd.PersistentFlags().DurationVar(&flagTimeout, "timeout", 5*time.Minute, "Per-call timeout")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "Machine-readable JSON output")

	rootCmd.AddCommand(reposCmd())
	rootCmd.AddCommand(registerCmd())
	rootCmd.AddCommand(modeCmd())
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(nextCmd())
	rootCmd.AddCommand(dispatchCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red("error:"), err)
		os.Exit(1)
	}
}

// call dials the leader, runs one operator method and closes the connection.
func call(method string, req, resp any) error {
	conn, err := grpc.NewClient(flagTarget, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", flagTarget, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), flagTimeout)
	defer cancel()
	return grpcapi.NewOperatorClient(conn).Call(ctx, method, req, resp)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func modeColor(mode types.Mode) string {
	switch mode {
	case types.ModeAct:
		return green(string(mode))
	case types.ModeObserve:
		return yellow(string(mode))
	}
	return dim(string(mode))
}

func reposCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repos",
		Short: "List registered repositories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp grpcapi.ReposResponse
			if err := call("ListRepos", nil, &resp); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(resp.Repos)
			}
			if len(resp.Repos) == 0 {
				fmt.Println(dim("no repositories registered"))
				return nil
			}
			for _, r := range resp.Repos {
				fmt.Printf("%-32s %-10s %s\n", bold(r.ID), modeColor(r.Mode), dim(r.DefaultBranch))
			}
			return nil
		},
	}
}

func registerCmd() *cobra.Command {
	var req registry.RegisterRequest
	cmd := &cobra.Command{
		Use:   "register OWNER/NAME",
		Short: "Register a repository (idempotent)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, name, ok := strings.Cut(args[0], "/")
			if !ok || owner == "" || name == "" {
				return fmt.Errorf("expected OWNER/NAME, got %q", args[0])
			}
			req.Owner, req.Name = owner, name

			var repo types.RepoContext
			if err := call("Register", req, &repo); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(repo)
			}
			fmt.Printf("%s registered as %s in %s mode\n", cyan(repo.FullName()), bold(repo.ID), modeColor(repo.Mode))
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Mode, "mode", "", "Initial mode (observe, act, disabled)")
	cmd.Flags().StringVar(&req.DefaultBranch, "branch", "", "Default branch")
	cmd.Flags().StringVar(&req.CloneURL, "clone-url", "", "Clone URL override")
	return cmd
}

func modeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mode REPO_ID [MODE]",
		Short: "Show or change a repository's mode",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				var resp grpcapi.ModeResponse
				if err := call("GetMode", grpcapi.RepoRequest{RepoID: args[0]}, &resp); err != nil {
					return err
				}
				if flagJSON {
					return printJSON(resp)
				}
				fmt.Printf("%s %s\n", bold(resp.RepoID), modeColor(resp.Mode))
				return nil
			}

			mode := args[1]
			var repo types.RepoContext
			req := grpcapi.PatchRequest{RepoID: args[0], Patch: registry.Patch{Mode: &mode}}
			if err := call("Patch", req, &repo); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(repo)
			}
			fmt.Printf("%s is now %s\n", bold(repo.ID), modeColor(repo.Mode))
			return nil
		},
	}
}

func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan REPO_ID",
		Short: "Refresh a repository and report eligibility",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var report leader.ScanReport
			if err := call("Scan", grpcapi.RepoRequest{RepoID: args[0]}, &report); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(report)
			}
			printReport(report)
			return nil
		},
	}
}

func printReport(report leader.ScanReport) {
	fmt.Printf("%s %s\n", bold(report.RepoID), modeColor(report.Mode))

	p := report.Present
	fmt.Printf("  %s tasks=%s prd=%s ci=%s pr_template=%s codeowners=%s llm_team=%s\n", dim("present"),
		flag(p.HasTasks), flag(p.HasPRD), flag(p.HasCI), flag(p.HasPRTemplate), flag(p.HasCodeowners), flag(p.HasAgentOwners))

	fmt.Printf("  %s %d\n", dim("open pull requests"), len(report.OpenPRs))
	for _, pr := range report.OpenPRs {
		fmt.Printf("    #%d %s %s\n", pr.Number, pr.Title, dim(pr.HeadRef))
	}

	if len(report.Eligible) > 0 {
		fmt.Printf("  %s %s\n", dim("eligible"), green(strings.Join(report.Eligible, ", ")))
	}
	for id, reason := range report.Skipped {
		detail := ""
		if reason.Detail != "" {
			detail = " " + dim(reason.Detail)
		}
		fmt.Printf("  %s %s %s%s\n", dim("skipped"), id, yellow(string(reason.Reason)), detail)
	}
	if len(report.Cycle) > 0 {
		fmt.Printf("  %s %s\n", red("cycle"), strings.Join(report.Cycle, " -> "))
	}
	for _, pe := range report.ParseErrors {
		fmt.Printf("  %s %s\n", red("malformed"), pe)
	}

	if report.Next != nil {
		fmt.Printf("  %s %s %s\n", bold("next"), cyan(report.Next.ID), report.Next.Title)
	} else {
		fmt.Printf("  %s %s\n", bold("next"), dim("none"))
	}
}

func flag(ok bool) string {
	if ok {
		return green("yes")
	}
	return dim("no")
}

func nextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "next REPO_ID",
		Short: "Show the task that would be dispatched next",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp grpcapi.NextResponse
			if err := call("Next", grpcapi.RepoRequest{RepoID: args[0]}, &resp); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(resp)
			}
			if resp.Next == nil {
				fmt.Println(dim("no eligible task"))
				return nil
			}
			fmt.Printf("%s %s %s\n", cyan(resp.Next.ID), resp.Next.Title, dim(resp.Next.Priority))
			return nil
		},
	}
}

func dispatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch REPO_ID",
		Short: "Dispatch the next eligible task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res types.DispatchResult
			if err := call("Dispatch", grpcapi.RepoRequest{RepoID: args[0]}, &res); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(res)
			}
			status := green("ok")
			if !res.OK {
				status = red("refused")
			}
			fmt.Printf("%s %s %s\n", status, bold(res.RepoID), modeColor(res.Mode))
			if res.TaskID != "" {
				fmt.Printf("  %s %s %s\n", dim("task"), cyan(res.TaskID), res.Title)
			}
			if res.Branch != "" {
				fmt.Printf("  %s %s\n", dim("branch"), res.Branch)
			}
			if res.URL != "" {
				fmt.Printf("  %s %s\n", dim("url"), res.URL)
			}
			if res.Message != "" {
				fmt.Printf("  %s\n", res.Message)
			}
			return nil
		},
	}
}
