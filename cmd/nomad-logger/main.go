package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/attachmentgenie/nomad-logger/internal/buildinfo"
	"github.com/attachmentgenie/nomad-logger/pkg/config"
	"github.com/attachmentgenie/nomad-logger/pkg/core"
	"github.com/attachmentgenie/nomad-logger/pkg/daemon"
	"github.com/attachmentgenie/nomad-logger/pkg/daemon/service"
	"github.com/attachmentgenie/nomad-logger/pkg/transport/uds"
	tuimodel "github.com/attachmentgenie/nomad-logger/pkg/tui/model"
)

var (
	socketPath string
	jsonOutput bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nomad-logger",
	Short: "Inspect and control the nomad-logger agent",
	Long:  "nomad-logger talks to a running nomad-loggerd over its control socket. Without a subcommand it opens the TUI.",
	RunE:  runTUI,

	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", config.Default().Control.Socket, "agent control socket path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(retireCmd)
	rootCmd.AddCommand(checkpointsCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(versionCmd)
}

// --- Root: TUI ---

func runTUI(_ *cobra.Command, _ []string) error {
	app := tuimodel.New(socketPath)
	p := tea.NewProgram(app, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func dialAgent() (*uds.Client, error) {
	client, err := uds.Dial(socketPath)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to agent at %s: %w", socketPath, err)
	}
	return client, nil
}

// call dials the agent, issues one request and closes the connection.
func call(timeout time.Duration, method string, data, out any) error {
	client, err := dialAgent()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return client.Call(ctx, method, data, out)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- Ping ---

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check if the agent is running",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var pong uds.PingResponse
		if err := call(2*time.Second, uds.MethodPing, nil, &pong); err != nil {
			return err
		}
		if pong.Pong {
			fmt.Fprintf(cmd.OutOrStdout(), "pong ✓ (agent %s, node %s)\n", pong.Version, pong.NodeID)
		}
		return nil
	},
}

// --- Sources ---

var sourcesAll bool

var sourcesCmd = &cobra.Command{
	Use:     "sources [id]",
	Aliases: []string{"status"},
	Short:   "List tailed sources, or show one",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w := cmd.OutOrStdout()
		if len(args) == 1 {
			var src core.Source
			if err := call(2*time.Second, uds.MethodGetSource, uds.SourceRequest{ID: args[0]}, &src); err != nil {
				return err
			}
			return printJSON(w, src)
		}

		var sources []core.Source
		if err := call(2*time.Second, uds.MethodListSources, uds.ListSourcesRequest{All: sourcesAll}, &sources); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(w, sources)
		}
		printSources(w, sources)
		return nil
	},
}

func init() {
	sourcesCmd.Flags().BoolVarP(&sourcesAll, "all", "a", false, "include retired sources")
}

func printSources(w io.Writer, sources []core.Source) {
	if len(sources) == 0 {
		fmt.Fprintln(w, "no sources")
		return
	}
	fmt.Fprintf(w, "%-44s %-10s %-8s %-12s %s\n", "ID", "STATE", "SEQ", "OFFSET", "JOB")
	for _, s := range sources {
		fmt.Fprintf(w, "%-44s %-10s %-8d %-12s %s\n", s.ID, s.State, s.Seq, fmt.Sprintf(".%d@%d", s.FileIndex, s.Offset), s.JobID)
	}
}

// --- Retire ---

var retireCmd = &cobra.Command{
	Use:   "retire <source-id>",
	Short: "Drain and stop tailing a source",
	Long:  "Retire flushes the source's remaining output, then stops tailing it and deletes its checkpoint.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		if _, _, _, err := core.ParseSourceID(id); err != nil {
			return err
		}
		var resp uds.RetireSourceResponse
		if err := call(10*time.Second, uds.MethodRetireSource, uds.SourceRequest{ID: id}, &resp); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "retire → %s (%s) ✓\n", id, resp.State)
		return nil
	},
}

// --- Checkpoints ---

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "List stored checkpoints",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var cps []core.Checkpoint
		if err := call(2*time.Second, uds.MethodListCheckpoints, nil, &cps); err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(w, cps)
		}
		if len(cps) == 0 {
			fmt.Fprintln(w, "no checkpoints")
			return nil
		}
		fmt.Fprintf(w, "%-44s %-8s %-6s %-12s %s\n", "SOURCE", "SEQ", "FILE", "OFFSET", "UPDATED")
		for _, cp := range cps {
			fmt.Fprintf(w, "%-44s %-8d %-6d %-12d %s\n", cp.SourceID, cp.Seq, cp.FileIndex, cp.Offset, cp.UpdatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

// --- Stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show delivery counters",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var stats daemon.StatsResponse
		if err := call(2*time.Second, uds.MethodStats, nil, &stats); err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(w, stats)
		}
		printStats(w, stats)
		return nil
	},
}

func printStats(w io.Writer, stats daemon.StatsResponse) {
	fmt.Fprintf(w, "node:      %s\n", stats.NodeID)
	fmt.Fprintf(w, "sink:      %s\n", stats.Sink)

	states := make([]string, 0, len(stats.Sources))
	for state := range stats.Sources {
		states = append(states, state)
	}
	sort.Strings(states)
	for _, state := range states {
		fmt.Fprintf(w, "sources:   %-10s %d\n", state, stats.Sources[state])
	}

	d := stats.Dispatcher
	fmt.Fprintf(w, "records:   submitted %d, delivered %d, dropped %d\n", d.Submitted, d.Delivered, d.Dropped)
	fmt.Fprintf(w, "batches:   attempts %d, retries %d, dropped %d\n", d.Attempts, d.Retries, d.DroppedBatches)
	fmt.Fprintf(w, "buffered:  %d (pending %d, in flight %d)\n", d.Buffered, d.Pending, d.InFlight)
}

// --- Audit ---

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show recent pipeline events",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var events []core.AuditEvent
		if err := call(2*time.Second, uds.MethodRecentAudit, nil, &events); err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(w, events)
		}
		for _, e := range events {
			fmt.Fprintf(w, "%s %-20s %s", e.At.Format(time.RFC3339), e.Kind, e.SourceID)
			if e.BatchID != "" {
				fmt.Fprintf(w, " batch=%s records=%d", e.BatchID, e.Records)
			}
			if e.Reason != "" {
				fmt.Fprintf(w, " reason=%q", e.Reason)
			}
			fmt.Fprintln(w)
		}
		return nil
	},
}

// --- Config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the agent configuration file",
}

var configInitForce bool

var configInitCmd = &cobra.Command{
	Use:   "init [file]",
	Short: "Write a configuration file with the defaults",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "nomad-logger.yaml"
		if len(args) > 0 {
			path = args[0]
		}
		if _, err := os.Stat(path); err == nil && !configInitForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.Save(config.Default(), path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "nomad-logger.yaml"
		if len(args) > 0 {
			path = args[0]
		}
		if _, err := config.Load(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: valid\n", path)
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)
}

// --- Service ---

var (
	serviceUser     bool
	serviceConfig   string
	serviceBinary   string
	serviceWatchdog time.Duration
)

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the nomad-loggerd systemd unit",
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install and start the systemd unit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		err := service.Install(service.Options{
			BinaryPath: serviceBinary,
			ConfigPath: serviceConfig,
			Watchdog:   serviceWatchdog,
			User:       serviceUser,
		})
		if err != nil {
			return err
		}
		path, _ := service.UnitPath(serviceUser)
		fmt.Fprintf(cmd.OutOrStdout(), "installed %s\n", path)
		return nil
	},
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Stop and remove the systemd unit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := service.Uninstall(serviceUser); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "uninstalled")
		return nil
	},
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show socket and unit status",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), service.Status(socketPath, serviceUser))
	},
}

func init() {
	serviceCmd.PersistentFlags().BoolVar(&serviceUser, "user", false, "manage a user unit instead of a system unit")
	serviceInstallCmd.Flags().StringVar(&serviceConfig, "config", "", "config file passed to the agent")
	serviceInstallCmd.Flags().StringVar(&serviceBinary, "binary", "", "path to nomad-loggerd (default: found in PATH)")
	serviceInstallCmd.Flags().DurationVar(&serviceWatchdog, "watchdog", 30*time.Second, "systemd watchdog interval; 0 disables it")
	serviceCmd.AddCommand(serviceInstallCmd)
	serviceCmd.AddCommand(serviceUninstallCmd)
	serviceCmd.AddCommand(serviceStatusCmd)
}

// --- Version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "nomad-logger %s (%s) built %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.Date)
	},
}
