package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/breeze-rmm/patchext/internal/handler"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	version       = "1.0.0"
	cfgFile       string
	handlerEnvDir string
)

var rootCmd = &cobra.Command{
	Use:           "patch-extension",
	Short:         "Linux OS patch management extension",
	Long:          `patch-extension assesses and installs OS updates through the machine's package manager (APT, YUM or Zypper) on behalf of the host agent.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func verbCommand(verb handler.Verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(verb),
		Short: short,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			runVerb(verb)
		},
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("patch-extension v%s\n", version)
	},
}

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Print the resolved host environment and tunables",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.close()

		out := map[string]any{
			"version":     version,
			"environment": a.env,
			"tunables":    a.cfg,
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(out)
	},
}

var coreFlags struct {
	seq          int
	logFolder    string
	configFolder string
	statusFolder string
	eventsFolder string
}

var coreCmd = &cobra.Command{
	Use:    "core",
	Short:  "Run the detached patch worker for one sequence",
	Hidden: true,
	Args:   cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		runCore()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "tunables file (default is patchext.yaml next to the binary or in /etc/patchext)")
	rootCmd.PersistentFlags().StringVar(&handlerEnvDir, "handler-env", "", "directory holding HandlerEnvironment.json (default is the binary's parent directory)")

	coreCmd.Flags().IntVar(&coreFlags.seq, "seq", -1, "sequence number to run")
	coreCmd.Flags().StringVar(&coreFlags.logFolder, "log-folder", "", "host log folder")
	coreCmd.Flags().StringVar(&coreFlags.configFolder, "config-folder", "", "host config folder")
	coreCmd.Flags().StringVar(&coreFlags.statusFolder, "status-folder", "", "host status folder")
	coreCmd.Flags().StringVar(&coreFlags.eventsFolder, "events-folder", "", "host events folder")
	_ = coreCmd.MarkFlagRequired("seq")
	_ = coreCmd.MarkFlagRequired("config-folder")
	_ = coreCmd.MarkFlagRequired("status-folder")

	rootCmd.AddCommand(
		verbCommand(handler.VerbInstall, "Validate that this machine can be patched"),
		verbCommand(handler.VerbEnable, "Start the operation requested by the current settings"),
		verbCommand(handler.VerbDisable, "Disable the extension"),
		verbCommand(handler.VerbUninstall, "Remove extension state"),
		verbCommand(handler.VerbUpdate, "Carry state over from the previous extension version"),
		verbCommand(handler.VerbReset, "Reset extension state"),
		coreCmd,
		envCmd,
		versionCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(int(handler.HandlerFailed))
	}
}

func runVerb(verb handler.Verb) {
	a, err := loadApp()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		os.Exit(int(handler.HandlerFailed))
	}

	out := a.newHandler().Run(context.Background(), verb)
	a.close()
	if out.Exit || out.Code != handler.Okay {
		os.Exit(int(out.Code))
	}
}

func runCore() {
	a, err := loadCoreApp()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		os.Exit(int(handler.HandlerFailed))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	err = a.newWorker(coreFlags.seq).Run(ctx)
	stop()
	a.close()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(int(handler.HandlerFailed))
	}
}
