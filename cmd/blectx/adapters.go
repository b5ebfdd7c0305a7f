package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/blectx/pkg/blecontext"
)

// adaptersCmd represents the adapters command
var adaptersCmd = &cobra.Command{
	Use:   "adapters",
	Short: "List serial ports that may host a BLE adapter",
	Long: `Lists serial ports matching the configured adapter port patterns.

Examples:
  blectx adapters
  blectx adapters --config blectx.yaml --refresh`,
	Args: cobra.NoArgs,
	RunE: runAdapters,
}

var adaptersRefresh bool

func init() {
	adaptersCmd.Flags().BoolVar(&adaptersRefresh, "refresh", false, "Ignore the cached port list")
}

func runAdapters(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	blecontext.Adapters.SetPatterns(cfg.AdapterPortPatterns)
	ports, err := blecontext.Adapters.Ports(adaptersRefresh)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(ports) == 0 {
		_, err = fmt.Fprintln(out, color.YellowString("No adapter ports found"))
		return err
	}
	for _, p := range ports {
		fmt.Fprintln(out, p)
	}
	return nil
}
