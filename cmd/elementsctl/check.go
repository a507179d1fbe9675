package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/elements-platform/elements/registry"
)

var checkParallel int

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Probe every registered module once",
	Long: "Registers modules from the inventory file and environment, probes\n" +
		"each one, and prints the results. Exits non-zero when any module\n" +
		"is unhealthy.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runCheck(cmd, cfg)
	},
}

func init() {
	checkCmd.Flags().IntVar(&checkParallel, "parallel", 0,
		"probe this many modules concurrently instead of sequentially")
}

func runCheck(cmd *cobra.Command, cfg config) error {
	logger := newLogger(cfg.LogLevel)

	reg, err := buildRegistry(cfg, logger)
	if err != nil {
		return err
	}
	if len(reg.ListModules()) == 0 {
		return fmt.Errorf("no modules registered; set %s_*_URL or an inventory file", cfg.EnvPrefix)
	}

	var results map[string]registry.Status
	if checkParallel > 0 {
		results = reg.CheckAllParallel(cmd.Context(), checkParallel)
	} else {
		results = reg.CheckAll(cmd.Context())
	}

	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MODULE\tURL\tSTATUS\tVERSION")
	unhealthy := 0
	for _, name := range names {
		mod, _ := reg.GetModule(name)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", mod.Name, mod.BaseURL, mod.Status, mod.Version)
		if results[name] != registry.StatusHealthy {
			unhealthy++
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if unhealthy > 0 {
		return fmt.Errorf("%d of %d modules unhealthy", unhealthy, len(names))
	}
	return nil
}
