// Package cmd provides the root command and CLI setup for cratewatch.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// verboseFlag switches logging to Debug.
var verboseFlag bool

// logFileFlag overrides the log file from the configuration.
var logFileFlag string

const rootLongDescription = `cratewatch triages a source tree for security issues.

It runs a static pattern pre-filter over every supported source file, cuts
files into syntax-aware chunks, scores the risk of Rust and Go dependencies,
and sends the chunks and risky dependencies to a remote analysis service.
Results are cached by content, so unchanged code is never analyzed twice.`

const scanLongDescription = `Scan a directory or a single file and write a report.

The scan always completes: files that cannot be parsed are scanned statically,
and analyses that cannot be obtained are marked unavailable in the report.`

// rootCmd represents the base command when called without any subcommands.
var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "cratewatch",
		Short:         "Security triage for source trees and their dependencies",
		Long:          rootLongDescription,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			configureLogger(logFileFlag, verboseFlag)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	configureRootFlags(cmd)

	return cmd
}

func configureRootFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().BoolVarP(&verboseFlag, verboseFlagName, "v", false, "log at debug level")
	cmd.PersistentFlags().StringVar(&logFileFlag, logFileFlagName, "", "log file (default from log.filename)")
}

// bindFlagToConfig wires a Cobra flag to a Viper key so config/env values feed the flag.
func bindFlagToConfig(flag *pflag.Flag, key string) {
	if flag == nil {
		cobra.CheckErr(fmt.Errorf("flag for config key %q not found", key))
		return
	}

	cobra.CheckErr(viper.BindPFlag(key, flag))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		rootCmd.PrintErrln("Error:", err)
		os.Exit(1)
	}
}
