/*
Copyright © 2020 hit.zhangjie@gmail.com

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hitzhangjie/dbgcore/pkg/config"
	"github.com/hitzhangjie/dbgcore/pkg/logflags"
	"github.com/hitzhangjie/dbgcore/pkg/runstate"
)

var (
	// cfgFile is the config file given by --config, ~/.dbgcore/config.yml otherwise.
	cfgFile string
	// logEnabled is whether to log debug statements.
	logEnabled bool
	// logOutput is a comma separated list of layers that should produce debug output.
	logOutput string
	// logDest is the file logs are appended to.
	logDest string

	// settings holds the configuration read by initConfig.
	settings = config.New()
	// sections guards the tables shared by the debugger and the settings store.
	sections = runstate.NewSections()
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dbgcore",
	Short: "dbgcore is an instruction level debugger",
	Long: `dbgcore is an instruction level debugger.

It launches, attaches to or simulates a process, lets you set software,
hardware and memory breakpoints, single step it and persists the
breakpoints of every executable across sessions.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logflags.Setup(logEnabled, logOutput, logDest)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logflags.Close()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.dbgcore/config.yml)")
	rootCmd.PersistentFlags().BoolVarP(&logEnabled, "log", "", false, "Enable debugger logging.")
	rootCmd.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", "Comma separated list of layers that should produce debug output: debugger, registry, provider, shell.")
	rootCmd.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file.")

	rootCmd.PersistentFlags().Bool("autosave", true, "Save the breakpoint database when the session ends.")
	settings.BindPFlag(config.KeyDatabaseSave, rootCmd.PersistentFlags().Lookup("autosave"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if err := config.ReadInConfig(settings, cfgFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// configFileUsed reports the config file viper read, if any.
func configFileUsed(v *viper.Viper) (string, bool) {
	f := v.ConfigFileUsed()
	if f == "" {
		return "", false
	}
	if _, err := os.Stat(f); err != nil {
		return "", false
	}
	return f, true
}
