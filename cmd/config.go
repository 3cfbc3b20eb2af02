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

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/hitzhangjie/dbgcore/pkg/config"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "查看或初始化配置",
	Long: `查看当前生效的配置。

With --init the default config file is written to ~/.dbgcore/config.yml
unless it already exists.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if doInit, _ := cmd.Flags().GetBool("init"); doInit {
			path, err := config.WriteDefaultConfig()
			if err != nil {
				return err
			}
			fmt.Printf("config file: %s\n", path)
			return nil
		}

		if f, ok := configFileUsed(settings); ok {
			fmt.Printf("# %s\n", f)
		}
		b, err := yaml.Marshal(settings.AllSettings())
		if err != nil {
			return err
		}
		fmt.Print(string(b))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)

	configCmd.Flags().Bool("init", false, "write the default config file")
}
