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
	"errors"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hitzhangjie/dbgcore/pkg/target"
)

// execCmd represents the exec command
var execCmd = &cobra.Command{
	Use:   "exec <prog> [args...]",
	Short: "调试可执行程序",
	Long:  `调试可执行程序，程序由调试器启动，调试结束后被kill`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) < 1 {
			return errors.New("参数错误")
		}

		exe, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}

		// start tracee and wait tracee stopped
		p, err := target.Launch(exe, args[1:], target.EXEC)
		if err != nil {
			return err
		}
		return runSession(target.EXEC, exe, "", p)
	},
}

func init() {
	rootCmd.AddCommand(execCmd)
}
