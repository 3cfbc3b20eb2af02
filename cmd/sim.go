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
	"github.com/spf13/cobra"

	"github.com/hitzhangjie/dbgcore/pkg/module"
	"github.com/hitzhangjie/dbgcore/pkg/target"
)

const (
	simPID     = 4242
	simExeBase = 0x401000
	simDllBase = 0x10000000
)

var (
	// demo.exe: nop; call 0x40100b; nop; nop; ret; nop; nop; nop; ret
	simExeCode = []byte{
		0x90,
		0xE8, 0x05, 0x00, 0x00, 0x00,
		0x90, 0x90, 0xC3,
		0x90, 0x90,
		0x90, 0x90, 0x90, 0xC3,
	}
	// demo.dll: nop; ret
	simDllCode = []byte{0x90, 0xC3}
)

// simCmd represents the sim command
var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "调试模拟进程",
	Long: `调试一个模拟进程，不需要真实的被调试进程。

The simulated process runs demo.exe, which calls one function and returns,
and loads demo.dll. It is useful to try the debugger commands on any
platform.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		budget, _ := cmd.Flags().GetInt("budget")

		sim := target.NewSim(simPID)
		sim.SetBudget(budget)
		sim.Start(module.Module{Name: "demo.exe", Path: "demo.exe", Base: simExeBase, Size: 0x1000}, simExeCode, simExeBase)
		sim.LoadModule(module.Module{Name: "demo.dll", Path: "demo.dll", Base: simDllBase, Size: 0x1000, Entry: simDllBase}, simDllCode)

		return runSession(target.SIM, "demo.exe", "", sim)
	},
}

func init() {
	rootCmd.AddCommand(simCmd)

	simCmd.Flags().Int("budget", target.DefaultSimBudget, "instructions executed per continue before the simulator yields")
}
