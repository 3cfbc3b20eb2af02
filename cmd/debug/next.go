package debug

import (
	"github.com/spf13/cobra"
)

var nextCmd = &cobra.Command{
	Use:     "next",
	Short:   "执行一条指令，不进入被调函数",
	Aliases: []string{"n", "ni"},
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupCtrlFlow,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		dbg, err := currentDebugger()
		if err != nil {
			return err
		}
		if err = dbg.StepOver(); err != nil {
			return err
		}
		return waitPaused(dbg)
	},
}

var finishCmd = &cobra.Command{
	Use:     "finish",
	Short:   "运行到当前函数的返回指令",
	Aliases: []string{"rtr"},
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupCtrlFlow,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		dbg, err := currentDebugger()
		if err != nil {
			return err
		}
		if err = dbg.RunToReturn(); err != nil {
			return err
		}
		return waitPaused(dbg)
	},
}

func init() {
	debugRootCmd.AddCommand(nextCmd)
	debugRootCmd.AddCommand(finishCmd)
}
