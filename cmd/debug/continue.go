package debug

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hitzhangjie/dbgcore/pkg/debugger"
)

var continueCmd = &cobra.Command{
	Use:   "continue",
	Short: "运行到下个断点",
	Long: `运行到下个断点。

默认等待被调试进程再次暂停，按Ctrl-C暂停运行中的进程。--async时立即返回，
可通过pause命令暂停。`,
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupCtrlFlow,
	},
	Aliases: []string{"c", "run"},
	RunE: func(cmd *cobra.Command, args []string) error {
		dbg, err := currentDebugger()
		if err != nil {
			return err
		}
		var (
			skip, _  = cmd.Flags().GetBool("skip-exceptions")
			async, _ = cmd.Flags().GetBool("async")
		)

		if skip {
			err = dbg.RunSkipExceptions()
		} else {
			err = dbg.Run()
		}
		if err != nil {
			return err
		}
		if async {
			fmt.Println("continue ok")
			return nil
		}
		return waitPaused(dbg)
	},
}

// waitPaused blocks until the debuggee pauses or the session stops.
func waitPaused(dbg *debugger.Debugger) error {
	state, err := dbg.WaitState(context.Background(), debugger.Paused, debugger.Stopped)
	if err != nil {
		return err
	}
	if state == debugger.Paused {
		pc, err := dbg.InstructionPointer()
		if err == nil {
			fmt.Printf("current PC: %#x\n", pc)
		}
	}
	return nil
}

func init() {
	debugRootCmd.AddCommand(continueCmd)

	continueCmd.Flags().BoolP("skip-exceptions", "e", false, "首次异常直接交给被调试进程处理")
	continueCmd.Flags().BoolP("async", "a", false, "不等待被调试进程暂停")
}
