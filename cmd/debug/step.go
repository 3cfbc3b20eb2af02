package debug

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var stepCmd = &cobra.Command{
	Use:     "step [count]",
	Short:   "执行一条指令",
	Long:    `执行一条或count条指令，call指令会进入被调函数`,
	Aliases: []string{"s", "si"},
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupCtrlFlow,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		dbg, err := currentDebugger()
		if err != nil {
			return err
		}

		n := 1
		if len(args) == 1 {
			if n, err = strconv.Atoi(args[0]); err != nil {
				return fmt.Errorf("invalid count %s", args[0])
			}
		}
		if err = dbg.StepN(n); err != nil {
			return fmt.Errorf("single step err: %v", err)
		}
		return waitPaused(dbg)
	},
}

func init() {
	debugRootCmd.AddCommand(stepCmd)
}
