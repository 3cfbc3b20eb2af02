package debug

import (
	"fmt"

	"github.com/spf13/cobra"
)

var clearallCmd = &cobra.Command{
	Use:   "clearall [kind]",
	Short: "清除所有的断点",
	Long:  `清除所有的断点，可以只清除指定类型(software, hardware, memory)的断点`,
	Annotations: map[string]string{
		cmdGroupAnnotation:     cmdGroupBreakpoints,
		completeArgsAnnotation: completeKinds,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		dbg, err := currentDebugger()
		if err != nil {
			return err
		}
		kind, err := parseKindArg(args)
		if err != nil {
			return err
		}

		n, err := dbg.DeleteAllBreakpoints(kind)
		if err != nil {
			return fmt.Errorf("清除断点失败: %v", err)
		}
		fmt.Printf("清空断点成功，共%d个\n", n)
		return nil
	},
}

func init() {
	debugRootCmd.AddCommand(clearallCmd)
}
