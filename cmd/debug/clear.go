package debug

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var clearCmd = &cobra.Command{
	Use:   "clear <breakpoint no.>",
	Short: "清除指定编号的断点",
	Long:  `清除指定编号的断点`,
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupBreakpoints,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		dbg, err := currentDebugger()
		if err != nil {
			return err
		}
		if len(args) != 1 {
			return errors.New("参数错误")
		}
		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		// 移除断点
		if err = dbg.DeleteBreakpoint(id); err != nil {
			return err
		}
		fmt.Println("移除断点成功")
		return nil
	},
}

func init() {
	debugRootCmd.AddCommand(clearCmd)
}
