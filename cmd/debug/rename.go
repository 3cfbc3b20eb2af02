package debug

import (
	"errors"

	"github.com/spf13/cobra"
)

var renameCmd = &cobra.Command{
	Use:   "rename <breakpoint no.> [name]",
	Short: "修改断点名称",
	Long:  `修改断点名称，不指定name时清除名称`,
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupBreakpoints,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		dbg, err := currentDebugger()
		if err != nil {
			return err
		}
		if len(args) < 1 || len(args) > 2 {
			return errors.New("参数错误")
		}
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		var name string
		if len(args) == 2 {
			name = args[1]
		}
		return dbg.RenameBreakpoint(id, name)
	},
}

func init() {
	debugRootCmd.AddCommand(renameCmd)
}
