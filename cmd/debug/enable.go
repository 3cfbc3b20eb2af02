package debug

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var enableCmd = &cobra.Command{
	Use:   "enable <breakpoint no.|all> [kind]",
	Short: "启用断点",
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupBreakpoints,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return toggleBreakpoints(args, true)
	},
}

var disableCmd = &cobra.Command{
	Use:   "disable <breakpoint no.|all> [kind]",
	Short: "禁用断点",
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupBreakpoints,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return toggleBreakpoints(args, false)
	},
}

func toggleBreakpoints(args []string, enable bool) error {
	dbg, err := currentDebugger()
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return errors.New("参数错误")
	}

	if args[0] == "all" {
		kind, err := parseKindArg(args[1:])
		if err != nil {
			return err
		}
		var n int
		if enable {
			n, err = dbg.EnableAllBreakpoints(kind)
		} else {
			n, err = dbg.DisableAllBreakpoints(kind)
		}
		fmt.Printf("%d breakpoint(s) changed\n", n)
		return err
	}

	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	if enable {
		return dbg.EnableBreakpoint(id)
	}
	return dbg.DisableBreakpoint(id)
}

func init() {
	debugRootCmd.AddCommand(enableCmd)
	debugRootCmd.AddCommand(disableCmd)
}
