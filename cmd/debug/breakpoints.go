package debug

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hitzhangjie/dbgcore/pkg/breakpoint"
)

var breaksCmd = &cobra.Command{
	Use:     "breaks [kind]",
	Short:   "列出所有断点",
	Long:    "列出所有断点，可按类型(software, hardware, memory)和模块过滤",
	Aliases: []string{"bs", "breakpoints"},
	Annotations: map[string]string{
		cmdGroupAnnotation:     cmdGroupBreakpoints,
		completeArgsAnnotation: completeKinds,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		dbg, err := currentDebugger()
		if err != nil {
			return err
		}

		f := breakpoint.Filter{Kind: breakpoint.AnyKind}
		if len(args) == 1 {
			if f.Kind, err = parseKind(args[0]); err != nil {
				return err
			}
		}
		f.Module, _ = cmd.Flags().GetString("module")
		f.EnabledOnly, _ = cmd.Flags().GetBool("enabled")

		bps := dbg.Breakpoints(f)
		if len(bps) == 0 {
			fmt.Println("no breakpoints")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "NO.\tKIND\tLOCATION\tADDRESS\tSTATE\tHITS\tNAME")
		for _, b := range bps {
			loc := fmt.Sprintf("%#x", b.Offset)
			if b.Module != "" {
				loc = fmt.Sprintf("%s+%#x", b.Module, b.Offset)
			}
			state := "enabled"
			if !b.Enabled {
				state = "disabled"
			}
			if !b.Active {
				state += ",inactive"
			}
			if b.SingleShot {
				state += ",once"
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%#x\t%s\t%d\t%s\n", b.ID, b.Kind, loc, b.Addr, state, b.HitCount, b.Name)
		}
		return w.Flush()
	},
}

func init() {
	debugRootCmd.AddCommand(breaksCmd)

	breaksCmd.Flags().StringP("module", "m", "", "只列出指定模块的断点")
	breaksCmd.Flags().Bool("enabled", false, "只列出启用的断点")
}
