package debug

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hitzhangjie/dbgcore/pkg/target"
)

var disassCmd = &cobra.Command{
	Use:   "disass [locspec]",
	Short: "反汇编机器指令",
	Long:  `反汇编机器指令，默认从当前PC开始，断点写入的陷阱指令不会显示`,
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupSource,
	},
	Aliases: []string{"dis", "disassemble"},
	RunE: func(cmd *cobra.Command, args []string) error {
		dbg, err := currentDebugger()
		if err != nil {
			return err
		}
		var (
			max, _    = cmd.Flags().GetUint64("max")
			syntax, _ = cmd.Flags().GetString("syntax")
		)

		var addr uintptr
		switch len(args) {
		case 0:
			// 读取PC值
			if addr, err = dbg.InstructionPointer(); err != nil {
				return err
			}
		case 1:
			if addr, err = parseLocation(dbg, args[0]); err != nil {
				return err
			}
		default:
			return errors.New("参数错误")
		}

		insts, err := dbg.Disassemble(addr, int(max))
		if err != nil {
			return err
		}
		for _, inst := range insts {
			asm, err := target.Format(inst, syntax)
			if err != nil {
				return err
			}
			fmt.Printf("%#x  %-20s % -24x %s\n", inst.Addr, symbolize(dbg, inst.Addr), inst.Bytes, asm)
		}
		return nil
	},
}

func init() {
	debugRootCmd.AddCommand(disassCmd)

	disassCmd.Flags().Uint64P("max", "n", 10, "反汇编指令数量")
	disassCmd.Flags().StringP("syntax", "s", "gnu", "反汇编指令语法，支持：go, gnu, intel")
}
