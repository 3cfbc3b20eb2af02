package debug

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hitzhangjie/dbgcore/pkg/breakpoint"
)

var breakCmd = &cobra.Command{
	Use:   "break <locspec>",
	Short: "添加断点",
	Long: `添加断点，位置可以通过locspec格式指定。

当前支持的locspec格式:
- 指令地址，如 0x401000
- 模块名，如 demo.dll，表示模块基址
- 模块名+偏移，如 demo.exe+0x10

断点类型通过--kind指定:
- software: 在指令处写入陷阱指令，--trap可选int3、"long int3"、ud2
- hardware: 使用调试寄存器，最多4个，--access可选execute、write、readwrite、access
- memory:   保护locspec所在的整个内存区域`,
	Aliases: []string{"b", "bp"},
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupBreakpoints,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		dbg, err := currentDebugger()
		if err != nil {
			return err
		}

		if next, _ := cmd.Flags().GetBool("next-module"); next {
			dbg.BreakOnNextModule()
			fmt.Println("break on next module load")
			return nil
		}

		if len(args) != 1 {
			return errors.New("参数错误")
		}

		var (
			kindStr, _   = cmd.Flags().GetString("kind")
			trapStr, _   = cmd.Flags().GetString("trap")
			accessStr, _ = cmd.Flags().GetString("access")
			size, _      = cmd.Flags().GetUint64("size")
			name, _      = cmd.Flags().GetString("name")
			once, _      = cmd.Flags().GetBool("once")
		)

		addr, err := parseLocation(dbg, args[0])
		if err != nil {
			return err
		}
		kind, err := breakpoint.ParseKind(kindStr)
		if err != nil {
			return err
		}

		var bp breakpoint.Breakpoint
		switch kind {
		case breakpoint.Software:
			trap, err := breakpoint.ParseTrapType(trapStr)
			if err != nil {
				return err
			}
			bp, err = dbg.SetBreakpoint(addr, trap, name, once)
			if err != nil {
				return err
			}
		default:
			access, err := breakpoint.ParseAccess(accessStr)
			if err != nil {
				return err
			}
			if kind == breakpoint.Hardware {
				bp, err = dbg.SetHardwareBreakpoint(addr, access, uintptr(size), name, once)
			} else {
				bp, err = dbg.SetMemoryBreakpoint(addr, access, name, once)
			}
			if err != nil {
				return err
			}
		}
		fmt.Printf("add %s\n", bp)
		return nil
	},
}

func init() {
	debugRootCmd.AddCommand(breakCmd)

	breakCmd.Flags().StringP("kind", "k", "software", "断点类型: software, hardware, memory")
	breakCmd.Flags().StringP("trap", "t", "int3", "软件断点陷阱指令: int3, \"long int3\", ud2")
	breakCmd.Flags().StringP("access", "a", "execute", "硬件/内存断点访问类型: execute, write, readwrite, read, access")
	breakCmd.Flags().Uint64P("size", "s", 1, "硬件断点长度: 1, 2, 4, 8")
	breakCmd.Flags().String("name", "", "断点名称")
	breakCmd.Flags().Bool("once", false, "命中一次后自动删除")
	breakCmd.Flags().Bool("next-module", false, "下一个模块加载时暂停")
}
