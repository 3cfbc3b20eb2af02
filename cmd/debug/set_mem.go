package debug

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var setMemCmd = &cobra.Command{
	Use:   "setmem <locspec> <hexbytes>",
	Short: "设置指定内存位置的值",
	Long: `设置指定内存位置的值，值为十六进制字节序列，如 setmem 0x401000 9090。

写入的范围覆盖软件断点时，断点保持有效，写入的是断点下的原始字节。`,
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupInfo,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		// 检查参数数量
		if len(args) != 2 {
			return errors.New("usage: setmem <locspec> <hexbytes>")
		}
		dbg, err := currentDebugger()
		if err != nil {
			return err
		}

		// 解析地址参数
		addr, err := parseLocation(dbg, args[0])
		if err != nil {
			return err
		}

		// 解析值参数
		valueStr := strings.TrimPrefix(strings.ReplaceAll(args[1], " ", ""), "0x")
		data, err := hex.DecodeString(valueStr)
		if err != nil || len(data) == 0 {
			return fmt.Errorf("invalid value format: %s", args[1])
		}

		// 读取当前内存值用于显示
		old, err := dbg.ReadMemory(addr, len(data))
		if err != nil || len(old) != len(data) {
			return fmt.Errorf("failed to read memory at address %#x: %v", addr, err)
		}

		// 写入新值
		if err = dbg.WriteMemory(addr, data); err != nil {
			return fmt.Errorf("failed to write memory at address %#x: %v", addr, err)
		}

		// 显示操作结果
		fmt.Printf("%#x: % x => % x\n", addr, old, data)
		return nil
	},
}

var examineCmd = &cobra.Command{
	Use:     "x <locspec>",
	Short:   "查看指定内存位置的值",
	Aliases: []string{"examine", "mem"},
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupInfo,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			return errors.New("usage: x <locspec> [-n count]")
		}
		dbg, err := currentDebugger()
		if err != nil {
			return err
		}
		count, _ := cmd.Flags().GetInt("count")

		addr, err := parseLocation(dbg, args[0])
		if err != nil {
			return err
		}
		data, err := dbg.ReadMemory(addr, count)
		if err != nil {
			return fmt.Errorf("failed to read memory at address %#x: %v", addr, err)
		}
		if len(data) == 0 {
			return fmt.Errorf("address %#x is not readable", addr)
		}
		for off := 0; off < len(data); off += 16 {
			end := off + 16
			if end > len(data) {
				end = len(data)
			}
			fmt.Printf("%#x: % x\n", addr+uintptr(off), data[off:end])
		}
		return nil
	},
}

func init() {
	debugRootCmd.AddCommand(setMemCmd)
	debugRootCmd.AddCommand(examineCmd)

	examineCmd.Flags().IntP("count", "n", 64, "读取的字节数")
}
