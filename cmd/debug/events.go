package debug

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hitzhangjie/dbgcore/pkg/config"
	"github.com/hitzhangjie/dbgcore/pkg/target"
)

const eventKeyPrefix = "events."

var eventsCmd = &cobra.Command{
	Use:   "events [event on|off]",
	Short: "查看或修改调试事件策略",
	Long: `查看或修改调试事件策略，修改只对当前会话有效。

例如 events dll-load on，在模块加载时暂停。`,
	Annotations: map[string]string{
		cmdGroupAnnotation:     cmdGroupOthers,
		completeArgsAnnotation: completeEvents,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		dbg, err := currentDebugger()
		if err != nil {
			return err
		}
		store := dbg.Settings()

		switch len(args) {
		case 0:
			v := eventValues(store.Events())
			for _, name := range eventNames() {
				fmt.Printf("  %-20s %s\n", name, onOff(v[eventKeyPrefix+name]))
			}
			return nil
		case 2:
			on, err := parseOnOff(args[1])
			if err != nil {
				return err
			}
			return store.SetEvent(eventKeyPrefix+args[0], on)
		default:
			return errors.New("usage: events [event on|off]")
		}
	},
}

var exceptionsCmd = &cobra.Command{
	Use:   "exceptions [ignore <range>|clear|codes]",
	Short: "管理首次异常时不暂停的异常码",
	Long: `管理首次异常时不暂停的异常码。

  exceptions                  列出忽略的异常码范围
  exceptions ignore <range>   添加忽略范围，如 0xC0000005 或 0xC0000090-0xC0000093
  exceptions clear            清空忽略范围
  exceptions codes            列出已知的异常码`,
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupOthers,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		dbg, err := currentDebugger()
		if err != nil {
			return err
		}
		store := dbg.Settings()

		if len(args) == 0 {
			ranges := store.Settings().Ignore
			if len(ranges) == 0 {
				fmt.Println("no ignored exceptions")
			}
			for _, r := range ranges {
				fmt.Printf("  %s\n", r)
			}
			return nil
		}

		switch args[0] {
		case "ignore":
			if len(args) != 2 {
				return errors.New("usage: exceptions ignore <range>")
			}
			r, err := config.ParseRange(args[1])
			if err != nil {
				return err
			}
			return store.AddIgnore(r)
		case "clear":
			return store.ClearIgnore()
		case "codes":
			codes := target.ExceptionCodes()
			keys := make([]uint32, 0, len(codes))
			for code := range codes {
				keys = append(keys, code)
			}
			sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
			for _, code := range keys {
				fmt.Printf("  %s\n", target.FormatException(code))
			}
			return nil
		default:
			return fmt.Errorf("unknown subcommand %s", args[0])
		}
	},
}

// eventNames returns the event settings without the events. prefix.
func eventNames() []string {
	names := make([]string, 0, len(config.EventKeys))
	for _, k := range config.EventKeys {
		names = append(names, strings.TrimPrefix(k, eventKeyPrefix))
	}
	return names
}

func eventValues(e config.Events) map[string]bool {
	return map[string]bool{
		config.KeySystemBreakpoint: e.SystemBreakpoint,
		config.KeyAttachBreakpoint: e.AttachBreakpoint,
		config.KeyEntryBreakpoint:  e.EntryBreakpoint,
		config.KeyTLSCallbacks:     e.TLSCallbacks,
		config.KeyDllEntry:         e.DllEntry,
		config.KeyDllLoad:          e.DllLoad,
		config.KeyDllUnload:        e.DllUnload,
		config.KeyThreadStart:      e.ThreadStart,
		config.KeyThreadEnd:        e.ThreadEnd,
		config.KeyThreadEntry:      e.ThreadEntry,
		config.KeyDebugStrings:     e.DebugStrings,
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid value %s, want on or off", s)
}

func init() {
	debugRootCmd.AddCommand(eventsCmd)
	debugRootCmd.AddCommand(exceptionsCmd)
}
