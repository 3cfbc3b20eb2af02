package debug

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hitzhangjie/dbgcore/pkg/debugger"
)

var modulesCmd = &cobra.Command{
	Use:     "modules",
	Short:   "列出已加载的模块",
	Aliases: []string{"mods", "libs"},
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupInfo,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		dbg, err := currentDebugger()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "BASE\tSIZE\tENTRY\tNAME\tPATH")
		for _, m := range dbg.Modules() {
			fmt.Fprintf(w, "%#x\t%#x\t%#x\t%s\t%s\n", m.Base, m.Size, m.Entry, m.Name, m.Path)
		}
		return w.Flush()
	},
}

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "列出所有线程",
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupInfo,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		dbg, err := currentDebugger()
		if err != nil {
			return err
		}
		current := -1
		if ev, ok := dbg.CurrentEvent(); ok {
			current = ev.TID
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "\tTID\tENTRY\tNAME")
		for _, t := range dbg.Threads() {
			mark := ""
			if t.ID == current {
				mark = "*"
			}
			fmt.Fprintf(w, "%s\t%d\t%#x\t%s\n", mark, t.ID, t.StartAddress, t.Name)
		}
		return w.Flush()
	},
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "查看调试会话信息",
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupInfo,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		dbg, err := currentDebugger()
		if err != nil {
			return err
		}
		s := dbg.Session()
		fmt.Printf("session:    %s\n", s.ID)
		fmt.Printf("kind:       %s\n", s.Kind)
		fmt.Printf("executable: %s\n", s.Executable)
		fmt.Printf("pid:        %d\n", s.PID)
		fmt.Printf("attached:   %v\n", s.Attached)
		if !s.Started.IsZero() {
			fmt.Printf("started:    %s (%s ago)\n", s.Started.Format(time.RFC3339), time.Since(s.Started).Round(time.Second))
		}
		fmt.Printf("state:      %s\n", dbg.State())
		if reason := dbg.PauseReason(); reason != debugger.PauseNone {
			fmt.Printf("paused by:  %s\n", reason)
		}
		fmt.Printf("events:     %d\n", dbg.EventCount())
		if code, err := dbg.ExitStatus(); dbg.State() == debugger.Stopped {
			fmt.Printf("exit code:  %d\n", code)
			if err != nil {
				fmt.Printf("error:      %v\n", err)
			}
		}
		return nil
	},
}

var dbsaveCmd = &cobra.Command{
	Use:   "dbsave",
	Short: "保存断点数据库",
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupBreakpoints,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		dbg, err := currentDebugger()
		if err != nil {
			return err
		}
		path, err := dbg.SaveDatabase()
		if err != nil {
			return err
		}
		fmt.Printf("breakpoints saved to %s\n", path)
		return nil
	},
}

func init() {
	debugRootCmd.AddCommand(modulesCmd)
	debugRootCmd.AddCommand(threadsCmd)
	debugRootCmd.AddCommand(sessionCmd)
	debugRootCmd.AddCommand(dbsaveCmd)
}
