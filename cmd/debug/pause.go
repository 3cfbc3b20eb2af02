package debug

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "暂停运行中的进程",
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupCtrlFlow,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		dbg, err := currentDebugger()
		if err != nil {
			return err
		}
		if err = dbg.Pause(); err != nil {
			return err
		}
		return waitPaused(dbg)
	},
}

var detachCmd = &cobra.Command{
	Use:   "detach",
	Short: "结束调试，被调试进程继续运行",
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupCtrlFlow,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		dbg, err := currentDebugger()
		if err != nil {
			return err
		}
		if err = dbg.Detach(); err != nil {
			return err
		}
		<-dbg.Done()
		fmt.Println("detached")
		return nil
	},
}

// Interrupt pauses the debuggee of the current session, it is called on
// SIGINT. It returns false when there is no session to interrupt.
func Interrupt() bool {
	dbg, err := currentDebugger()
	if err != nil {
		return false
	}
	if err := dbg.Pause(); err != nil {
		fmt.Fprintf(os.Stderr, "pause: %v\n", err)
	}
	return true
}

func init() {
	debugRootCmd.AddCommand(pauseCmd)
	debugRootCmd.AddCommand(detachCmd)
}
