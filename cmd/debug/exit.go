package debug

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hitzhangjie/dbgcore/pkg/debugger"
	"github.com/hitzhangjie/dbgcore/pkg/target"
)

// closeTimeout bounds how long Cleanup waits for the session to end.
const closeTimeout = 5 * time.Second

var exitCmd = &cobra.Command{
	Use:     "exit",
	Short:   "结束调试会话",
	Aliases: []string{"quit", "q"},
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupOthers,
	},
	Run: func(cmd *cobra.Command, args []string) {
		CurrentSession.Stop()
	},
}

func init() {
	debugRootCmd.AddCommand(exitCmd)
}

// Cleanup 清理调试会话
func Cleanup() {
	s := CurrentSession
	if s == nil || s.dbg == nil {
		return
	}
	dbg := s.dbg

	// 根据被调试进程创建的方式，debug、exec or attach，来决定如何做善后处理
	// - debug: kill traced process, delete generated binary
	// - exec, sim: kill traced process
	// - attach: detach traced process
	if dbg.State().IsDebugging() {
		switch s.kind {
		case target.ATTACH:
			fmt.Fprintf(os.Stdout, "tracee is an attached process, leave it running: %d\n", dbg.Session().PID)
			if err := dbg.Detach(); err != nil {
				fmt.Fprintf(os.Stderr, "detach tracee: %d, err: %v\n", dbg.Session().PID, err)
				break
			}
			select {
			case <-dbg.Done():
			case <-time.After(closeTimeout):
			}
		default:
			fmt.Fprintf(os.Stdout, "tracee is run by tracer, kill it: %d\n", dbg.Session().PID)
		}
	}

	// Close kills whatever is still being debugged
	if err := dbg.Close(closeTimeout); err != nil && !errors.Is(err, debugger.ErrNotDebugging) {
		fmt.Fprintf(os.Stderr, "close debug session, err: %v\n", err)
	}

	if s.kind == target.DEBUG && s.binary != "" {
		if err := os.RemoveAll(s.binary); err != nil {
			fmt.Fprintf(os.Stderr, "remove built binary %s, err: %v\n", s.binary, err)
		}
	}
}
