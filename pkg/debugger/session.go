package debugger

import (
	"time"

	"github.com/google/uuid"

	"github.com/hitzhangjie/dbgcore/pkg/target"
)

// Session 一次调试会话的描述
type Session struct {
	ID         string      // 会话ID，用于日志和断点数据库
	Kind       target.Kind // 发起调试的方式
	Executable string      // 被调试程序路径
	PID        int         // 进程ID，CreateProcess之后有效
	Attached   bool
	Started    time.Time
}

func newSession(kind target.Kind, executable string) Session {
	return Session{
		ID:         uuid.New().String(),
		Kind:       kind,
		Executable: executable,
		Started:    time.Now(),
	}
}
