//go:build !(linux && amd64)

package target

// Launch 启动并跟踪进程cmd, only linux/amd64 is supported.
func Launch(cmd string, args []string, kind Kind) (Provider, error) {
	return nil, ErrUnsupported
}

// Attach trace一个目标进程, only linux/amd64 is supported.
func Attach(pid int) (Provider, error) {
	return nil, ErrUnsupported
}
