package debug

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/cosiner/argv"
	"github.com/derekparker/trie"
	"github.com/mattn/go-isatty"
	"github.com/peterh/liner"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/hitzhangjie/dbgcore/pkg/debugger"
	"github.com/hitzhangjie/dbgcore/pkg/logflags"
	"github.com/hitzhangjie/dbgcore/pkg/target"
)

const (
	cmdGroupAnnotation = "cmd_group_annotation"

	cmdGroupBreakpoints = "1-breaks"
	cmdGroupSource      = "2-source"
	cmdGroupCtrlFlow    = "3-execute"
	cmdGroupInfo        = "4-info"
	cmdGroupOthers      = "5-other"
	cmdGroupCobra       = "other"

	cmdGroupDelimiter = "-"

	prefix    = "dbgcore> "
	descShort = "dbgcore interactive debugging commands"
)

// completeArgsAnnotation names the candidate list used to complete the
// arguments of a command.
const completeArgsAnnotation = "cmd_complete_args"

var debugRootCmd = &cobra.Command{
	Use:          "help [command]",
	Short:        descShort,
	SilenceUsage: true,
}

var (
	CurrentSession *DebugSession
)

// DebugSession 调试会话
type DebugSession struct {
	done   chan bool
	prefix string
	root   *cobra.Command
	liner  *liner.State   // nil when stdin is not a terminal
	input  *bufio.Scanner // script mode
	last   string
	words  *trie.Trie

	dbg    *debugger.Debugger
	kind   target.Kind
	binary string
	out    io.Writer
	log    *logrus.Entry

	stopOnce sync.Once
	defers   []func()
}

// NewDebugSession 创建一个debug专用的交互管理器
//
// The session subscribes to the notifications of dbg, so it must be created
// before dbg is started.
func NewDebugSession(dbg *debugger.Debugger, kind target.Kind, binary string) (*DebugSession, error) {
	fn := func(cmd *cobra.Command, args []string) {
		// 描述信息
		fmt.Println(cmd.Short)
		fmt.Println()

		// 使用信息
		fmt.Println(cmd.Use)
		fmt.Println(cmd.Flags().FlagUsages())

		// 命令分组
		if cmd == debugRootCmd {
			usage := helpMessageByGroups(cmd)
			fmt.Println(usage)
		}
	}
	debugRootCmd.SetHelpFunc(fn)

	s := &DebugSession{
		done:   make(chan bool),
		prefix: prefix,
		root:   debugRootCmd,
		words:  buildCompletions(debugRootCmd),
		dbg:    dbg,
		kind:   kind,
		binary: binary,
		out:    os.Stdout,
		log:    logflags.ShellLogger(),
	}
	if isatty.IsTerminal(os.Stdin.Fd()) {
		s.liner = liner.NewLiner()
	} else {
		s.input = bufio.NewScanner(os.Stdin)
		s.prefix = ""
	}

	if err := subscribe(dbg, s.out); err != nil {
		if s.liner != nil {
			s.liner.Close()
		}
		return nil, err
	}
	return s, nil
}

// Debugger returns the debugger the session drives.
func (s *DebugSession) Debugger() *debugger.Debugger {
	return s.dbg
}

func (s *DebugSession) Start() {
	if s.liner != nil {
		s.liner.SetCompleter(s.completer)
		s.liner.SetTabCompletionStyle(liner.TabPrints)
		s.liner.SetCtrlCAborts(true)
	}

	defer func() {
		if s.liner != nil {
			s.liner.Close()
		}
		for idx := len(s.defers) - 1; idx >= 0; idx-- {
			s.defers[idx]()
		}
	}()

	for {
		select {
		case <-s.done:
			return
		default:
		}

		txt, err := s.readLine()
		if err == liner.ErrPromptAborted {
			continue
		}
		if err != nil {
			if err != io.EOF {
				fmt.Fprintf(os.Stderr, "read command: %v\n", err)
			}
			return
		}

		txt = strings.TrimSpace(txt)
		if strings.HasPrefix(txt, "#") {
			continue
		}
		if len(txt) != 0 {
			s.last = txt
			if s.liner != nil {
				s.liner.AppendHistory(txt)
			}
		} else {
			txt = s.last
		}
		if len(txt) == 0 {
			continue
		}

		args, err := splitArgs(txt)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			continue
		}
		s.exec(args)
	}
}

func (s *DebugSession) readLine() (string, error) {
	if s.liner != nil {
		return s.liner.Prompt(s.prefix)
	}
	if !s.input.Scan() {
		if err := s.input.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return s.input.Text(), nil
}

// exec runs one command line on the command queue.
func (s *DebugSession) exec(args []string) {
	s.log.WithField("args", args).Debug("exec command")

	ok := s.dbg.Commands().Exec(func() {
		s.root.SetArgs(args)
		s.root.Execute()
		resetFlags(s.root)
	})
	if !ok {
		fmt.Fprintln(os.Stderr, "debug session closed")
	}
}

func (s *DebugSession) AtExit(fn func()) *DebugSession {
	s.defers = append(s.defers, fn)
	return s
}

func (s *DebugSession) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// resetFlags restores the defaults of every flag, cobra keeps the values
// of the previous execution otherwise.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if f.Changed {
			f.Value.Set(f.DefValue)
			f.Changed = false
		}
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// splitArgs splits a command line the way a shell does.
func splitArgs(line string) ([]string, error) {
	v, err := argv.Argv(line,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal command line '%s'", line)
	}
	return v[0], nil
}

// buildCompletions indexes the names and aliases of the commands.
func buildCompletions(root *cobra.Command) *trie.Trie {
	t := trie.New()
	for _, c := range root.Commands() {
		t.Add(c.Name(), c)
		for _, alias := range c.Aliases {
			t.Add(alias, c)
		}
	}
	return t
}

func (s *DebugSession) completer(line string) []string {
	idx := strings.LastIndex(line, " ")
	if idx < 0 {
		cmds := s.words.PrefixSearch(line)
		sort.Strings(cmds)
		return cmds
	}

	// complete the last argument from the candidates of the command
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	kind := completeCommands
	if fields[0] != "help" {
		node, ok := s.words.Find(fields[0])
		if !ok {
			return nil
		}
		cmd, ok := node.Meta().(*cobra.Command)
		if !ok {
			return nil
		}
		kind = cmd.Annotations[completeArgsAnnotation]
	}

	var candidates []string
	switch kind {
	case completeEvents:
		candidates = eventNames()
	case completeKinds:
		candidates = []string{"software", "hardware", "memory", "any"}
	case completeCommands:
		candidates = s.words.Keys()
	default:
		return nil
	}

	head, word := line[:idx+1], line[idx+1:]
	out := []string{}
	for _, c := range candidates {
		if strings.HasPrefix(c, word) {
			out = append(out, head+c)
		}
	}
	sort.Strings(out)
	return out
}

const (
	completeEvents   = "events"
	completeKinds    = "kinds"
	completeCommands = "commands"
)

// helpMessageByGroups 将各个命令按照分组归类，再展示帮助信息
func helpMessageByGroups(cmd *cobra.Command) string {

	// key:group, val:sorted commands in same group
	groups := map[string][]string{}
	for _, c := range cmd.Commands() {
		// 如果没有指定命令分组，放入other组
		var groupName string
		v, ok := c.Annotations[cmdGroupAnnotation]
		if !ok {
			groupName = cmdGroupCobra
		} else {
			groupName = v
		}

		groupCmds := groups[groupName]
		groupCmds = append(groupCmds, fmt.Sprintf("  %-16s:%s", c.Name(), c.Short))
		sort.Strings(groupCmds)

		groups[groupName] = groupCmds
	}

	if len(groups[cmdGroupCobra]) != 0 {
		groups[cmdGroupOthers] = append(groups[cmdGroupOthers], groups[cmdGroupCobra]...)
	}
	delete(groups, cmdGroupCobra)

	// 按照分组名进行排序
	groupNames := []string{}
	for k := range groups {
		groupNames = append(groupNames, k)
	}
	sort.Strings(groupNames)

	// 按照group分组，并对组内命令进行排序
	buf := bytes.Buffer{}
	for _, groupName := range groupNames {
		commands := groups[groupName]

		group := strings.Split(groupName, cmdGroupDelimiter)[1]
		buf.WriteString(fmt.Sprintf("- [%s]\n", group))

		for _, cmd := range commands {
			buf.WriteString(fmt.Sprintf("%s\n", cmd))
		}
		buf.WriteString("\n")
	}
	return buf.String()
}

// errNoSession is returned by the commands when no debug session exists.
var errNoSession = errors.New("no debug session")

// currentDebugger returns the debugger of the current session.
func currentDebugger() (*debugger.Debugger, error) {
	if CurrentSession == nil || CurrentSession.dbg == nil {
		return nil, errNoSession
	}
	return CurrentSession.dbg, nil
}
