/*
Copyright © 2020 hit.zhangjie@gmail.com

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/hitzhangjie/dbgcore/cmd/debug"
	"github.com/hitzhangjie/dbgcore/pkg/config"
	"github.com/hitzhangjie/dbgcore/pkg/database"
	"github.com/hitzhangjie/dbgcore/pkg/debugger"
	"github.com/hitzhangjie/dbgcore/pkg/target"
)

// runSession 创建调试会话并进入交互式调试
//
// binary is the file removed when the session ends, empty for a debuggee
// the debugger did not build.
func runSession(kind target.Kind, exe, binary string, p target.Provider) error {
	store, err := config.NewStore(sections, settings)
	if err != nil {
		return err
	}
	defer store.Close()
	if f, ok := configFileUsed(settings); ok {
		if err := store.Watch(); err != nil {
			fmt.Fprintf(os.Stderr, "config %s is not watched: %v\n", f, err)
		}
		fmt.Printf("using config %s\n", f)
	}

	dbg, err := debugger.New(debugger.Config{
		Kind:       kind,
		Executable: exe,
		Provider:   p,
		Settings:   store,
		Database:   database.NewStore(sections, store.Settings().DatabaseDir),
		Sections:   sections,
	})
	if err != nil {
		return err
	}

	session, err := debug.NewDebugSession(dbg, kind, binary)
	if err != nil {
		return err
	}
	debug.CurrentSession = session.AtExit(debug.Cleanup)
	if err := dbg.Start(context.Background()); err != nil {
		return err
	}
	debug.CurrentSession.Start()
	return nil
}
