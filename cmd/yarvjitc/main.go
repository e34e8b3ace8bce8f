// Copyright 2024 The YarvJIT Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command yarvjitc is a small demonstration harness for the yarvjit
// engine: it builds a couple of canned iseq bodies, submits them to a
// running engine, and waits for the worker to publish (or reject) each
// one. It exists for manual poking at the engine outside of the unit
// tests, the way runsc/cmd's subcommands let a developer drive gVisor's
// sandbox lifecycle by hand.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/talismancer/yarvjit/engine"
	"github.com/talismancer/yarvjit/iseq"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&runCmd{}, "")
	subcommands.Register(&dumpCmd{}, "")

	flag.Parse()
	ctx := context.Background()
	os.Exit(int(subcommands.Execute(ctx)))
}

// runCmd starts an engine, submits a handful of demo iseqs, and reports
// how each was resolved (JIT'd, rejected, or disabled).
type runCmd struct {
	configPath string
	verbose    int
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "start the engine and submit demo iseqs" }
func (*runCmd) Usage() string {
	return "run [--config path] [--verbose 0-3]\n"
}

func (c *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to a TOML options file (defaults built in if empty)")
	f.IntVar(&c.verbose, "verbose", 1, "logging level, 0-3")
}

func (c *runCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	opts := engine.DefaultOptions()
	if c.configPath != "" {
		loaded, err := engine.LoadOptions(c.configPath)
		if err != nil {
			logrus.WithError(err).Error("yarvjitc: loading config")
			return subcommands.ExitFailure
		}
		opts = loaded
	}
	opts.On = true
	opts.Verbose = c.verbose

	eng, err := engine.New(opts)
	if err != nil {
		logrus.WithError(err).Error("yarvjitc: constructing engine")
		return subcommands.ExitFailure
	}
	if err := eng.Init(); err != nil {
		logrus.WithError(err).Error("yarvjitc: starting engine")
		return subcommands.ExitFailure
	}
	defer func() {
		if err := eng.Finish(); err != nil {
			logrus.WithError(err).Warn("yarvjitc: engine shutdown")
		}
	}()

	for _, body := range demoBodies() {
		unit, err := eng.Submit(body)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: submit failed: %v\n", body.Location.Label, err)
			continue
		}
		waitForResult(body)
		fmt.Printf("%s: unit=%d func=%#x\n", body.Location.Label, unit.ID(), body.JIT.LoadFunc())
	}
	return subcommands.ExitSuccess
}

// waitForResult polls the JIT slot briefly; the engine's worker runs
// concurrently and has no synchronous "compile and wait" entry point —
// the interpreter simply observes the new function pointer on its next
// dispatch, so this demo polls to make that observable on a timeline.
func waitForResult(body *iseq.Body) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if body.JIT.LoadFunc() != iseq.FuncNotCompiled {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// dumpCmd runs only the translator (no engine, no compiler invocation) and
// prints the generated C source for a demo iseq, useful for inspecting
// translate.Generate's output by hand.
type dumpCmd struct{}

func (*dumpCmd) Name() string             { return "dump" }
func (*dumpCmd) Synopsis() string         { return "print generated C source for the demo iseqs" }
func (*dumpCmd) Usage() string            { return "dump\n" }
func (*dumpCmd) SetFlags(f *flag.FlagSet) {}

func (*dumpCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	for _, body := range demoBodies() {
		fmt.Printf("// ---- %s ----\n", body.Location.Label)
		src, err := translateDump(body)
		if err != nil {
			fmt.Printf("// rejected: %v\n\n", err)
			continue
		}
		fmt.Println(src)
	}
	return subcommands.ExitSuccess
}
