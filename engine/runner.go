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

package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/containerd/cgroups"
	runc "github.com/containerd/go-runc"
	"github.com/sirupsen/logrus"
	"github.com/syndtr/gocapability/capability"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// runner launches the external compiler the way runsc's sandbox launcher
// (runsc/sandbox/sandbox.go) launches the sandbox process: build an argv,
// set a detaching SysProcAttr, silence stdio unless verbose, and wait.
//
// Unlike the sandbox launcher, compiler invocations are short-lived and
// numerous, so runner additionally retries transient spawn failures
// (ENOMEM, "text file busy" on a racing concurrent write of the same
// binary) and can cap the child's resources via a cgroup.
type runner struct {
	opts Options
	cg   cgroups.Cgroup // nil if opts.CgroupPath == ""
	caps []capability.Cap
	lim  *rate.Limiter // nil if opts.MaxCompilesPerSecond == 0
}

// newRunner joins (but does not create) opts.CgroupPath, if set. r.caps is
// left empty, so no ambient capability is raised for compiler children.
func newRunner(opts Options) (*runner, error) {
	r := &runner{opts: opts}
	if opts.CgroupPath != "" {
		cg, err := cgroups.Load(cgroups.V1, cgroups.StaticPath(opts.CgroupPath))
		if err != nil {
			return nil, fmt.Errorf("loading cgroup %s: %w", opts.CgroupPath, err)
		}
		r.cg = cg
	}
	if opts.MaxCompilesPerSecond > 0 {
		r.lim = rate.NewLimiter(rate.Limit(opts.MaxCompilesPerSecond), 1)
	}
	return r, nil
}

// run executes argv[0](argv[1:]...), retrying transient spawn failures with
// exponential backoff, and returns once the process has exited. When
// opts.MaxCompilesPerSecond is set, run blocks on the limiter before each
// attempt so a burst of hot iseqs can't flood the machine with concurrent
// compiler invocations.
func (r *runner) run(ctx context.Context, argv []string) error {
	op := func() error {
		if r.lim != nil {
			if err := r.lim.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.SysProcAttr = &unix.SysProcAttr{
			// Detach compiler children from this process's session so a
			// SIGHUP/SIGCONT delivered to the embedder doesn't propagate.
			Setsid: true,
			// AmbientCaps lists the capabilities raised into the child's
			// ambient set before exec. With r.caps empty nothing is raised,
			// which is the same as leaving the field unset: it removes no
			// capability the child would otherwise gain at exec.
			AmbientCaps: capsToAmbient(r.caps),
		}
		cmd.Env = os.Environ()
		if r.opts.Verbose < 3 {
			cmd.Stdout, cmd.Stderr = nil, nil
		} else {
			cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
		}

		exitCh, err := runc.Monitor.Start(cmd)
		if err != nil {
			if isTransientSpawnError(err) {
				return err // retried by backoff
			}
			return backoff.Permanent(err)
		}

		if r.cg != nil {
			if err := r.cg.Add(cgroups.Process{Pid: cmd.Process.Pid}); err != nil {
				logrus.WithError(err).Warn("yarvjit: failed to add compiler child to cgroup")
			}
		}

		status, err := runc.Monitor.Wait(cmd, exitCh)
		if err != nil {
			return backoff.Permanent(err)
		}
		if status != 0 {
			return backoff.Permanent(fmt.Errorf("compiler exited with status %d", status))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 5 * time.Second
	return backoff.Retry(op, b)
}

// isTransientSpawnError reports whether err looks like a fork/exec race
// worth retrying rather than a real compiler failure.
func isTransientSpawnError(err error) bool {
	return errors.Is(err, unix.ETXTBSY) || errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.ENOMEM)
}

// capsToAmbient converts keep into the uintptr list unix.SysProcAttr.AmbientCaps
// expects. keep is empty in practice, so the list is empty and the child
// gets no ambient capabilities.
func capsToAmbient(keep []capability.Cap) []uintptr {
	caps := make([]uintptr, len(keep))
	for i, c := range keep {
		caps[i] = uintptr(c)
	}
	return caps
}
