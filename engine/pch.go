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
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
)

// pchLockRetryInterval is how often buildPCH retries the file lock while
// another process holds it.
const pchLockRetryInterval = 50 * time.Millisecond

// pchStatus is the three-valued state of this process's precompiled
// header; waitForPCH blocks on pchReady until it leaves pchNotReady.
type pchStatus int

const (
	pchNotReady pchStatus = iota
	pchSucceeded
	pchFailed
)

// buildPCH builds (or waits for a sibling process to build) the shared
// precompiled header, then broadcasts e.pchReady. Runs once, from the
// worker goroutine, before the main dequeue loop starts.
//
// The output path and its lock file both contain the process id, so
// engine processes sharing TempDir each build their own header; the file
// lock only serializes builds that target the same path.
func (e *Engine) buildPCH(ctx context.Context) {
	status := e.tryBuildPCH(ctx)

	e.mu.Lock()
	e.pchStatus = status
	e.pchReady.Broadcast()
	e.mu.Unlock()

	if status == pchSucceeded {
		if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
			logrus.WithError(err).Debug("yarvjit: sd_notify failed")
		} else if e.opts.Verbose >= 2 && sent {
			logrus.Info("yarvjit: precompiled header ready, notified supervisor")
		}
	}
}

func (e *Engine) tryBuildPCH(ctx context.Context) pchStatus {
	header, err := findHeader(e.opts.HeaderDirs)
	if err != nil {
		logrus.WithError(err).Warn("yarvjit: no runtime header found, PCH disabled")
		return pchFailed
	}

	pid := os.Getpid()
	out := pchPath(e.opts.TempDir, pid)
	lockPath := out + ".lock"

	lock := flock.New(lockPath)
	locked, err := lock.TryLockContext(ctx, pchLockRetryInterval)
	if err != nil || !locked {
		// TryLockContext retries until it holds the lock, so reaching here
		// means a lock error or ctx was cancelled; proceed without a PCH.
		logrus.WithError(err).Debug("yarvjit: pch lock contended, compiling without pch")
		return pchFailed
	}
	defer lock.Unlock()

	if _, err := os.Stat(out); err == nil {
		return pchSucceeded // a prior run already left a usable PCH behind
	}

	r, err := newRunner(e.opts)
	if err != nil {
		logrus.WithError(err).Warn("yarvjit: runner init failed, PCH disabled")
		return pchFailed
	}
	argv := pchArgv(e.opts, header, out)
	full := append([]string{e.opts.ccBinary()}, argv...)
	if err := r.run(ctx, full); err != nil {
		logrus.WithError(err).Warn("yarvjit: precompiled header build failed")
		return pchFailed
	}
	return pchSucceeded
}

// waitForPCH blocks the caller (a translation about to be compiled) until
// the PCH build has settled one way or the other, returning its path
// ("" if the build failed and units should compile without one).
func (e *Engine) waitForPCH() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.pchStatus == pchNotReady {
		e.pchReady.Wait()
	}
	if e.pchStatus != pchSucceeded {
		return ""
	}
	return pchPath(e.opts.TempDir, os.Getpid())
}
