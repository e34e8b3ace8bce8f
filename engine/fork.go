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

import "github.com/sirupsen/logrus"

// AfterFork must be called in a child process immediately after fork(2),
// before any other engine method. The worker goroutine does not survive
// fork (only the calling thread is cloned), so a forked child that kept
// e.running true would enqueue units nothing will ever dequeue.
func (e *Engine) AfterFork() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		logrus.Debug("yarvjit: disabling engine in forked child")
	}
	e.running = false
	e.workerFinished = true
}
