/*
   Copyright The containerd Authors.

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

// Package nsenter runs a caller-supplied task inside a target network
// namespace on a dedicated OS thread, restoring the original namespace
// on every exit path. setns(CLONE_NEWNET) is per-thread kernel state, so
// this package never multiplexes more than one such task onto a thread
// the Go scheduler might reuse for other goroutines.
package nsenter

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/vishvananda/netns"
)

// ErrEnterFailed is returned when the initial setns into the target
// namespace fails; the task body never ran.
var ErrEnterFailed = errors.New("nsenter: failed to enter target namespace")

// ErrLeaveFailed is returned when the task ran but restoring the
// original namespace afterwards failed. This is fatal: the OS thread
// that performed the setns is left bound to an unknown namespace and
// must never be reused, so the goroutine that hit this error exits
// without calling runtime.UnlockOSThread, retiring the thread.
var ErrLeaveFailed = errors.New("nsenter: failed to restore original namespace")

// Task is the unit of work run inside the target namespace. It must be
// synchronous: by the time it returns the executor considers the
// namespace-bound work complete and begins restoring the caller's
// namespace.
type Task func() error

// Run starts a goroutine locked to a dedicated OS thread; there it opens
// a handle on that thread's current network namespace and a handle on
// targetNSPath, enters the target namespace, runs task to completion,
// and restores the original namespace before returning — regardless of
// the task's outcome.
func Run(targetNSPath string, task Task) error {
	result := make(chan error, 1)

	go func() {
		runtime.LockOSThread()

		orig, err := netns.Get()
		if err != nil {
			result <- fmt.Errorf("%w: get current namespace: %v", ErrEnterFailed, err)
			runtime.UnlockOSThread()
			return
		}
		defer orig.Close()

		target, err := netns.GetFromPath(targetNSPath)
		if err != nil {
			result <- fmt.Errorf("%w: open %s: %v", ErrEnterFailed, targetNSPath, err)
			runtime.UnlockOSThread()
			return
		}
		defer target.Close()

		if err := netns.Set(target); err != nil {
			result <- fmt.Errorf("%w: setns(%s): %v", ErrEnterFailed, targetNSPath, err)
			runtime.UnlockOSThread()
			return
		}

		taskErr := task()

		if err := netns.Set(orig); err != nil {
			// The thread is poisoned: it may be sitting in an unknown
			// namespace. Do not unlock it back to the scheduler's pool.
			result <- fmt.Errorf("%w: %v (task error, if any: %v)", ErrLeaveFailed, err, taskErr)
			return
		}

		runtime.UnlockOSThread()
		result <- taskErr
	}()

	return <-result
}
