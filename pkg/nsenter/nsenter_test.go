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

package nsenter

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestRunEnterFailedMissingPath exercises the EnterFailed path: a
// nonexistent namespace file means the task body is never invoked.
func TestRunEnterFailedMissingPath(t *testing.T) {
	ran := false
	err := Run("/proc/nonexistent-namespace-path-for-test", func() error {
		ran = true
		return nil
	})
	assert := assert.New(t)
	assert.Error(err)
	assert.True(errors.Is(err, ErrEnterFailed))
	assert.False(ran, "task must not run when entering the namespace fails")
}
