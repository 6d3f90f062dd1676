// Copyright 2025 Nonvolatile Inc. d/b/a Confident Security

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     https://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package merchanttest

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

// FreePort returns a port that is free at the time of calling.
func FreePort(t *testing.T) int {
	t.Helper()

	lis, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)

	addr, ok := lis.Addr().(*net.TCPAddr)
	require.True(t, ok)
	port := addr.Port

	err = lis.Close()
	require.NoError(t, err)

	return port
}
