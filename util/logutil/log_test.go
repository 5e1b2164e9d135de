// Copyright 2025 The prestosql Authors.
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

package logutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInitLoggerAndSetLevel(t *testing.T) {
	conf := NewLogConfig("info", DefaultLogFormat, EmptyFileLogConfig, false)
	require.NoError(t, InitLogger(conf))
	require.NotNil(t, BgLogger())

	require.NoError(t, SetLevel("warn"))
	require.NoError(t, SetLevel("debug"))
	require.Error(t, SetLevel("chatty"))
}

func TestContextualLogger(t *testing.T) {
	ctx := context.Background()
	require.NotNil(t, Logger(ctx))

	ctx = WithFields(ctx, zap.Int("stage", 1))
	require.NotNil(t, ctx.Value(CtxLogKey))
	require.NotSame(t, BgLogger(), Logger(ctx))
}
