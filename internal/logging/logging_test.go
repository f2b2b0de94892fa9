/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements. See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License. You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package logging

import (
	"testing"

	"github.com/gookit/slog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Name2Level(
	t *testing.T,
) {

	assert.Equal(t, slog.PanicLevel, Name2Level("panic"))
	assert.Equal(t, slog.FatalLevel, Name2Level("fatal"))
	assert.Equal(t, slog.ErrorLevel, Name2Level("error"))
	assert.Equal(t, slog.ErrorLevel, Name2Level("err"))
	assert.Equal(t, slog.WarnLevel, Name2Level("Warning"))
	assert.Equal(t, slog.NoticeLevel, Name2Level("notice"))
	assert.Equal(t, VerboseLevel, Name2Level("verbose"))
	assert.Equal(t, slog.DebugLevel, Name2Level("debug"))
	assert.Equal(t, slog.TraceLevel, Name2Level("trace"))
	assert.Equal(t, slog.InfoLevel, Name2Level("anything-else"))
}

func Test_NewLogger_Without_Initialization(
	t *testing.T,
) {

	logger, err := NewLogger("TestLogger")
	require.NoError(t, err)
	assert.NotNil(t, logger)
}
