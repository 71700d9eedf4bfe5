// Copyright 2025 Tom Barlow
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

package joblog

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T, tailLines int) *SQLite {
	t.Helper()
	s, err := NewSQLite(SQLiteConfig{
		Path:      filepath.Join(t.TempDir(), "taskd-logs.db"),
		TailLines: tailLines,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLitePaging(t *testing.T) {
	s := newTestSQLite(t, 20)
	ctx := context.Background()

	logger, err := s.Open(6, 61)
	require.NoError(t, err)
	for i := 1; i <= 80; i++ {
		logger.Infof("line %d", i)
	}
	require.NoError(t, logger.Close())

	page, err := s.ReadPage(ctx, PageRequest{JobID: 6, LogID: 61, FromLine: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, page.FromLine)
	assert.Equal(t, 20, page.ToLine)
	assert.False(t, page.End)
	assert.Contains(t, page.Content, "line 20")
	assert.NotContains(t, page.Content, "line 21")

	page, err = s.ReadPage(ctx, PageRequest{JobID: 6, LogID: 61, FromLine: 81})
	require.NoError(t, err)
	assert.Equal(t, 81, page.ToLine)
	assert.Empty(t, page.Content)
	assert.True(t, page.End)

	page, err = s.ReadPage(ctx, PageRequest{JobID: 6, LogID: 61, FromLine: 61})
	require.NoError(t, err)
	assert.Equal(t, 80, page.ToLine)
	assert.True(t, page.End)
}

func TestSQLiteNoSuchLog(t *testing.T) {
	s := newTestSQLite(t, 0)
	ctx := context.Background()

	page, err := s.ReadPage(ctx, PageRequest{LogID: 404, FromLine: 1})
	require.NoError(t, err)
	assert.Equal(t, NoSuchLogs, page.Content)
	assert.True(t, page.End)

	_, err = s.ReadAll(ctx, 1, 404)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteLogIsolation(t *testing.T) {
	s := newTestSQLite(t, 0)
	ctx := context.Background()

	a, err := s.Open(1, 100)
	require.NoError(t, err)
	b, err := s.Open(2, 200)
	require.NoError(t, err)
	a.Info("from a")
	b.Info("from b")
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())

	got, err := s.ReadAll(ctx, 1, 100)
	require.NoError(t, err)
	assert.Contains(t, got, "from a")
	assert.NotContains(t, got, "from b")
}

func TestSQLiteOrderPreserved(t *testing.T) {
	s := newTestSQLite(t, 100)
	ctx := context.Background()

	logger, err := s.Open(3, 30)
	require.NoError(t, err)
	logger.Info("first")
	logger.Warn("second")
	logger.Error("third")
	require.NoError(t, logger.Close())

	all, err := s.ReadAll(ctx, 3, 30)
	require.NoError(t, err)
	iFirst := strings.Index(all, "first")
	iSecond := strings.Index(all, "second")
	iThird := strings.Index(all, "third")
	assert.True(t, iFirst < iSecond && iSecond < iThird, "records out of order: %q", all)
}

func TestSQLiteExpireOnce(t *testing.T) {
	s := newTestSQLite(t, 0)
	s.retention = time.Millisecond
	ctx := context.Background()

	logger, err := s.Open(1, 700)
	require.NoError(t, err)
	logger.Info("short lived")
	require.NoError(t, logger.Close())

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.ExpireOnce(ctx))

	_, err = s.ReadAll(ctx, 1, 700)
	assert.ErrorIs(t, err, ErrNotFound)
}
