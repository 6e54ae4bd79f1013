package main

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"

	"github.com/srg/ctgate/internal/testutils"
	"github.com/stretchr/testify/suite"
)

// CommandTestSuite runs the root command in-process.
type CommandTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	dir    string
}

func (s *CommandTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.dir = s.T().TempDir()
}

// ExecuteCommand runs ctgate with args and returns everything it printed.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	}()
	err := rootCmd.Execute()
	return buf.String(), err
}

// WriteFile writes data under the test's temp dir and returns the path.
func (s *CommandTestSuite) WriteFile(name string, data []byte) string {
	path := filepath.Join(s.dir, name)
	s.Require().NoError(os.WriteFile(path, data, 0o600))
	return path
}

// syncBuffer is a bytes.Buffer safe for one writer and one poller.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
