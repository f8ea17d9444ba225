package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xkilldash9x/phantomctl/cmd"
)

func resetMocks() {
	osExit = os.Exit
	stderr = os.Stderr
	execute = cmd.Execute
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 0, exitCode(fmt.Errorf("open: %w", context.Canceled)))
	assert.Equal(t, 1, exitCode(errors.New("navigation failed")))
}

func TestHandlePanic(t *testing.T) {
	defer resetMocks()
	var out bytes.Buffer
	code := -1
	stderr = &out
	osExit = func(c int) { code = c }

	func() {
		defer handlePanic()
		panic("driver exploded")
	}()

	assert.Equal(t, 2, code)
	assert.Contains(t, out.String(), "panic: driver exploded")
	assert.Contains(t, out.String(), "goroutine")
}

func TestHandlePanic_NoPanic(t *testing.T) {
	defer resetMocks()
	called := false
	osExit = func(int) { called = true }

	func() {
		defer handlePanic()
	}()
	assert.False(t, called)
}

func TestMain_ExitStatus(t *testing.T) {
	defer resetMocks()
	code := -1
	osExit = func(c int) { code = c }
	execute = func(context.Context) error { return errors.New("boom") }

	main()
	assert.Equal(t, 1, code)
}
