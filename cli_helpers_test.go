package main

import (
	"bytes"
	"path/filepath"
	"testing"
)

// captureOutput 在测试期间把 stdOut/stdErr 换成内存缓冲区并返回它们。
func captureOutput(t *testing.T) (out, errOut *bytes.Buffer) {
	t.Helper()

	out, errOut = &bytes.Buffer{}, &bytes.Buffer{}
	prevOut, prevErr := stdOut, stdErr
	stdOut, stdErr = out, errOut
	t.Cleanup(func() {
		stdOut, stdErr = prevOut, prevErr
	})
	return out, errOut
}

// configFixture 返回 internal/config/testdata 下的样例配置；go test 以包目录为工作目录。
func configFixture(t *testing.T, name string) string {
	t.Helper()
	path, err := filepath.Abs(filepath.Join("internal", "config", "testdata", name))
	if err != nil {
		t.Fatalf("无法定位配置样例: %v", err)
	}
	return path
}
