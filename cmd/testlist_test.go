package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/httprunner/DevicePool/internal/agent/device"
	"github.com/httprunner/DevicePool/internal/agent/pool"
	"github.com/httprunner/DevicePool/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestList(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tests.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadTestList(t *testing.T) {
	path := writeTestList(t, `
# smoke suite
com.example.LoginTest#testLogin
com.example.LoginTest#testLogout

AppUITests/CheckoutTests/testPay
com.example.LoginTest#testLogin
`)
	tests, err := readTestList(path)
	require.NoError(t, err)
	require.Len(t, tests, 3)
	assert.Equal(t, "com.example.LoginTest#testLogin", tests[0].ID())
	assert.Equal(t, "com.example.LoginTest#testLogout", tests[1].ID())
	assert.Equal(t, "AppUITests.CheckoutTests#testPay", tests[2].ID())
}

func TestReadTestListErrors(t *testing.T) {
	_, err := readTestList("")
	assert.Error(t, err)

	_, err = readTestList(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)

	_, err = readTestList(writeTestList(t, "# only comments\n\n"))
	assert.Error(t, err)

	_, err = readTestList(writeTestList(t, "ok.Class#m\nnot a test\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), ":2")
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty("", "  ", " b ", "c"))
	assert.Equal(t, "", firstNonEmpty("", " "))
}

func TestRetryFlagsDescribeRetriesNotAttempts(t *testing.T) {
	cmd := newRunCmd()
	maxRetries := cmd.Flags().Lookup("max-retries")
	require.NotNil(t, maxRetries)
	assert.Contains(t, maxRetries.Usage, "after its first attempt")
	quota := cmd.Flags().Lookup("retry-quota")
	require.NotNil(t, quota)
	assert.Contains(t, quota.Usage, "0 means unlimited")

	// --max-retries 1 allows one retry, i.e. two attempts in total.
	policy := pool.NewQuotaRetryPolicy(1, 0)
	test := []model.Test{{Pkg: "app", Clazz: "Suite", Method: "a"}}
	retry, _ := policy.Retry(test)
	assert.Len(t, retry, 1)
	retry, exhausted := policy.Retry(test)
	assert.Empty(t, retry)
	assert.Len(t, exhausted, 1)
}

func TestMultiRecorderKeepsGoing(t *testing.T) {
	failing := &stubRecorder{err: assert.AnError}
	ok := &stubRecorder{}
	err := multiRecorder{failing, ok}.UpsertDevices(t.Context(), nil)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, ok.calls)
}

type stubRecorder struct {
	err   error
	calls int
}

func (s *stubRecorder) UpsertDevices(context.Context, []device.InfoUpdate) error {
	s.calls++
	return s.err
}
