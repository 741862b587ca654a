package perrors

import (
	stderrors "errors"
	"sync/atomic"
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetTelemetryState restores the package's global telemetry state after a
// test that mutates it, since hasActiveReporting/globalTelemetryReporter are
// process-wide and these tests cannot run t.Parallel() against each other.
func resetTelemetryState(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		globalTelemetryReporter = nil
		ClearErrorHooks()
		globalPrivacyScrubber.Store(PrivacyScrubber(basicURLScrub))
	})
}

type fakeReporter struct {
	enabled  bool
	reported []*EnhancedError
}

func (r *fakeReporter) ReportError(ee *EnhancedError) { r.reported = append(r.reported, ee) }
func (r *fakeReporter) IsEnabled() bool               { return r.enabled }

func TestSetTelemetryReporterUpdatesActiveReportingStatus(t *testing.T) {
	resetTelemetryState(t)
	assert.False(t, hasActiveReporting.Load())

	SetTelemetryReporter(&fakeReporter{enabled: true})
	assert.True(t, hasActiveReporting.Load())

	SetTelemetryReporter(&fakeReporter{enabled: false})
	assert.False(t, hasActiveReporting.Load())
}

func TestBuildReportsToTelemetryWhenReporterActive(t *testing.T) {
	resetTelemetryState(t)
	reporter := &fakeReporter{enabled: true}
	SetTelemetryReporter(reporter)

	ee := New(stderrors.New("xrun detected")).Build()

	require.Len(t, reporter.reported, 1)
	assert.Equal(t, ee, reporter.reported[0])
	assert.Equal(t, CategoryXrun, ee.Category, "category should be auto-detected once reporting is active")
}

func TestAddErrorHookInvokesHookOnBuild(t *testing.T) {
	resetTelemetryState(t)
	var called atomic.Bool
	var gotCategory ErrorCategory

	AddErrorHook(func(ee *EnhancedError) {
		called.Store(true)
		gotCategory = ee.Category
	})

	New(stderrors.New("graph has a cycle")).Build()

	assert.True(t, called.Load())
	assert.Equal(t, CategoryGraphCycle, gotCategory)
}

func TestErrorHookPanicIsRecovered(t *testing.T) {
	resetTelemetryState(t)
	AddErrorHook(func(ee *EnhancedError) { panic("boom") })

	var normalCalled atomic.Bool
	AddErrorHook(func(ee *EnhancedError) { normalCalled.Store(true) })

	assert.NotPanics(t, func() {
		New(stderrors.New("x")).Build()
	})
	assert.True(t, normalCalled.Load(), "a panicking hook must not prevent later hooks from running")
}

func TestClearErrorHooksRemovesAllHooks(t *testing.T) {
	resetTelemetryState(t)
	var called atomic.Bool
	AddErrorHook(func(ee *EnhancedError) { called.Store(true) })
	ClearErrorHooks()

	New(stderrors.New("x")).Build()
	assert.False(t, called.Load())
	assert.False(t, hasActiveReporting.Load())
}

func TestSentryReporterReportErrorSkipsFlowControlAndConfigPatterns(t *testing.T) {
	t.Parallel()
	sr := NewSentryReporter(true)

	flowControl := New(stderrors.New("PATH_STOP")).Category(CategoryFlowControl).Build()
	sr.ReportError(flowControl)
	assert.True(t, flowControl.IsReported(), "flow-control errors are marked reported without hitting Sentry")

	busy := New(stderrors.New("device busy")).Category(CategoryResource).Build()
	sr.ReportError(busy)
	assert.True(t, busy.IsReported())
}

func TestSentryReporterReportErrorIsNoopWhenDisabled(t *testing.T) {
	t.Parallel()
	sr := NewSentryReporter(false)
	ee := New(stderrors.New("x")).Build()
	sr.ReportError(ee)
	assert.False(t, ee.IsReported())
}

func TestSentryReporterReportErrorSkipsAlreadyReported(t *testing.T) {
	t.Parallel()
	sr := NewSentryReporter(true)
	ee := New(stderrors.New("x")).Build()
	ee.MarkReported()
	sr.ReportError(ee)
}

func TestGenerateErrorTitleCombinesComponentCategoryAndOperation(t *testing.T) {
	t.Parallel()
	ee := New(stderrors.New("x")).
		Component("scheduler").
		Category(CategoryDeadline).
		Timing("tick_ll", 0).
		Build()

	title := generateErrorTitle(ee)
	assert.Equal(t, "Scheduler Deadline Miss Tick Ll", title)
}

func TestGenerateErrorTitleFallsBackToErrorType(t *testing.T) {
	t.Parallel()
	ee := &EnhancedError{Err: stderrors.New("x"), detected: true}
	title := generateErrorTitle(ee)
	assert.Equal(t, "*errors.errorString", title)
}

func TestGetErrorLevelMapsCategories(t *testing.T) {
	t.Parallel()
	assert.Equal(t, sentry.LevelFatal, getErrorLevel(CategoryFatal))
	assert.Equal(t, sentry.LevelError, getErrorLevel(CategoryXrun))
	assert.Equal(t, sentry.LevelWarning, getErrorLevel(CategoryLifecycle))
	assert.Equal(t, sentry.LevelInfo, getErrorLevel(CategoryFlowControl))
	assert.Equal(t, sentry.LevelInfo, getErrorLevel(CategoryNotFound))
	assert.Equal(t, sentry.LevelError, getErrorLevel(CategoryGeneric))
}

func TestBasicURLScrubRedactsQueryParamsAndApiKeys(t *testing.T) {
	t.Parallel()
	msg := "fetch https://example.com/path?token=abc123 failed, api_key=deadbeefdeadbeef"
	scrubbed := basicURLScrub(msg)

	assert.NotContains(t, scrubbed, "abc123")
	assert.NotContains(t, scrubbed, "deadbeefdeadbeef")
	assert.Contains(t, scrubbed, "https://example.com/path")
}

func TestSetPrivacyScrubberOverridesDefault(t *testing.T) {
	resetTelemetryState(t)
	SetPrivacyScrubber(func(s string) string { return "scrubbed" })
	assert.Equal(t, "scrubbed", scrubMessageForPrivacy("anything"))
}

func TestSetPrivacyScrubberIgnoresNil(t *testing.T) {
	resetTelemetryState(t)
	SetPrivacyScrubber(func(s string) string { return "custom" })
	SetPrivacyScrubber(nil)
	assert.Equal(t, "custom", scrubMessageForPrivacy("anything"), "setting nil must not clear the existing scrubber")
}

func TestTitleCaseUppercasesFirstRune(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "Scheduler", titleCase("scheduler"))
	assert.Equal(t, "", titleCase(""))
}
