package p11

import (
	"testing"
	"time"

	"github.com/effective-security/p11helper/engine"
	"github.com/effective-security/p11helper/p11/testmodule"
	"github.com/effective-security/xlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	ctx, err := New()
	require.NoError(t, err)
	defer ctx.Terminate()

	assert.Equal(t, engine.DefaultName, ctx.Engine().Name())
	assert.Equal(t, PINCacheInfinite, ctx.PINCachePeriod())
	assert.Equal(t, DefaultMaxLoginRetries, ctx.MaxLoginRetries())
	assert.True(t, ctx.ProtectedAuthentication())
	assert.WithinDuration(t, time.Now(), ctx.Now(), time.Minute)
	assert.Empty(t, ctx.Providers())

	ctx.SetPINCachePeriod(time.Hour)
	assert.Equal(t, time.Hour, ctx.PINCachePeriod())
	ctx.SetMaxLoginRetries(0)
	assert.Equal(t, 1, ctx.MaxLoginRetries())
	ctx.SetMaxLoginRetries(5)
	assert.Equal(t, 5, ctx.MaxLoginRetries())
	ctx.SetProtectedAuthentication(false)
	assert.False(t, ctx.ProtectedAuthentication())
}

func TestNewOptions(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	ctx, err := New(
		WithClock(func() time.Time { return now }),
		WithPINCachePeriod(time.Minute),
		WithMaxLoginRetries(7),
		WithProtectedAuthentication(false),
	)
	require.NoError(t, err)
	defer ctx.Terminate()

	assert.Equal(t, now, ctx.Now())
	assert.Equal(t, time.Minute, ctx.PINCachePeriod())
	assert.Equal(t, 7, ctx.MaxLoginRetries())
	assert.False(t, ctx.ProtectedAuthentication())
}

func TestTerminate(t *testing.T) {
	mod := testmodule.New(1)
	mod.InsertToken(0, testmodule.NewToken("token", "1", "1234"))
	ctx, err := New(WithModuleLoader(func(string) (Module, error) {
		return mod, nil
	}))
	require.NoError(t, err)

	require.NoError(t, ctx.AddProvider("test", "/memory/test.so", ProviderOptions{}))
	s := ctx.getSession(ctx.liveTokens()[0])
	s.release()

	require.NoError(t, ctx.Terminate())
	require.NoError(t, ctx.Terminate())

	assert.False(t, mod.Initialized())
	assert.True(t, mod.Destroyed())
	assert.Empty(t, ctx.Providers())
	assert.Empty(t, ctx.sessionList())

	assert.Equal(t, ErrNotInitialized, ctx.AddProvider("test", "/memory/test.so", ProviderOptions{}))
	assert.Equal(t, ErrNotInitialized, ctx.RemoveProvider("test"))
	_, err = ctx.EnumTokenIDs(EnumCache)
	assert.Equal(t, ErrNotInitialized, err)
	_, _, err = ctx.EnumCertificateIDs(EnumCache, nil, PromptNone)
	assert.Equal(t, ErrNotInitialized, err)
	_, err = ctx.NewCertificate(nil, nil, PromptNone, PINCacheInfinite)
	assert.Equal(t, ErrNotInitialized, err)

	var nilCtx *Context
	assert.Equal(t, ErrNotInitialized, nilCtx.checkActive())
}

func TestProcessContext(t *testing.T) {
	require.NoError(t, Terminate())
	assert.Nil(t, Default())

	first, err := Initialize()
	require.NoError(t, err)
	assert.Same(t, first, Default())

	second, err := Initialize(WithMaxLoginRetries(1))
	require.NoError(t, err)
	assert.Same(t, second, Default())
	assert.NotSame(t, first, second)
	assert.Equal(t, ErrNotInitialized, first.checkActive(), "the previous context is terminated")

	require.NoError(t, Terminate())
	assert.Nil(t, Default())
	assert.Equal(t, ErrNotInitialized, second.checkActive())
	require.NoError(t, Terminate())
}

func TestLogHook(t *testing.T) {
	f := newFixture(t, false)

	logs := &logRecorder{}
	f.ctx.SetLogHook(func(data any, level xlog.LogLevel, msg string) {
		assert.Equal(t, "log-data", data)
		logs.hook(data, level, msg)
	}, "log-data")

	require.NoError(t, f.ctx.AddProvider("second", "/memory/second.so", ProviderOptions{}))
	assert.True(t, logs.contains("status=provider_added, name=second, manufacturer=p11helper, owns_init=false"))

	require.NoError(t, f.ctx.RemoveProvider("second"))
	assert.True(t, logs.contains("status=provider_removed, name=second"))

	f.ctx.SetLogHook(nil, nil)
	require.NoError(t, f.ctx.RemoveProvider("test"))
	assert.False(t, logs.contains("name=test"))
}

func TestFormatKV(t *testing.T) {
	assert.Equal(t, "", formatKV(nil))
	assert.Equal(t, "status=ok", formatKV([]any{"status", "ok"}))
	assert.Equal(t, "a=1, b=true, c=", formatKV([]any{"a", 1, "b", true, "c"}))
}

func TestPromptHooksNotSet(t *testing.T) {
	ctx, err := New()
	require.NoError(t, err)
	defer ctx.Terminate()

	assert.False(t, ctx.promptToken(nil, nil, 0))
	pin, ok := ctx.promptPIN(nil, nil, 0)
	assert.False(t, ok)
	assert.Nil(t, pin)
	ctx.notifySlotEvent()
}
