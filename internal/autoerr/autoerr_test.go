package autoerr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestE_CarriesCodeAndAction(t *testing.T) {
	err := E(CodeDocumentLocked, "document %s busy", "doc-1").
		WithAction("retry after the holder releases")

	require.Equal(t, CodeDocumentLocked, CodeOf(err))
	require.Equal(t, "retry after the holder releases", ActionOf(err))
	require.Contains(t, err.Error(), "doc-1")
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(CodeProxyDown, cause, "dialing proxy")

	require.Equal(t, CodeProxyDown, CodeOf(err))
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "dialing proxy")
}

func TestCodeOf_WrappedDeep(t *testing.T) {
	inner := E(CodeBudgetExceeded, "daily cap hit")
	outer := fmt.Errorf("running job: %w", inner)
	require.Equal(t, CodeBudgetExceeded, CodeOf(outer))
}

func TestCodeOf_PlainError(t *testing.T) {
	require.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
	require.Equal(t, CodeInternal, CodeOf(nil))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeBridgeDisconnected, 503},
		{CodeProxyDown, 503},
		{CodeNoExecutor, 503},
		{CodeCircuitOpen, 503},
		{CodeProxyTimeout, 504},
		{CodeCommandTimeout, 504},
		{CodeValidationError, 400},
		{CodePathNotAllowed, 400},
		{CodeDocumentLocked, 409},
		{CodeBudgetExceeded, 402},
		{CodeValidationFailed, 422},
		{CodeInternal, 500},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			require.Equal(t, tt.want, HTTPStatus(tt.code))
		})
	}
}

func TestExitCode(t *testing.T) {
	require.Equal(t, 0, ExitCode(nil))
	require.Equal(t, 1, ExitCode(E(CodeValidationError, "bad ticket")))
	require.Equal(t, 1, ExitCode(E(CodePathNotAllowed, "escape")))
	require.Equal(t, 1, ExitCode(E(CodeValidationFailed, "gate failed")))
	require.Equal(t, 3, ExitCode(E(CodeInfrastructureError, "validator crashed")))
	require.Equal(t, 3, ExitCode(E(CodeInternal, "bug")))
	require.Equal(t, 2, ExitCode(E(CodeCommandTimeout, "slow")))
	require.Equal(t, 2, ExitCode(E(CodeBudgetExceeded, "cap")))
	require.Equal(t, 2, ExitCode(errors.New("uncoded")))
}

func TestFailEnvelope_RoundTrip(t *testing.T) {
	err := fmt.Errorf("submitting: %w", E(CodeNoExecutor, "no executor for indesign").
		WithAction("launch the desktop application"))

	rec := httptest.NewRecorder()
	FailEnvelope(err).WriteJSON(rec)

	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.False(t, env.OK)
	require.NotNil(t, env.Error)
	require.Equal(t, CodeNoExecutor, env.Error.Code)
	require.Equal(t, "launch the desktop application", env.Error.Action)
	require.Contains(t, env.Error.Message, "no executor")
}

func TestOKEnvelope(t *testing.T) {
	env := OKEnvelope("success", json.RawMessage(`{"pages":4}`))
	require.True(t, env.OK)
	require.Equal(t, "success", env.Status)
	require.Nil(t, env.Error)
}
