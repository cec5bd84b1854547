package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestRecover(t *testing.T) {
	jsonFallback := func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"success":false}`))
	}

	testCases := []struct {
		name     string
		fallback http.HandlerFunc
		handler  http.HandlerFunc
		expCode  int
		expBody  string
		expPanic bool
	}{
		{
			"fallback body",
			jsonFallback,
			func(http.ResponseWriter, *http.Request) { panic("boom") },
			http.StatusInternalServerError, `{"success":false}`, true,
		},
		{
			"plain 500 without fallback",
			nil,
			func(http.ResponseWriter, *http.Request) { panic("boom") },
			http.StatusInternalServerError, "Internal Server Error\n", true,
		},
		{
			"started response is left alone",
			jsonFallback,
			func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusAccepted)
				panic("boom")
			},
			http.StatusAccepted, "", true,
		},
		{
			"no panic",
			jsonFallback,
			func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) },
			http.StatusOK, "ok", false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var logs bytes.Buffer
			h := RequestID()(Recover(zerolog.New(&logs), tc.fallback)(tc.handler))

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs", nil))

			require.Equal(t, tc.expCode, rec.Code)
			require.Equal(t, tc.expBody, rec.Body.String())
			require.Equal(t, tc.expPanic, bytes.Contains(logs.Bytes(), []byte("http_panic")))
			if tc.expPanic {
				require.Contains(t, logs.String(), `"path":"/jobs"`)
				require.Contains(t, logs.String(), `"request_id":"`)
			}
		})
	}
}

func TestRecoverAbortHandler(t *testing.T) {
	h := Recover(zerolog.Nop(), nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	require.PanicsWithValue(t, http.ErrAbortHandler, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}
