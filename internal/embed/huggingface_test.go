package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qaerrors "github.com/supnum/qarag/internal/errors"
)

// newTestHF points an HF embedder at handler with millisecond backoff.
func newTestHF(t *testing.T, handler http.HandlerFunc) *HFEmbedder {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	e := NewHFEmbedder(HFConfig{
		Endpoint:   srv.URL,
		Model:      "test/model",
		Token:      "hf_test",
		Dimensions: 3,
		BatchSize:  2,
		MaxRetries: 2,
	})
	e.http.retry.InitialDelay = time.Millisecond
	e.http.retry.MaxDelay = time.Millisecond
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestHFEmbedder_PooledResponse_NormalizedInOrder(t *testing.T) {
	// Given: a server returning one pooled vector per input
	var gotAuth, gotPath atomic.Value
	var calls atomic.Int32
	e := newTestHF(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		gotAuth.Store(r.Header.Get("Authorization"))
		gotPath.Store(r.URL.Path)

		var req hfRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		out := make([][]float32, len(req.Inputs))
		for i := range req.Inputs {
			out[i] = []float32{float32(i + 1), 0, 0}
		}
		_ = json.NewEncoder(w).Encode(out)
	})

	// When: three texts are embedded with batch size 2
	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})

	// Then: two requests are made and every vector is unit length
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "Bearer hf_test", gotAuth.Load())
	assert.Equal(t, "/test/model/pipeline/feature-extraction", gotPath.Load())
	for _, v := range vecs {
		assert.InDelta(t, 1.0, vectorMagnitude(v), 1e-5)
	}
}

func TestHFEmbedder_TokenLevelResponse_MeanPooled(t *testing.T) {
	// Given: a server returning token-level matrices
	e := newTestHF(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[[[1,0,0],[0,1,0]]]`))
	})

	// When: one text is embedded
	vec, err := e.Embed(context.Background(), "hello")

	// Then: tokens are averaged and normalized
	require.NoError(t, err)
	assert.InDelta(t, 0.7071, vec[0], 1e-3)
	assert.InDelta(t, 0.7071, vec[1], 1e-3)
	assert.InDelta(t, 0.0, vec[2], 1e-6)
}

func TestHFEmbedder_Unauthorized_PermanentWithoutRetry(t *testing.T) {
	// Given: a server rejecting the token
	var calls atomic.Int32
	e := newTestHF(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"Invalid credentials"}`, http.StatusUnauthorized)
	})

	// When: a text is embedded
	_, err := e.Embed(context.Background(), "hello")

	// Then: the error is permanent and only one request was sent
	require.Error(t, err)
	assert.True(t, qaerrors.IsKind(err, qaerrors.ErrCodeProviderPermanent))
	assert.Equal(t, int32(1), calls.Load())
}

func TestHFEmbedder_ServiceUnavailable_RetriedThenSucceeds(t *testing.T) {
	// Given: a cold model answering 503 once
	var calls atomic.Int32
	e := newTestHF(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, `{"error":"Model is loading"}`, http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[[0,2,0]]`))
	})

	// When: a text is embedded
	vec, err := e.Embed(context.Background(), "hello")

	// Then: the second attempt succeeds
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []float32{0, 1, 0}, vec)
}

func TestHFEmbedder_PersistentServerError_TransientAfterRetries(t *testing.T) {
	// Given: a server always failing with 500
	var calls atomic.Int32
	e := newTestHF(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	// When: a text is embedded
	_, err := e.Embed(context.Background(), "hello")

	// Then: the last error is transient after 1 + MaxRetries attempts
	require.Error(t, err)
	assert.True(t, qaerrors.IsKind(err, qaerrors.ErrCodeProviderTransient))
	assert.Equal(t, int32(3), calls.Load())
}

func TestHFEmbedder_MalformedBody_Permanent(t *testing.T) {
	// Given: a 200 reply that is not an embedding array
	e := newTestHF(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"unexpected":true}`))
	})

	// When: a text is embedded
	_, err := e.Embed(context.Background(), "hello")

	// Then: the shape error is permanent
	require.Error(t, err)
	assert.True(t, qaerrors.IsKind(err, qaerrors.ErrCodeProviderPermanent))
}

func TestHFEmbedder_EmptyInput_NoRequest(t *testing.T) {
	// Given: a server that must not be called
	var calls atomic.Int32
	e := newTestHF(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	})

	// When: an empty batch is embedded
	vecs, err := e.EmbedBatch(context.Background(), nil)

	// Then: nothing is sent
	require.NoError(t, err)
	assert.Empty(t, vecs)
	assert.Zero(t, calls.Load())
}

func TestClassifyStatus_Table(t *testing.T) {
	tests := []struct {
		status int
		code   string
	}{
		{http.StatusBadRequest, qaerrors.ErrCodeProviderPermanent},
		{http.StatusUnauthorized, qaerrors.ErrCodeProviderPermanent},
		{http.StatusForbidden, qaerrors.ErrCodeProviderPermanent},
		{http.StatusNotFound, qaerrors.ErrCodeProviderPermanent},
		{http.StatusTooManyRequests, qaerrors.ErrCodeProviderTransient},
		{http.StatusBadGateway, qaerrors.ErrCodeProviderTransient},
		{http.StatusServiceUnavailable, qaerrors.ErrCodeProviderTransient},
	}
	for _, tt := range tests {
		err := classifyStatus("test", tt.status, nil)
		assert.Equal(t, tt.code, qaerrors.GetCode(err), "status %d", tt.status)
	}
}

func TestClassifyClientError_ParsesStatusFromMessage(t *testing.T) {
	// Given/When/Then: status codes in the message decide the kind
	err := classifyClientError("openai", errString("API returned unexpected status code: 401: bad key"))
	assert.Equal(t, qaerrors.ErrCodeProviderPermanent, qaerrors.GetCode(err))

	err = classifyClientError("openai", errString("API returned unexpected status code: 429: slow down"))
	assert.Equal(t, qaerrors.ErrCodeProviderTransient, qaerrors.GetCode(err))

	err = classifyClientError("openai", errString("dial tcp: connection refused"))
	assert.Equal(t, qaerrors.ErrCodeProviderTransient, qaerrors.GetCode(err))
}

type errString string

func (e errString) Error() string { return string(e) }
