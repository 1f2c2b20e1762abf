package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/bookings-backend/api/validators"
	pkgerrors "github.com/angelmondragon/bookings-backend/pkg/errors"
	"github.com/angelmondragon/bookings-backend/pkg/types"
)

type fakeStore struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeStore) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.data[key]; ok {
		return v, nil
	}
	return "", redis.Nil
}

func (f *fakeStore) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key], _ = value.(string)
	f.ttls[key] = ttl
	return nil
}

func (f *fakeStore) SetNX(_ context.Context, key string, value any, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; ok {
		return false, nil
	}
	f.data[key], _ = value.(string)
	f.ttls[key] = ttl
	return true, nil
}

func (f *fakeStore) Del(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func (f *fakeStore) IdempotencyKey(scope, id string) string {
	return fmt.Sprintf("fake:%s:%s", scope, id)
}

type countingHandler struct {
	calls  int
	status int
}

func (c *countingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.calls++
	body, _ := io.ReadAll(r.Body)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(c.status)
	_ = json.NewEncoder(w).Encode(map[string]any{"call": c.calls, "echo": string(body)})
}

func post(handler http.Handler, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/bookings", strings.NewReader(body))
	if key != "" {
		req.Header.Set(IdempotencyHeader, key)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestIdempotencyReplaysStoredResponse(t *testing.T) {
	store := newFakeStore()
	next := &countingHandler{status: http.StatusCreated}
	handler := Idempotency(store, time.Hour, nil)(next)

	first := post(handler, "key-1", `{"quantity":1}`)
	second := post(handler, "key-1", `{"quantity":1}`)

	assert.Equal(t, 1, next.calls)
	assert.Equal(t, http.StatusCreated, first.Code)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get(replayedHeader))
	assert.Empty(t, first.Header().Get(replayedHeader))
	for _, ttl := range store.ttls {
		assert.Equal(t, time.Hour, ttl)
	}
}

func TestIdempotencyRejectsDifferentBody(t *testing.T) {
	store := newFakeStore()
	next := &countingHandler{status: http.StatusCreated}
	handler := Idempotency(store, 0, nil)(next)

	post(handler, "key-1", `{"quantity":1}`)
	rec := post(handler, "key-1", `{"quantity":2}`)

	assert.Equal(t, 1, next.calls)
	assert.Equal(t, http.StatusConflict, rec.Code)
	var body types.ErrorEnvelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, string(pkgerrors.CodeIdempotency), body.Error.Code)
}

func TestIdempotencyPassesThroughWithoutKey(t *testing.T) {
	store := newFakeStore()
	next := &countingHandler{status: http.StatusCreated}
	handler := Idempotency(store, 0, nil)(next)

	post(handler, "", `{}`)
	post(handler, "", `{}`)

	assert.Equal(t, 2, next.calls)
	assert.Empty(t, store.data)
}

func TestIdempotencyDoesNotStoreServerErrors(t *testing.T) {
	store := newFakeStore()
	next := &countingHandler{status: http.StatusServiceUnavailable}
	handler := Idempotency(store, 0, nil)(next)

	post(handler, "key-1", `{}`)
	post(handler, "key-1", `{}`)

	assert.Equal(t, 2, next.calls)
	assert.Empty(t, store.data)
}

func TestIdempotencyNilStoreDisables(t *testing.T) {
	next := &countingHandler{status: http.StatusCreated}
	handler := Idempotency(nil, 0, nil)(next)

	post(handler, "key-1", `{}`)
	post(handler, "key-1", `{}`)
	assert.Equal(t, 2, next.calls)
}

func TestIdempotencyRejectsInFlightDuplicate(t *testing.T) {
	store := newFakeStore()
	next := &countingHandler{status: http.StatusCreated}
	handler := Idempotency(store, 0, nil)(next)

	marker, err := json.Marshal(idempotencyRecord{RequestHash: hashBody([]byte(`{}`))})
	require.NoError(t, err)
	store.data[store.IdempotencyKey("POST|/api/v1/bookings", "key-1")] = string(marker)

	rec := post(handler, "key-1", `{}`)
	assert.Equal(t, 0, next.calls)
	assert.Equal(t, http.StatusConflict, rec.Code)
	var body types.ErrorEnvelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, string(pkgerrors.CodeConflict), body.Error.Code)
}

func TestIdempotencyRejectsOversizedKey(t *testing.T) {
	next := &countingHandler{status: http.StatusCreated}
	handler := Idempotency(newFakeStore(), 0, nil)(next)

	rec := post(handler, strings.Repeat("k", maxIdempotencyKeyLen+1), `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, next.calls)
}

func TestIdempotencyReleasesKeyWhenHandlerPanics(t *testing.T) {
	store := newFakeStore()
	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			panic("reserve blew up")
		}
		w.WriteHeader(http.StatusCreated)
	})
	handler := Recoverer(nil)(Idempotency(store, 0, nil)(next))

	first := post(handler, "key-1", `{"quantity":1}`)
	second := post(handler, "key-1", `{"quantity":1}`)

	assert.Equal(t, http.StatusInternalServerError, first.Code)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, 2, calls)
}

func TestIdempotencyRejectsOversizedBody(t *testing.T) {
	store := newFakeStore()
	next := &countingHandler{status: http.StatusCreated}
	handler := Idempotency(store, 0, nil)(next)

	rec := post(handler, "key-1", strings.Repeat("x", validators.MaxBodyBytes+1))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, next.calls)
	assert.Empty(t, store.data)
	var body types.ErrorEnvelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, string(pkgerrors.CodeValidation), body.Error.Code)
}
