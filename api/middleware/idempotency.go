package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/bookings-backend/api/responses"
	"github.com/angelmondragon/bookings-backend/api/validators"
	pkgerrors "github.com/angelmondragon/bookings-backend/pkg/errors"
	"github.com/angelmondragon/bookings-backend/pkg/logger"
	pkgredis "github.com/angelmondragon/bookings-backend/pkg/redis"
)

const (
	// DefaultIdempotencyTTL is how long a replayable response is kept.
	DefaultIdempotencyTTL = 24 * time.Hour
	// IdempotencyHeader carries the client-chosen replay key.
	IdempotencyHeader = "Idempotency-Key"

	replayedHeader       = "Idempotent-Replayed"
	maxIdempotencyKeyLen = 255
)

// idempotencyRecord is stored under the key. Status 0 marks a request that
// is still being processed.
type idempotencyRecord struct {
	Status      int    `json:"status"`
	Body        []byte `json:"body,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	RequestHash string `json:"request_hash"`
}

func (r idempotencyRecord) inFlight() bool { return r.Status == 0 }

type idempotency struct {
	store pkgredis.IdempotencyStore
	ttl   time.Duration
	logg  *logger.Logger
}

// Idempotency makes a handler safe to retry under the same Idempotency-Key.
// The first request claims the key, later ones with the same body get the
// stored response, and a different body is rejected. Server errors release
// the key. A nil store disables the middleware.
func Idempotency(store pkgredis.IdempotencyStore, ttl time.Duration, logg *logger.Logger) func(http.Handler) http.Handler {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	mw := &idempotency{store: store, ttl: ttl, logg: logg}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
			if store == nil || clientKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			if err := mw.serve(w, r, next, clientKey); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
			}
		})
	}
}

func (m *idempotency) serve(w http.ResponseWriter, r *http.Request, next http.Handler, clientKey string) error {
	if len(clientKey) > maxIdempotencyKeyLen {
		return pkgerrors.New(pkgerrors.CodeValidation, "Idempotency-Key is too long").
			WithDetails(map[string]any{"field": IdempotencyHeader, "max": maxIdempotencyKeyLen})
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, validators.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("request body must be at most %d bytes", tooLarge.Limit))
		}
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body")
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	ctx := r.Context()
	key := m.store.IdempotencyKey(r.Method+"|"+r.URL.Path, clientKey)
	hash := hashBody(body)

	claimed, err := m.claim(ctx, key, hash)
	if err != nil {
		return err
	}
	if !claimed {
		return m.replay(ctx, w, key, hash)
	}

	// A panicking handler never reports a status; release the claim so the
	// retry is not stuck behind the in-flight marker.
	defer func() {
		if p := recover(); p != nil {
			m.release(ctx, key)
			panic(p)
		}
	}()

	rec := &responseCapture{ResponseWriter: w}
	next.ServeHTTP(rec, r)

	if rec.status >= http.StatusInternalServerError {
		m.release(ctx, key)
		return nil
	}
	m.save(ctx, key, idempotencyRecord{
		Status:      defaultStatus(rec.status),
		Body:        rec.body.Bytes(),
		ContentType: rec.Header().Get("Content-Type"),
		RequestHash: hash,
	})
	return nil
}

func (m *idempotency) claim(ctx context.Context, key, hash string) (bool, error) {
	marker, err := json.Marshal(idempotencyRecord{RequestHash: hash})
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode idempotency marker")
	}
	ok, err := m.store.SetNX(ctx, key, string(marker), m.ttl)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "claim idempotency key")
	}
	return ok, nil
}

func (m *idempotency) replay(ctx context.Context, w http.ResponseWriter, key, hash string) error {
	stored, err := m.store.Get(ctx, key)
	if errors.Is(err, redis.Nil) {
		return pkgerrors.New(pkgerrors.CodeConflict, "idempotent request expired mid-flight; retry")
	}
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load idempotency record")
	}
	var record idempotencyRecord
	if err := json.Unmarshal([]byte(stored), &record); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode idempotency record")
	}
	switch {
	case record.RequestHash != hash:
		return pkgerrors.New(pkgerrors.CodeIdempotency, "idempotency key reused with different request body")
	case record.inFlight():
		return pkgerrors.New(pkgerrors.CodeConflict, "a request with this Idempotency-Key is still in progress")
	}

	if record.ContentType != "" {
		w.Header().Set("Content-Type", record.ContentType)
	}
	w.Header().Set(replayedHeader, "true")
	w.WriteHeader(record.Status)
	_, _ = w.Write(record.Body)
	return nil
}

func (m *idempotency) release(ctx context.Context, key string) {
	if err := m.store.Del(context.WithoutCancel(ctx), key); err != nil {
		m.logError(ctx, "release idempotency key", err)
	}
}

func (m *idempotency) save(ctx context.Context, key string, record idempotencyRecord) {
	payload, err := json.Marshal(record)
	if err != nil {
		m.logError(ctx, "encode idempotency record", err)
		return
	}
	if err := m.store.Set(ctx, key, string(payload), m.ttl); err != nil {
		m.logError(ctx, "persist idempotency record", err)
	}
}

func (m *idempotency) logError(ctx context.Context, msg string, err error) {
	if m.logg != nil {
		m.logg.Error(ctx, msg, err)
	}
}

func hashBody(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func defaultStatus(value int) int {
	if value == 0 {
		return http.StatusOK
	}
	return value
}

type responseCapture struct {
	http.ResponseWriter
	body   bytes.Buffer
	status int
}

func (r *responseCapture) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseCapture) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
