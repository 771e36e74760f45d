package canvas

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"
)

func TestMemoryStore_EmptyReturnsErrNoState(t *testing.T) {
	_, err := NewMemoryStore().Latest(context.Background())
	assert.ErrorIs(t, err, ErrNoState)
}

func TestMemoryStore_LatestWins(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, json.RawMessage(`{"objects":[1]}`)))
	require.NoError(t, s.Save(ctx, json.RawMessage(`{"objects":[2]}`)))

	got, err := s.Latest(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"objects":[2]}`, string(got))
}

func TestMemoryStore_CopiesState(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	in := json.RawMessage(`[1]`)
	require.NoError(t, s.Save(ctx, in))
	in[1] = '9'

	got, err := s.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, `[1]`, string(got))
}

func TestProperty_MemoryStoreReturnsLastSave(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := NewMemoryStore()
		values := rapid.SliceOfN(rapid.IntRange(-1000, 1000), 1, 20).Draw(t, "values")
		for _, v := range values {
			raw, _ := json.Marshal(v)
			if err := s.Save(context.Background(), raw); err != nil {
				t.Fatal(err)
			}
		}
		got, err := s.Latest(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		var last int
		if err := json.Unmarshal(got, &last); err != nil {
			t.Fatal(err)
		}
		if last != values[len(values)-1] {
			t.Fatalf("latest %d, want %d", last, values[len(values)-1])
		}
	})
}

func newHandler(t *testing.T, store Store, maxBytes int64, tokenHash string) *Handler {
	t.Helper()
	return NewHandler(store, maxBytes, tokenHash, zaptest.NewLogger(t))
}

func TestHandler_LoadEmptyReturnsArray(t *testing.T) {
	h := newHandler(t, NewMemoryStore(), 0, "")
	rec := httptest.NewRecorder()
	h.Load(rec, httptest.NewRequest(http.MethodGet, "/canvas/load", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestHandler_SaveThenLoad(t *testing.T) {
	h := newHandler(t, NewMemoryStore(), 0, "")

	rec := httptest.NewRecorder()
	h.Save(rec, httptest.NewRequest(http.MethodPost, "/canvas/save", strings.NewReader(`{"version":"5.3.0","objects":[]}`)))
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	h.Load(rec, httptest.NewRequest(http.MethodGet, "/canvas/load", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"version":"5.3.0","objects":[]}`, rec.Body.String())
}

func TestHandler_SaveRejectsInvalidJSON(t *testing.T) {
	h := newHandler(t, NewMemoryStore(), 0, "")
	rec := httptest.NewRecorder()
	h.Save(rec, httptest.NewRequest(http.MethodPost, "/canvas/save", strings.NewReader(`{"objects":`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_SaveRejectsOversizedBody(t *testing.T) {
	h := newHandler(t, NewMemoryStore(), 16, "")
	rec := httptest.NewRecorder()
	h.Save(rec, httptest.NewRequest(http.MethodPost, "/canvas/save", strings.NewReader(`{"objects":[1,2,3,4,5,6,7,8]}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestHandler_SaveRequiresToken(t *testing.T) {
	hash, err := HashToken("s3cret")
	require.NoError(t, err)
	store := NewMemoryStore()
	h := newHandler(t, store, 0, hash)

	cases := map[string]string{
		"missing": "",
		"wrong":   "Bearer nope",
		"scheme":  "Basic s3cret",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/canvas/save", strings.NewReader(`[]`))
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			assert.ErrorIs(t, h.Authorize(req), ErrUnauthorized)

			rec := httptest.NewRecorder()
			h.Save(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
	_, err = store.Latest(context.Background())
	assert.ErrorIs(t, err, ErrNoState)

	req := httptest.NewRequest(http.MethodPost, "/canvas/save", strings.NewReader(`[1]`))
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	h.Save(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

type failingStore struct{}

func (failingStore) Save(context.Context, json.RawMessage) error {
	return errors.New("disk full")
}

func (failingStore) Latest(context.Context) (json.RawMessage, error) {
	return nil, errors.New("connection reset")
}

func TestHandler_StoreErrors(t *testing.T) {
	h := newHandler(t, failingStore{}, 0, "")

	rec := httptest.NewRecorder()
	h.Save(rec, httptest.NewRequest(http.MethodPost, "/canvas/save", strings.NewReader(`[]`)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = httptest.NewRecorder()
	h.Load(rec, httptest.NewRequest(http.MethodGet, "/canvas/load", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
