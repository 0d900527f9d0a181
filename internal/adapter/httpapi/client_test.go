package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solar-fleet/sfc/internal/adapter"
)

func newClient(t *testing.T, srv *httptest.Server, secret string) *Client {
	t.Helper()
	logger, _ := test.NewNullLogger()
	c, err := New(Config{
		BaseURL:      srv.URL,
		Timeout:      time.Second,
		TokenSecret:  secret,
		TokenSubject: "sfc-test",
		HTTPClient:   srv.Client(),
		Logger:       logger,
	})
	require.NoError(t, err)
	return c
}

func TestCleanUnit(t *testing.T) {
	var gotPath, gotRequestID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		gotPath = r.URL.Path
		gotRequestID = r.Header.Get("X-Request-ID")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"unitsActedOn": 1, "projectedEfficiency": 96.2, "projectedContamination": 80}`))
	}))
	defer srv.Close()

	res, err := newClient(t, srv, "").Clean(context.Background(), adapter.Unit("PNL-0001"))
	require.NoError(t, err)

	assert.Equal(t, "/api/clean/PNL-0001", gotPath)
	_, err = uuid.Parse(gotRequestID)
	assert.NoError(t, err)
	assert.Equal(t, 1, res.UnitsActedOn)
	require.NotNil(t, res.ProjectedEfficiency)
	assert.Equal(t, 96.2, *res.ProjectedEfficiency)
	require.NotNil(t, res.ProjectedContamination)
	assert.Equal(t, 80.0, *res.ProjectedContamination)
}

func TestCleanGroupLegacyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/sectors/B3/clean", r.URL.Path)
		_, _ = w.Write([]byte(`{"status": "success", "sector_id": "B3", "panels_cleaned": 7}`))
	}))
	defer srv.Close()

	res, err := newClient(t, srv, "").Clean(context.Background(), adapter.Group("B3"))
	require.NoError(t, err)
	assert.Equal(t, 7, res.UnitsActedOn)
	assert.Nil(t, res.ProjectedEfficiency)
	assert.Nil(t, res.ProjectedContamination)
}

func TestCleanSendsBearerToken(t *testing.T) {
	const secret = "test-secret"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		claims := &jwt.RegisteredClaims{}
		tok, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !tok.Valid {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "sfc-test", claims.Subject)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	res, err := newClient(t, srv, secret).Clean(context.Background(), adapter.Unit("U1"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.UnitsActedOn)
}

func TestCleanNormalizesErrors(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   error
	}{
		{http.StatusNotFound, `{"detail": "Panel not found"}`, adapter.ErrNotFound},
		{http.StatusServiceUnavailable, ``, adapter.ErrUnavailable},
		{http.StatusUnauthorized, ``, adapter.ErrRejected},
		{http.StatusOK, `{"unitsActedOn": -2}`, adapter.ErrInvalidResponse},
		{http.StatusOK, `{"unitsActedOn": 1e300}`, adapter.ErrInvalidResponse},
		{http.StatusOK, `{"unitsActedOn": 2147483648}`, adapter.ErrInvalidResponse},
		{http.StatusOK, `{"new_efficiency": 140}`, adapter.ErrInvalidResponse},
		{http.StatusOK, `not json`, adapter.ErrInvalidResponse},
	}

	for _, tc := range cases {
		t.Run(http.StatusText(tc.status)+" "+tc.body, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			res, err := newClient(t, srv, "").Clean(context.Background(), adapter.Unit("U1"))
			assert.Nil(t, res)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestCleanTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c := newClient(t, srv, "")
	srv.Close()

	_, err := c.Clean(context.Background(), adapter.Unit("U1"))
	assert.ErrorIs(t, err, adapter.ErrUnavailable)
}

func TestCleanHonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := newClient(t, srv, "").Clean(ctx, adapter.Unit("U1"))
	require.ErrorIs(t, err, adapter.ErrUnavailable)

	var de *adapter.DispatchError
	require.ErrorAs(t, err, &de)
	assert.True(t, adapter.IsTimeout(de.Original))
}

func TestCleanRejectsInvalidTarget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request should not be sent")
	}))
	defer srv.Close()

	_, err := newClient(t, srv, "").Clean(context.Background(), adapter.Unit(""))
	assert.ErrorIs(t, err, adapter.ErrRejected)
}

func TestCleanEscapesID(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.EscapedPath()
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := newClient(t, srv, "").Clean(context.Background(), adapter.Unit("a/b"))
	require.NoError(t, err)
	assert.Equal(t, "/api/clean/a%2Fb", got)
}

func TestDecodeResultDefaults(t *testing.T) {
	res, err := DecodeResult(adapter.Unit("U1"), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.UnitsActedOn)

	res, err = DecodeResult(adapter.Group("A1"), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, 0, res.UnitsActedOn)

	res, err = DecodeResult(adapter.Unit("U1"), []byte(`{"new_efficiency": 94.5, "new_dust_level": 88}`))
	require.NoError(t, err)
	assert.Equal(t, 94.5, *res.ProjectedEfficiency)
	assert.Equal(t, 88.0, *res.ProjectedContamination)
}
