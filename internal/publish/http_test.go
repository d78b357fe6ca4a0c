package publish_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/multipublish/internal/domain"
	"github.com/JakeFAU/multipublish/internal/publish"
)

func TestHTTPAdapterPublishes(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"p-9","url":"https://blog.example/p-9"}`))
	}))
	defer srv.Close()

	a, err := publish.NewHTTPAdapter(publish.HTTPConfig{Platform: "csdn", Endpoint: srv.URL, Client: srv.Client()})
	require.NoError(t, err)

	out, err := a.Publish(context.Background(), domain.Credentials{Token: "tok"}, domain.PublishInput{
		Title: "Hello", Content: "World", Tags: []string{"go"},
	})
	require.NoError(t, err)
	require.Equal(t, domain.PublishResult{Success: true, URL: "https://blog.example/p-9", PlatformArticleID: "p-9"}, out)
	require.Equal(t, "Hello", got["title"])
	require.Equal(t, []any{"go"}, got["tags"])
}

func TestHTTPAdapterClientErrorIsRejection(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"title too long"}`))
	}))
	defer srv.Close()

	a, err := publish.NewHTTPAdapter(publish.HTTPConfig{Platform: "juejin", Endpoint: srv.URL})
	require.NoError(t, err)
	out, err := a.Publish(context.Background(), domain.Credentials{Cookie: "sid=1"}, domain.PublishInput{Title: "x"})
	require.NoError(t, err)
	require.False(t, out.Success)
	require.Contains(t, out.Error, "title too long")
	require.Contains(t, out.Error, "422")
}

func TestHTTPAdapterServerErrorIsReturned(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	a, err := publish.NewHTTPAdapter(publish.HTTPConfig{Platform: "zhihu", Endpoint: srv.URL})
	require.NoError(t, err)
	_, err = a.Publish(context.Background(), domain.Credentials{}, domain.PublishInput{Title: "x"})
	require.ErrorContains(t, err, "zhihu returned 502")
}

func TestHTTPAdapterBodyErrorField(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"error":"daily quota reached"}`))
	}))
	defer srv.Close()

	a, err := publish.NewHTTPAdapter(publish.HTTPConfig{Platform: "csdn", Endpoint: srv.URL})
	require.NoError(t, err)
	out, err := a.Publish(context.Background(), domain.Credentials{Username: "u", Password: "p"}, domain.PublishInput{Title: "x"})
	require.NoError(t, err)
	require.Equal(t, domain.PublishResult{Error: "daily quota reached"}, out)
}

func TestNewHTTPAdapterValidates(t *testing.T) {
	t.Parallel()

	_, err := publish.NewHTTPAdapter(publish.HTTPConfig{Platform: "csdn"})
	require.Error(t, err)
}
