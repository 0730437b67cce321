package crawl

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const articlePage = `<html><head><title>Graph Survey</title></head>
<body><nav>Home | About</nav>
<article><h1>Graph Neural Networks</h1><p>Message passing generalizes convolution to graphs.</p></article>
<footer>copyright</footer></body></html>`

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/article", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, articlePage)
	})
	mux.HandleFunc("/plain", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, strings.Repeat("plain text ", 20))
	})
	mux.HandleFunc("/short", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body>hi</body></html>")
	})
	mux.HandleFunc("/big", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, strings.Repeat("x", 4096))
	})
	mux.HandleFunc("/pdf", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		fmt.Fprint(w, "%PDF")
	})
	mux.HandleFunc("/missing", http.NotFound)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetcher_Limits(t *testing.T) {
	srv := newTestServer(t)
	f := NewFetcher(5*time.Second, "", 1024)
	ctx := context.Background()

	page, err := f.Fetch(ctx, srv.URL+"/article")
	require.NoError(t, err)
	assert.Contains(t, string(page.Body), "Message passing")

	_, err = f.Fetch(ctx, srv.URL+"/big")
	assert.ErrorContains(t, err, "too large")

	_, err = f.Fetch(ctx, srv.URL+"/missing")
	assert.ErrorContains(t, err, "404")

	_, err = f.Fetch(ctx, srv.URL+"/pdf")
	assert.ErrorIs(t, err, ErrUnsupportedContent)

	_, err = f.Fetch(ctx, "ftp://example.com/file")
	assert.ErrorContains(t, err, "unsupported scheme")
}

func TestConverter_PrefersArticle(t *testing.T) {
	c := NewConverter()
	title, text, err := c.Convert(&Page{Body: []byte(articlePage), ContentType: "text/html"})
	require.NoError(t, err)
	assert.Equal(t, "Graph Survey", title)
	assert.Contains(t, text, "# Graph Neural Networks")
	assert.Contains(t, text, "Message passing")
	assert.NotContains(t, text, "Home | About")
	assert.NotContains(t, text, "copyright")
}

func TestConverter_StripsBoilerplateWithoutMain(t *testing.T) {
	c := NewConverter()
	page := `<html><body><nav>menu</nav><p>Body text here.</p><script>var x=1</script></body></html>`
	_, text, err := c.Convert(&Page{Body: []byte(page), ContentType: "text/html"})
	require.NoError(t, err)
	assert.Contains(t, text, "Body text here.")
	assert.NotContains(t, text, "menu")
	assert.NotContains(t, text, "var x")
}

func TestCrawler_SkipsFailuresKeepsOrder(t *testing.T) {
	srv := newTestServer(t)
	cr := NewCrawler(NewFetcher(5*time.Second, "", 1024), NewConverter(), Options{
		Concurrency:       3,
		RequestsPerSecond: 100,
		MinLength:         20,
		MaxLength:         50,
	}, nil)

	docs, err := cr.Crawl(context.Background(), []string{
		srv.URL + "/plain",
		srv.URL + "/missing",
		srv.URL + "/short",
		srv.URL + "/article",
	})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, srv.URL+"/plain", docs[0].URL)
	assert.Equal(t, srv.URL+"/plain", docs[0].Title, "untitled documents fall back to their url")
	assert.Len(t, []rune(docs[0].Text), 50)
	assert.Equal(t, "Graph Survey", docs[1].Title)
}

func TestCrawler_Cancelled(t *testing.T) {
	srv := newTestServer(t)
	cr := NewCrawler(NewFetcher(time.Second, "", 0), NewConverter(), Options{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := cr.Crawl(ctx, []string{srv.URL + "/article"})
	assert.ErrorIs(t, err, context.Canceled)
}
