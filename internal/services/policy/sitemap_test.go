package policy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/ternarybob/arbor"
)

func TestSitemapFetcher_URLSet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sitemap.xml" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>https://example.test/a</loc></url>
  <url><loc>https://example.test/b</loc></url>
</urlset>`)
	}))
	defer server.Close()

	f := NewSitemapFetcher(arbor.NewLogger(), "trawlbot", 5*time.Second, 0)
	urls := f.Fetch(context.Background(), server.URL+"/", "")
	assert.Equal(t, []string{"https://example.test/a", "https://example.test/b"}, urls)
}

func TestSitemapFetcher_Index(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sitemap.xml":
			fmt.Fprintf(w, `<sitemapindex><sitemap><loc>%s/pages.xml</loc></sitemap></sitemapindex>`, server.URL)
		case "/pages.xml":
			fmt.Fprint(w, `<urlset><url><loc>https://example.test/nested</loc></url></urlset>`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	f := NewSitemapFetcher(arbor.NewLogger(), "trawlbot", 5*time.Second, 0)
	urls := f.Fetch(context.Background(), server.URL+"/", "")
	assert.Equal(t, []string{"https://example.test/nested"}, urls)
}

func TestSitemapFetcher_RobotsDeclared(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/custom-map.xml" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `<urlset><url><loc>https://example.test/from-robots</loc></url></urlset>`)
	}))
	defer server.Close()

	robots := "User-agent: *\nSitemap: " + server.URL + "/custom-map.xml\n"
	f := NewSitemapFetcher(arbor.NewLogger(), "trawlbot", 5*time.Second, 0)
	urls := f.Fetch(context.Background(), server.URL+"/", robots)
	assert.Equal(t, []string{"https://example.test/from-robots"}, urls)
}

func TestSitemapFetcher_FailureYieldsEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	f := NewSitemapFetcher(arbor.NewLogger(), "trawlbot", 2*time.Second, 0)
	assert.Empty(t, f.Fetch(context.Background(), server.URL+"/", ""))
	assert.Empty(t, f.Fetch(context.Background(), "::bad::", ""))
}

func TestSitemapFetcher_CapsCollected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<urlset>`)
		for i := 0; i < 50; i++ {
			fmt.Fprintf(w, `<url><loc>https://example.test/p%d</loc></url>`, i)
		}
		fmt.Fprint(w, `</urlset>`)
	}))
	defer server.Close()

	f := NewSitemapFetcher(arbor.NewLogger(), "trawlbot", 5*time.Second, 10)
	urls := f.Fetch(context.Background(), server.URL+"/", "")
	assert.Len(t, urls, 10)
}
