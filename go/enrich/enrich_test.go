package enrich

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type memCache struct {
	entries map[string][2]string
}

func newMemCache() *memCache { return &memCache{entries: make(map[string][2]string)} }

func (c *memCache) EnrichmentLabels(url string) (string, string, bool, error) {
	var e, ok = c.entries[url]
	return e[0], e[1], ok, nil
}
func (c *memCache) SetEnrichmentLabels(url, pref, alt string) error {
	c.entries[url] = [2]string{pref, alt}
	return nil
}

const conceptURI = "http://vocab.example/concepts/c1"

func conceptResponse(uri string, exactMatch []string) string {
	var em = ""
	for _, m := range exactMatch {
		if em != "" {
			em += ","
		}
		em += fmt.Sprintf("%q", m)
	}
	return fmt.Sprintf(`{
  "graph": [
    {"uri": "http://vocab.example/scheme", "type": "skos:ConceptScheme"},
    {
      "uri": %q,
      "type": ["skos:Concept"],
      "prefLabel": {"value": "primary %s"},
      "altLabel": [{"value": "alt-a %s"}, {"value": "alt-b %s"}],
      "exactMatch": [%s]
    }
  ]
}`, uri, uri, uri, uri, em)
}

func testEnricher(t *testing.T, gets *int, exactMatches map[string]string) (*Enricher, *httptest.Server) {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*gets++
		var uri = r.URL.Query().Get("uri")
		require.Equal(t, "application/json", r.URL.Query().Get("format"))

		var em []string
		if m, ok := exactMatches[uri]; ok {
			em = append(em, m)
		}
		fmt.Fprint(w, conceptResponse(uri, em))
	}))

	var e = &Enricher{
		BaseURL:            srv.URL,
		Whitelist:          []string{"http://vocab.example/"},
		ExactMatchPrefixes: []string{"http://vocab.example/places/"},
		Client:             &plainGetter{},
		Cache:              newMemCache(),
	}
	return e, srv
}

// plainGetter is a minimal Getter over the default HTTP client; the
// retrying client lives in package fetch and has its own tests.
type plainGetter struct{}

func (plainGetter) Get(ctx context.Context, url string, _ map[string]string) (int, []byte, error) {
	var resp, err = http.Get(url)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return resp.StatusCode, body, err
}

func TestCacheMissThenHit(t *testing.T) {
	var gets int
	var e, srv = testEnricher(t, &gets, nil)
	defer srv.Close()

	var doc = make(map[string][]string)
	require.NoError(t, e.Enrich(context.Background(), "src", doc, conceptURI, "topic"))

	require.Equal(t, 1, gets)
	require.Equal(t, []string{conceptURI}, doc["topic_uri_str_mv"])
	require.Equal(t, []string{"alt-a " + conceptURI, "alt-b " + conceptURI}, doc["topic"])

	// Second resolution of the same URI comes from the cache: no HTTP GET,
	// labels still appended.
	var doc2 = make(map[string][]string)
	require.NoError(t, e.Enrich(context.Background(), "src", doc2, conceptURI, "topic"))
	require.Equal(t, 1, gets)
	require.Equal(t, []string{"alt-a " + conceptURI, "alt-b " + conceptURI}, doc2["topic"])
	require.Equal(t, []string{conceptURI}, doc2["topic_uri_str_mv"])
}

func TestNonWhitelistedURISkipped(t *testing.T) {
	var gets int
	var e, srv = testEnricher(t, &gets, nil)
	defer srv.Close()

	var doc = make(map[string][]string)
	var uri = "http://elsewhere.example/thing"
	require.NoError(t, e.Enrich(context.Background(), "src", doc, uri, "topic"))

	require.Zero(t, gets)
	require.Empty(t, doc["topic"])
	// The URI is still recorded.
	require.Equal(t, []string{uri}, doc["topic_uri_str_mv"])
}

func TestExactMatchTraversal(t *testing.T) {
	var gets int
	var place = "http://vocab.example/places/p1"
	var twin = "http://vocab.example/places/p1-match"
	var e, srv = testEnricher(t, &gets, map[string]string{place: twin})
	defer srv.Close()

	var doc = make(map[string][]string)
	require.NoError(t, e.Enrich(context.Background(), "src", doc, place, "geographic"))

	// One fetch for the concept, one for its exactMatch twin.
	require.Equal(t, 2, gets)
	require.Contains(t, doc["geographic"], "alt-a "+place)
	require.Contains(t, doc["geographic"], "primary "+twin)
	require.Contains(t, doc["geographic"], "alt-a "+twin)

	// The merged label set was cached under the concept's fetch URL.
	var doc2 = make(map[string][]string)
	require.NoError(t, e.Enrich(context.Background(), "src", doc2, place, "geographic"))
	require.Equal(t, 2, gets)
	require.ElementsMatch(t, doc["geographic"], doc2["geographic"])
}

func TestExactMatchOutsideConfiguredPrefixes(t *testing.T) {
	var gets int
	var uri = conceptURI // whitelisted, but not under the exact-match prefix
	var e, srv = testEnricher(t, &gets, map[string]string{uri: "http://vocab.example/places/x"})
	defer srv.Close()

	var doc = make(map[string][]string)
	require.NoError(t, e.Enrich(context.Background(), "src", doc, uri, "topic"))

	// The exactMatch reference is not followed.
	require.Equal(t, 1, gets)
}
