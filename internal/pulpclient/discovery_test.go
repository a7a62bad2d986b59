package pulpclient

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiscoverServerRepos_MergesAllKindsSorted(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var name string
		switch {
		case strings.Contains(r.URL.Path, "/deb/"):
			name = "zeta"
		case strings.Contains(r.URL.Path, "/rpm/"):
			name = "alpha"
		default:
			json.NewEncoder(w).Encode(page[Repository]{})
			return
		}
		json.NewEncoder(w).Encode(page[Repository]{
			Count:   1,
			Results: []Repository{{Href: "/h/" + name + "/", Name: name, Remote: "/r/" + name + "/"}},
		})
	})

	repos, err := client.DiscoverServerRepos(context.Background(), "srv1")
	require.NoError(t, err)
	require.Len(t, repos, 2)
	require.Equal(t, "alpha", repos[0].Name)
	require.Equal(t, "zeta", repos[1].Name)
	require.Equal(t, "srv1", repos[0].Server)
	require.Equal(t, "/r/alpha/", repos[0].RemoteHref)
}

func TestDiscoverRepositoriesByKind_ReturnsEveryKnownKind(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(page[Repository]{})
	})

	byKind, err := client.DiscoverRepositoriesByKind(context.Background())
	require.NoError(t, err)
	require.Len(t, byKind, len(repoEndpoints))
}
