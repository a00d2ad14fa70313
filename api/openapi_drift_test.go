package api

import (
	"net/http"
	"slices"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/jmcleod/ironsync/storage/memory"
)

// TestOpenAPIDrift keeps openapi.yaml and the router in step.
func TestOpenAPIDrift(t *testing.T) {
	var doc struct {
		Paths map[string]map[string]any `yaml:"paths"`
	}
	require.NoError(t, yaml.Unmarshal(openapiSpec, &doc))

	var documented []string
	for path, methods := range doc.Paths {
		for method := range methods {
			if method == "parameters" || strings.HasPrefix(method, "x-") {
				continue
			}
			documented = append(documented, strings.ToUpper(method)+" "+path)
		}
	}

	var served []string
	err := chi.Walk(New(memory.New()).Router(), func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		route = strings.TrimRight(route, "/")
		if route == "/openapi.yaml" || strings.HasPrefix(route, "/docs") || strings.HasPrefix(route, "/redoc") {
			return nil
		}
		served = append(served, method+" "+route)
		return nil
	})
	require.NoError(t, err)

	slices.Sort(documented)
	slices.Sort(served)
	assert.Equal(t, served, documented)
	assert.Len(t, served, 9)
}
