package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oda/pkgcache/pkg/pkgcache"
	"github.com/oda/pkgcache/pkg/pkgcache/debversion"
	"github.com/oda/pkgcache/pkg/pkgcache/sqlsource"
)

func buildCache(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	store, err := sqlsource.Open(filepath.Join(dir, "records.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put(sqlsource.Source{Name: "main", Site: "deb.example.org"}, []sqlsource.Entry{
		{Record: pkgcache.Record{Package: "foo", Version: "1.0", Arch: "amd64",
			Depends: []pkgcache.Depend{{Name: "libc6", Version: "2.36", Op: pkgcache.OpGreaterEq}}}},
		{Record: pkgcache.Record{Package: "libc6", Version: "2.36", Arch: "amd64"}},
	}))

	path := filepath.Join(dir, "pkgcache.bin")
	res, err := pkgcache.MakeStatusCache(pkgcache.BuildOptions{
		CacheFile:     path,
		Base:          []pkgcache.IndexFile{store.Index("main")},
		VersionSystem: debversion.New("amd64"),
		Architecture:  "amd64",
	})
	require.NoError(t, err)
	require.NoError(t, res.Cache.Close())
	return path
}

func do(t *testing.T, h http.Handler, method, target string, body any) (int, Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, &buf))

	var resp Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return rec.Code, resp
}

func TestServer(t *testing.T) {
	path := buildCache(t)
	s := &Server{}
	h := s.routes()

	code, resp := do(t, h, http.MethodGet, "/api/package?name=foo", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "no cache open", resp.Error)

	code, resp = do(t, h, http.MethodPost, "/api/open", OpenRequest{Path: path})
	require.Equal(t, http.StatusOK, code, resp.Error)
	assert.True(t, resp.Success)

	code, resp = do(t, h, http.MethodGet, "/api/package?name=foo", nil)
	require.Equal(t, http.StatusOK, code)
	data, _ := json.Marshal(resp.Data)
	var foo PackageInfo
	require.NoError(t, json.Unmarshal(data, &foo))
	require.Len(t, foo.Versions, 1)
	assert.Equal(t, "1.0", foo.Versions[0].Version)
	assert.Equal(t, []DependencyInfo{{Type: "Depends", Package: "libc6", Op: ">=", Version: "2.36"}}, foo.Versions[0].Depends)

	code, resp = do(t, h, http.MethodGet, "/api/package?name=libc6", nil)
	require.Equal(t, http.StatusOK, code)
	data, _ = json.Marshal(resp.Data)
	var libc PackageInfo
	require.NoError(t, json.Unmarshal(data, &libc))
	assert.Equal(t, []string{"foo"}, libc.RevDepends)

	code, _ = do(t, h, http.MethodGet, "/api/package?name=bar", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, resp = do(t, h, http.MethodGet, "/api/files", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, resp.Data, 1)

	code, resp = do(t, h, http.MethodGet, "/api/count", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, resp.Data.(map[string]any)["package"])

	code, resp = do(t, h, http.MethodPost, "/api/benchmark", BenchmarkRequest{Count: 10})
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, resp.Data.(map[string]any)["packages"])

	code, _ = do(t, h, http.MethodPost, "/api/close", nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = do(t, h, http.MethodPost, "/api/close", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}
