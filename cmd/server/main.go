// Package main provides a read-only HTTP API over a built package cache.
package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oda/pkgcache/pkg/pkgcache"
)

// Server holds the open cache and provides HTTP handlers.
type Server struct {
	cache *pkgcache.Cache
	path  string
	mu    sync.RWMutex
}

// Response is a generic JSON response.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// StatusResponse contains cache status information.
type StatusResponse struct {
	Open          bool   `json:"open"`
	Path          string `json:"path,omitempty"`
	Size          int64  `json:"size,omitempty"`
	VersionSystem string `json:"versionSystem,omitempty"`
	Architecture  string `json:"architecture,omitempty"`
}

// OpenRequest is the request body for opening a cache.
type OpenRequest struct {
	Path string `json:"path"`
}

// PackageInfo describes one package.
type PackageInfo struct {
	Name       string        `json:"name"`
	Flags      uint32        `json:"flags,omitempty"`
	Installed  string        `json:"installed,omitempty"`
	Versions   []VersionInfo `json:"versions"`
	ProvidedBy []string      `json:"providedBy,omitempty"`
	RevDepends []string      `json:"revDepends,omitempty"`
}

// VersionInfo describes one version of a package.
type VersionInfo struct {
	Version  string           `json:"version"`
	Arch     string           `json:"arch,omitempty"`
	Depends  []DependencyInfo `json:"depends,omitempty"`
	Provides []string         `json:"provides,omitempty"`
	Files    []string         `json:"files"`
}

// DependencyInfo describes one dependency.
type DependencyInfo struct {
	Type    string `json:"type"`
	Package string `json:"package"`
	Op      string `json:"op,omitempty"`
	Version string `json:"version,omitempty"`
}

// FileInfo describes one source of the cache.
type FileInfo struct {
	ID        uint16 `json:"id"`
	FileName  string `json:"fileName"`
	Site      string `json:"site,omitempty"`
	IndexType string `json:"indexType"`
	Size      uint64 `json:"size"`
	MTime     int64  `json:"mtime"`
}

// BenchmarkRequest is the request body for benchmark operations.
type BenchmarkRequest struct {
	Count int `json:"count"` // Number of lookups
}

// BenchmarkResult contains benchmark timing results.
type BenchmarkResult struct {
	LookupCount     int     `json:"lookupCount"`
	LookupTotalMs   float64 `json:"lookupTotalMs"`
	LookupAvgUs     float64 `json:"lookupAvgUs"`
	LookupOpsPerSec float64 `json:"lookupOpsPerSec"`
	Packages        int     `json:"packages"`
}

var log = logrus.New()

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &Server{}
	if path := os.Getenv("PKGCACHE"); path != "" {
		if err := server.open(path); err != nil {
			log.WithError(err).Fatal("failed to open cache")
		}
	}

	log.Infof("package cache API server starting on port %s...", port)
	log.Fatal(http.ListenAndServe(":"+port, server.routes()))
}

func (s *Server) routes() *http.ServeMux {
	// Setup CORS middleware
	corsHandler := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			h(w, r)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", corsHandler(s.handleStatus))
	mux.HandleFunc("/api/open", corsHandler(s.handleOpen))
	mux.HandleFunc("/api/close", corsHandler(s.handleClose))
	mux.HandleFunc("/api/package", corsHandler(s.handlePackage))
	mux.HandleFunc("/api/files", corsHandler(s.handleFiles))
	mux.HandleFunc("/api/count", corsHandler(s.handleCount))
	mux.HandleFunc("/api/benchmark", corsHandler(s.handleBenchmark))
	return mux
}

func writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// open replaces the current cache with the one at path.
func (s *Server) open(path string) error {
	c, err := pkgcache.Open(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache != nil {
		s.cache.Close()
	}
	s.cache = c
	s.path = path
	return nil
}

func (s *Server) status() StatusResponse {
	status := StatusResponse{Open: s.cache != nil, Path: s.path}
	if s.cache != nil {
		status.Size = s.cache.Size()
		status.VersionSystem = s.cache.VersionSystem()
		status.Architecture = s.cache.Architecture()
	}
	return status
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	writeJSON(w, http.StatusOK, Response{Success: true, Data: s.status()})
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, Response{Error: "method not allowed"})
		return
	}

	var req OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Error: "invalid request body"})
		return
	}

	if req.Path == "" {
		writeJSON(w, http.StatusBadRequest, Response{Error: "path is required"})
		return
	}

	if err := s.open(req.Path); err != nil {
		writeJSON(w, http.StatusInternalServerError, Response{Error: fmt.Sprintf("failed to open cache: %v", err)})
		return
	}
	log.WithField("path", req.Path).Info("opened cache")

	s.mu.RLock()
	defer s.mu.RUnlock()
	writeJSON(w, http.StatusOK, Response{Success: true, Data: s.status()})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, Response{Error: "method not allowed"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cache == nil {
		writeJSON(w, http.StatusBadRequest, Response{Error: "no cache open"})
		return
	}

	if err := s.cache.Close(); err != nil {
		writeJSON(w, http.StatusInternalServerError, Response{Error: fmt.Sprintf("failed to close: %v", err)})
		return
	}

	s.cache = nil
	s.path = ""

	writeJSON(w, http.StatusOK, Response{Success: true})
}

func packageInfo(p pkgcache.Package) PackageInfo {
	info := PackageInfo{Name: p.Name(), Flags: p.Flags(), Versions: []VersionInfo{}}
	if cur, ok := p.CurrentVersion(); ok {
		info.Installed = cur.VerStr()
	}
	for v := range p.Versions() {
		vi := VersionInfo{Version: v.VerStr(), Arch: v.Arch(), Files: []string{}}
		for d := range v.Depends() {
			di := DependencyInfo{Type: d.Type().String(), Package: d.TargetName()}
			if d.Op() != pkgcache.OpNone {
				di.Op = d.Op().String()
				di.Version = d.Version()
			}
			vi.Depends = append(vi.Depends, di)
		}
		for pr := range v.Provides() {
			vi.Provides = append(vi.Provides, pr.Name())
		}
		for vf := range v.Files() {
			vi.Files = append(vi.Files, vf.File().FileName())
		}
		info.Versions = append(info.Versions, vi)
	}
	for pr := range p.ProvidedBy() {
		info.ProvidedBy = append(info.ProvidedBy, pr.Owner().Package().Name())
	}
	for d := range p.RevDepends() {
		info.RevDepends = append(info.RevDepends, d.Owner().Package().Name())
	}
	return info
}

func (s *Server) handlePackage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, Response{Error: "method not allowed"})
		return
	}

	name := r.URL.Query().Get("name")
	if name == "" {
		writeJSON(w, http.StatusBadRequest, Response{Error: "name is required"})
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.cache == nil {
		writeJSON(w, http.StatusBadRequest, Response{Error: "no cache open"})
		return
	}

	p, found := s.cache.FindPackage(name)
	if !found {
		writeJSON(w, http.StatusNotFound, Response{Error: "package not found"})
		return
	}

	writeJSON(w, http.StatusOK, Response{Success: true, Data: packageInfo(p)})
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, Response{Error: "method not allowed"})
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.cache == nil {
		writeJSON(w, http.StatusBadRequest, Response{Error: "no cache open"})
		return
	}

	files := []FileInfo{}
	for f := range s.cache.Files() {
		files = append(files, FileInfo{
			ID:        f.ID(),
			FileName:  f.FileName(),
			Site:      f.Site(),
			IndexType: f.IndexType(),
			Size:      f.Size(),
			MTime:     f.MTime(),
		})
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: files})
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, Response{Error: "method not allowed"})
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.cache == nil {
		writeJSON(w, http.StatusBadRequest, Response{Error: "no cache open"})
		return
	}

	counts := map[string]uint32{}
	for k := pkgcache.Kind(0); k <= pkgcache.KindString; k++ {
		counts[k.String()] = s.cache.Count(k)
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: counts})
}

func (s *Server) handleBenchmark(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, Response{Error: "method not allowed"})
		return
	}

	var req BenchmarkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Error: "invalid request body"})
		return
	}

	if req.Count <= 0 {
		req.Count = 10000
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.cache == nil {
		writeJSON(w, http.StatusBadRequest, Response{Error: "no cache open"})
		return
	}

	var names []string
	for p := range s.cache.Packages() {
		names = append(names, p.Name())
	}
	if len(names) == 0 {
		writeJSON(w, http.StatusBadRequest, Response{Error: "cache has no packages"})
		return
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	// Pick random package names to look up
	keys := make([]string, req.Count)
	for i := range keys {
		keys[i] = names[rng.Intn(len(names))]
	}

	start := time.Now()
	for _, name := range keys {
		s.cache.FindPackage(name)
	}
	duration := time.Since(start)

	result := BenchmarkResult{
		LookupCount:     req.Count,
		LookupTotalMs:   float64(duration.Microseconds()) / 1000.0,
		LookupAvgUs:     float64(duration.Microseconds()) / float64(req.Count),
		LookupOpsPerSec: float64(req.Count) / duration.Seconds(),
		Packages:        len(names),
	}

	writeJSON(w, http.StatusOK, Response{Success: true, Data: result})
}
