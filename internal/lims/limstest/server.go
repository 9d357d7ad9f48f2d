// Package limstest provides an in-process fake of the remote LIMS API for
// tests: a token endpoint, paginated list endpoints, fetch-by-ID endpoints,
// and a queue of forced responses for exercising failure handling.
package limstest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/labmirror/internal/types"
)

// ForcedResponse is served once, ahead of fixture data, for requests whose
// path starts with Path.
type ForcedResponse struct {
	Path    string
	Status  int
	Headers map[string]string
	Body    string
}

// Server is a fake LIMS listening on a local port.
type Server struct {
	srv *httptest.Server

	mu            sync.Mutex
	expiresIn     int
	tokenRequests int
	tokenSerial   int
	currentToken  string
	items         map[types.EntityKind][]map[string]any
	forced        []ForcedResponse
	requestCounts map[string]int
}

// New starts a fake server with an hour-long token lifetime.
func New() *Server {
	s := &Server{
		expiresIn:     3600,
		items:         make(map[types.EntityKind][]map[string]any),
		requestCounts: make(map[string]int),
	}

	r := chi.NewRouter()
	r.Post("/oauth/token", s.handleToken)
	r.Route("/api/v1", func(r chi.Router) {
		for _, kind := range types.Kinds {
			kind := kind
			r.Get("/"+kind.Singular(), func(w http.ResponseWriter, req *http.Request) {
				s.handleList(w, req, kind)
			})
			r.Get("/"+kind.Singular()+"/{id}", func(w http.ResponseWriter, req *http.Request) {
				s.handleFetch(w, req, kind)
			})
		}
	})

	s.srv = httptest.NewServer(r)
	return s
}

// URL returns the server's base URL, suitable as the client's BaseURL.
func (s *Server) URL() string { return s.srv.URL }

// Close shuts the server down.
func (s *Server) Close() { s.srv.Close() }

// SetExpiresIn overrides the expires_in value of subsequent token responses.
func (s *Server) SetExpiresIn(seconds int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiresIn = seconds
}

// TokenRequests reports how many times the token endpoint was called.
func (s *Server) TokenRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenRequests
}

// SetItems replaces the fixture data for a kind.
func (s *Server) SetItems(kind types.EntityKind, items []map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[kind] = items
}

// AddItem appends one fixture record for a kind.
func (s *Server) AddItem(kind types.EntityKind, item map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[kind] = append(s.items[kind], item)
}

// Force queues a response served once for the next matching request.
func (s *Server) Force(resp ForcedResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forced = append(s.forced, resp)
}

// Requests reports how many data requests hit the given path prefix.
// Token requests are not included.
func (s *Server) Requests(pathPrefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for path, n := range s.requestCounts {
		if strings.HasPrefix(path, pathPrefix) {
			total += n
		}
	}
	return total
}

func (s *Server) handleToken(w http.ResponseWriter, req *http.Request) {
	if err := req.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	if req.PostForm.Get("grant_type") != "urn:ietf:params:oauth:grant-type:jwt-bearer" ||
		req.PostForm.Get("assertion") == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"unsupported_grant_type"}`)
		return
	}

	s.mu.Lock()
	s.tokenRequests++
	s.tokenSerial++
	s.currentToken = fmt.Sprintf("tok-%d", s.tokenSerial)
	token := s.currentToken
	expires := s.expiresIn
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"access_token":%q,"token_type":"Bearer","expires_in":%d}`, token, expires)
}

// takeForced pops the first queued response matching the path, if any.
func (s *Server) takeForced(path string) (ForcedResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, f := range s.forced {
		if strings.HasPrefix(path, f.Path) {
			s.forced = append(s.forced[:i], s.forced[i+1:]...)
			return f, true
		}
	}
	return ForcedResponse{}, false
}

func (s *Server) recordAndIntercept(w http.ResponseWriter, req *http.Request) bool {
	s.mu.Lock()
	s.requestCounts[req.URL.Path]++
	authorized := s.currentToken != "" && req.Header.Get("Authorization") == "Bearer "+s.currentToken
	s.mu.Unlock()

	if forced, ok := s.takeForced(req.URL.Path); ok {
		for key, value := range forced.Headers {
			w.Header().Set(key, value)
		}
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "application/json")
		}
		w.WriteHeader(forced.Status)
		fmt.Fprint(w, forced.Body)
		return true
	}

	if !authorized {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"invalid_token"}`)
		return true
	}
	return false
}

func (s *Server) handleList(w http.ResponseWriter, req *http.Request, kind types.EntityKind) {
	if s.recordAndIntercept(w, req) {
		return
	}

	pageNum, _ := strconv.Atoi(req.URL.Query().Get("page_num"))
	if pageNum < 1 {
		pageNum = 1
	}
	pageSize, _ := strconv.Atoi(req.URL.Query().Get("page_size"))
	if pageSize < 1 || pageSize > 50 {
		pageSize = 50
	}
	sortBy := req.URL.Query().Get("sort_by")
	descending := req.URL.Query().Get("sort_order") == "desc"

	s.mu.Lock()
	items := append([]map[string]any(nil), s.items[kind]...)
	s.mu.Unlock()

	sortItems(items, sortBy, descending)

	totalPages := (len(items) + pageSize - 1) / pageSize
	if totalPages < 1 {
		totalPages = 1
	}
	start := (pageNum - 1) * pageSize
	if start > len(items) {
		start = len(items)
	}
	end := start + pageSize
	if end > len(items) {
		end = len(items)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":        items[start:end],
		"total_pages": totalPages,
		"total_count": len(items),
	})
}

func (s *Server) handleFetch(w http.ResponseWriter, req *http.Request, kind types.EntityKind) {
	if s.recordAndIntercept(w, req) {
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(req, "id"), 10, 64)
	if err != nil {
		http.Error(w, "bad id", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.items[kind] {
		if itemID(item) == id {
			writeJSON(w, http.StatusOK, item)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
}

func sortItems(items []map[string]any, sortBy string, descending bool) {
	if sortBy == "" {
		sortBy = "id"
	}
	sort.SliceStable(items, func(i, j int) bool {
		var less bool
		if sortBy == "id" {
			less = itemID(items[i]) < itemID(items[j])
		} else {
			less = fmt.Sprint(items[i][sortBy]) < fmt.Sprint(items[j][sortBy])
		}
		if descending {
			return !less
		}
		return less
	})
}

func itemID(item map[string]any) int64 {
	switch v := item["id"].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
