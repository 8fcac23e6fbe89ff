package relay

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// maxBlobSize bounds encrypted image uploads (matches the 5 MiB download
// cap the mobile client used).
const maxBlobSize = 5 << 20

// Item is one pending entry in a mailbox or signal channel, as streamed to
// watchers and addressed for deletion.
type Item struct {
	ID    string          `json:"id"`
	Value json.RawMessage `json:"value"`
}

type box struct {
	items    []Item
	watchers map[int]chan Item
	nextID   int
}

func (b *box) notify(it Item) {
	for _, ch := range b.watchers {
		select {
		case ch <- it:
		default:
			// Watcher is behind; the item stays in the box and is
			// replayed on its next watch.
		}
	}
}

// Server is an in-memory relay. Mailboxes, signal channels, the user
// directory, block lists and blobs all live behind one mutex; entries
// survive until their consumer deletes them.
type Server struct {
	mu       sync.Mutex
	boxes    map[string]*box // "{channel}/{userID}" -> pending items
	profiles map[string]Profile
	blocks   map[string]map[string]bool // blocker -> blocked -> true
	blobs    map[string][]byte

	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewServer creates an empty relay server.
func NewServer(logger *zap.Logger) *Server {
	return &Server{
		boxes:    make(map[string]*box),
		profiles: make(map[string]Profile),
		blocks:   make(map[string]map[string]bool),
		blobs:    make(map[string][]byte),
		logger:   logger,
	}
}

// Handler returns the HTTP routing table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/mailbox/{user}/watch", s.handleWatch("messages")).Methods(http.MethodGet)
	r.HandleFunc("/mailbox/{user}/{id}", s.handleAppendWithID("messages")).Methods(http.MethodPut)
	r.HandleFunc("/mailbox/{user}/{id}", s.handleDelete("messages")).Methods(http.MethodDelete)

	r.HandleFunc("/signals/{channel}/{user}/watch", s.handleSignalWatch).Methods(http.MethodGet)
	r.HandleFunc("/signals/{channel}/{user}", s.handleSignalAppend).Methods(http.MethodPost)
	r.HandleFunc("/signals/{channel}/{user}/{id}", s.handleSignalDelete).Methods(http.MethodDelete)

	r.HandleFunc("/users/{user}", s.handleGetProfile).Methods(http.MethodGet)
	r.HandleFunc("/users/{user}", s.handlePutProfile).Methods(http.MethodPut)
	r.HandleFunc("/users/{user}", s.handleDeleteProfile).Methods(http.MethodDelete)

	r.HandleFunc("/blocks/pair/{a}/{b}", s.handlePairBlocked).Methods(http.MethodGet)
	r.HandleFunc("/blocks/{user}", s.handleListBlocks).Methods(http.MethodGet)
	r.HandleFunc("/blocks/{user}/{peer}", s.handleBlock).Methods(http.MethodPut)
	r.HandleFunc("/blocks/{user}/{peer}", s.handleUnblock).Methods(http.MethodDelete)

	r.HandleFunc("/blobs", s.handleUploadBlob).Methods(http.MethodPost)
	r.HandleFunc("/blobs/{id}", s.handleGetBlob).Methods(http.MethodGet)
	r.HandleFunc("/blobs/{id}", s.handleDeleteBlob).Methods(http.MethodDelete)

	return r
}

func (s *Server) getBox(channel, user string) *box {
	key := channel + "/" + user
	b, ok := s.boxes[key]
	if !ok {
		b = &box{watchers: make(map[int]chan Item)}
		s.boxes[key] = b
	}
	return b
}

func (s *Server) append(channel, user, id string, value json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.getBox(channel, user)
	it := Item{ID: id, Value: value}
	b.items = append(b.items, it)
	b.notify(it)
}

func (s *Server) remove(channel, user, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.getBox(channel, user)
	for i, it := range b.items {
		if it.ID == id {
			b.items = append(b.items[:i], b.items[i+1:]...)
			return
		}
	}
}

// watch registers a watcher and returns a snapshot of pending items, the
// live channel, and a deregistration func.
func (s *Server) watch(channel, user string) ([]Item, <-chan Item, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.getBox(channel, user)
	snapshot := make([]Item, len(b.items))
	copy(snapshot, b.items)
	ch := make(chan Item, 64)
	id := b.nextID
	b.nextID++
	b.watchers[id] = ch
	return snapshot, ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(b.watchers, id)
	}
}

func (s *Server) handleAppendWithID(channel string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		value, err := io.ReadAll(io.LimitReader(r.Body, maxBlobSize))
		if err != nil || !json.Valid(value) {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		s.append(channel, vars["user"], vars["id"], value)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleDelete(channel string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		s.remove(channel, vars["user"], vars["id"])
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleWatch(channel string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.serveWatch(w, r, channel, mux.Vars(r)["user"])
	}
}

func (s *Server) handleSignalWatch(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	s.serveWatch(w, r, vars["channel"], vars["user"])
}

func (s *Server) handleSignalAppend(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	value, err := io.ReadAll(io.LimitReader(r.Body, maxBlobSize))
	if err != nil || !json.Valid(value) {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	id := uuid.NewString()
	s.append(vars["channel"], vars["user"], id, value)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"id": id})
}

func (s *Server) handleSignalDelete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	s.remove(vars["channel"], vars["user"], vars["id"])
	w.WriteHeader(http.StatusNoContent)
}

// serveWatch upgrades to a websocket, replays pending items, then streams
// new arrivals until the client goes away.
func (s *Server) serveWatch(w http.ResponseWriter, r *http.Request, channel, user string) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	snapshot, ch, unwatch := s.watch(channel, user)
	defer unwatch()

	for _, it := range snapshot {
		if err := conn.WriteJSON(it); err != nil {
			return
		}
	}

	// Reader goroutine: its exit signals a closed connection.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case it := <-ch:
			if err := conn.WriteJSON(it); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	p, ok := s.profiles[mux.Vars(r)["user"]]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(p)
}

func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	var p Profile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.profiles[mux.Vars(r)["user"]] = p
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	s.mu.Lock()
	delete(s.profiles, user)
	delete(s.blocks, user)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	s.mu.Lock()
	m, ok := s.blocks[vars["user"]]
	if !ok {
		m = make(map[string]bool)
		s.blocks[vars["user"]] = m
	}
	m[vars["peer"]] = true
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	s.mu.Lock()
	delete(s.blocks[vars["user"]], vars["peer"])
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListBlocks(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	var ids []string
	for id := range s.blocks[mux.Vars(r)["user"]] {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string][]string{"blocked": ids})
}

// handlePairBlocked reports whether either user has blocked the other. The
// send path checks this fresh on every send so a block applied after
// contact-save still takes effect.
func (s *Server) handlePairBlocked(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	s.mu.Lock()
	blocked := s.blocks[vars["a"]][vars["b"]] || s.blocks[vars["b"]][vars["a"]]
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"blocked": blocked})
}

func (s *Server) handleUploadBlob(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBlobSize+1))
	if err != nil || len(data) == 0 || len(data) > maxBlobSize {
		http.Error(w, "invalid blob", http.StatusBadRequest)
		return
	}
	id := uuid.NewString()
	s.mu.Lock()
	s.blobs[id] = data
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"url": "/blobs/" + id})
}

func (s *Server) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	data, ok := s.blobs[mux.Vars(r)["id"]]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func (s *Server) handleDeleteBlob(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	delete(s.blobs, mux.Vars(r)["id"])
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}
