// Package fakecomfy is an in-process stand-in for a ComfyUI server, used by tests.
package fakecomfy

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// PromptIDPlaceholder is replaced by the queued prompt id in scripted events.
const PromptIDPlaceholder = "{{prompt_id}}"

// Upload is one received /upload/image request.
type Upload struct {
	Name      string
	Type      string
	Subfolder string
	Overwrite string
	Data      []byte
}

// Server answers the subset of the ComfyUI API the client uses. The exported
// fields are set through the configure functions given to New.
type Server struct {
	*httptest.Server

	// NotReadyFor makes the first N /system_stats requests fail with 503.
	NotReadyFor int
	// PromptID is returned by /prompt; empty selects "prompt-1".
	PromptID string
	// RejectStatus and RejectBody make /prompt fail when RejectStatus is non-zero.
	RejectStatus int
	RejectBody   string
	// Events are sent on the submitting client's socket after /prompt answers.
	Events []string
	// Outputs is the "outputs" object of the history entry.
	Outputs map[string]any
	// Files are served by /view, keyed by filename.
	Files map[string][]byte
	// FailUploads makes /upload/image answer 500.
	FailUploads bool

	mu         sync.Mutex
	conns      map[string]*peer
	statsCalls int
	uploads    []Upload
	prompts    []json.RawMessage
	clientIDs  []string
	interrupts int
	histories  int
	views      []string
	upgrader   websocket.Upgrader
}

// New starts a server configured by the given functions. Close it with Server.Close.
func New(configure ...func(*Server)) *Server {
	s := &Server{
		conns: make(map[string]*peer),
		Files: make(map[string][]byte),
	}
	for _, fn := range configure {
		fn(s)
	}

	r := mux.NewRouter()
	r.HandleFunc("/system_stats", s.systemStats).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.ws).Methods(http.MethodGet)
	r.HandleFunc("/prompt", s.prompt).Methods(http.MethodPost)
	r.HandleFunc("/history/{prompt_id}", s.history).Methods(http.MethodGet)
	r.HandleFunc("/view", s.view).Methods(http.MethodGet)
	r.HandleFunc("/upload/image", s.upload).Methods(http.MethodPost)
	r.HandleFunc("/interrupt", s.interrupt).Methods(http.MethodPost)

	s.Server = httptest.NewServer(r)
	return s
}

func (s *Server) promptID() string {
	if s.PromptID == "" {
		return "prompt-1"
	}
	return s.PromptID
}

func (s *Server) systemStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	s.statsCalls++
	call := s.statsCalls
	s.mu.Unlock()

	if call <= s.NotReadyFor {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"system": {"os": "posix", "python_version": "3.11"}, "devices": [{"name": "cuda:0 NVIDIA L4", "type": "cuda", "index": 0, "vram_total": 23580639232, "vram_free": 23000000000}]}`)
}

// peer serializes writes to one client socket.
type peer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (p *peer) write(msg string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (s *Server) ws(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	clientID := r.URL.Query().Get("clientId")
	p := &peer{conn: conn}

	s.mu.Lock()
	s.conns[clientID] = p
	s.mu.Unlock()

	_ = p.write(`{"type": "status", "data": {"status": {"exec_info": {"queue_remaining": 0}}, "sid": "` + clientID + `"}}`)

	// drain until the client goes away
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				_ = conn.Close()
				return
			}
		}
	}()
}

func (s *Server) prompt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string          `json:"client_id"`
		Prompt   json.RawMessage `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.prompts = append(s.prompts, req.Prompt)
	s.clientIDs = append(s.clientIDs, req.ClientID)
	s.mu.Unlock()

	if s.RejectStatus != 0 {
		w.WriteHeader(s.RejectStatus)
		_, _ = io.WriteString(w, s.RejectBody)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"prompt_id": "`+s.promptID()+`", "number": 1, "node_errors": {}}`)

	if len(s.Events) == 0 {
		return
	}
	p := s.peer(req.ClientID)
	if p == nil {
		return
	}
	events := make([]string, len(s.Events))
	for i, ev := range s.Events {
		events[i] = strings.ReplaceAll(ev, PromptIDPlaceholder, s.promptID())
	}
	go func() {
		for _, ev := range events {
			if err := p.write(ev); err != nil {
				return
			}
		}
	}()
}

// peer returns the socket of clientID. The upgrade handler registers it after
// the handshake, so a prompt racing the registration waits briefly.
func (s *Server) peer(clientID string) *peer {
	for i := 0; i < 100; i++ {
		s.mu.Lock()
		p := s.conns[clientID]
		s.mu.Unlock()
		if p != nil {
			return p
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["prompt_id"]

	s.mu.Lock()
	s.histories++
	s.mu.Unlock()

	body := map[string]any{}
	if id == s.promptID() {
		body[id] = map[string]any{
			"outputs": s.Outputs,
			"status":  map[string]any{"status_str": "success", "completed": true},
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) view(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("filename")

	s.mu.Lock()
	s.views = append(s.views, r.URL.RawQuery)
	s.mu.Unlock()

	data, ok := s.Files[name]
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(data)
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	if s.FailUploads {
		http.Error(w, "disk full", http.StatusInternalServerError)
		return
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, _ := io.ReadAll(file)

	s.mu.Lock()
	s.uploads = append(s.uploads, Upload{
		Name:      header.Filename,
		Type:      r.FormValue("type"),
		Subfolder: r.FormValue("subfolder"),
		Overwrite: r.FormValue("overwrite"),
		Data:      data,
	})
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"name": header.Filename, "subfolder": "", "type": r.FormValue("type")})
}

func (s *Server) interrupt(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	s.interrupts++
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// StatsRequests returns the number of /system_stats requests served.
func (s *Server) StatsRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsCalls
}

// Uploads returns the received uploads in order.
func (s *Server) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Upload(nil), s.uploads...)
}

// Prompts returns the "prompt" objects received by /prompt.
func (s *Server) Prompts() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.prompts...)
}

// ClientIDs returns the client ids received by /prompt.
func (s *Server) ClientIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.clientIDs...)
}

// Interrupts returns the number of /interrupt calls.
func (s *Server) Interrupts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupts
}

// Views returns the query strings of /view requests.
func (s *Server) Views() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.views...)
}

// Requests returns the total number of HTTP requests that reached the API,
// WebSocket upgrades excluded.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsCalls + len(s.uploads) + len(s.prompts) + s.interrupts + s.histories + len(s.views)
}
