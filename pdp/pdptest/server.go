// Package pdptest provides an in-memory PDP service for tests.
package pdptest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"lukechampine.com/frand"
)

type (
	dataSet struct {
		id     uint64
		pieces []string
	}

	creation struct {
		dataSetID uint64
		polls     int
	}
)

// A Server is a fake PDP service backed by memory.
type Server struct {
	*httptest.Server

	// CreationPolls is the number of status polls a creation stays
	// unconfirmed for.
	CreationPolls int
	// PieceDelay delays piece reads until it elapses or the request is
	// cancelled.
	PieceDelay time.Duration
	// ExistingDataSetID, when non-zero, makes data set creation respond
	// with 409 naming this id. ConflictWithoutID responds 409 without an id.
	ExistingDataSetID uint64
	ConflictWithoutID bool
	// FirstDataSetID is the id of the first data set created.
	FirstDataSetID uint64

	pieceRequests    atomic.Int64
	pieceCompletions atomic.Int64
	pings            atomic.Int64

	mu        sync.Mutex
	nextID    uint64
	pieces    map[string][]byte
	sizes     map[string]uint64
	uploads   map[uuid.UUID][]byte
	dataSets  map[uint64]*dataSet
	creations map[string]*creation
	additions map[string][]uint64
	keys      map[string]string
}

// AddPiece stores a piece directly, as if it had been uploaded.
func (s *Server) AddPiece(pieceCID string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pieces[pieceCID] = append([]byte(nil), data...)
}

// HasPiece reports whether the server stores the piece.
func (s *Server) HasPiece(pieceCID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pieces[pieceCID]
	return ok
}

// FinalizedSize returns the size sent when the piece's upload was finalized,
// or zero if it was not uploaded through a session.
func (s *Server) FinalizedSize(pieceCID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sizes[pieceCID]
}

// DataSetPieces returns the pieces recorded in a data set.
func (s *Server) DataSetPieces(id uint64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ds, ok := s.dataSets[id]; ok {
		return append([]string(nil), ds.pieces...)
	}
	return nil
}

// DataSets returns the number of data sets created on the server.
func (s *Server) DataSets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dataSets)
}

// PieceRequests returns the number of piece find and download requests
// received.
func (s *Server) PieceRequests() int64 { return s.pieceRequests.Load() }

// PieceCompletions returns the number of piece requests that were served
// without being cancelled.
func (s *Server) PieceCompletions() int64 { return s.pieceCompletions.Load() }

// Pings returns the number of liveness probes received.
func (s *Server) Pings() int64 { return s.pings.Load() }

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func randomTx() string {
	return "0x" + hex.EncodeToString(frand.Bytes(32))
}

// checkKey records the payload hash of an idempotency key. It reports false
// if the key was used for a different payload.
func (s *Server) checkKey(key string, body []byte) bool {
	if key == "" {
		return true
	}
	h := sha256.Sum256(body)
	sum := hex.EncodeToString(h[:])
	if prev, ok := s.keys[key]; ok {
		return prev == sum
	}
	s.keys[key] = sum
	return true
}

func (s *Server) handleCreateDataSet(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.checkKey(r.Header.Get("Idempotency-Key"), body) {
		http.Error(w, "idempotency key conflict", http.StatusUnprocessableEntity)
		return
	} else if s.ExistingDataSetID != 0 {
		writeJSON(w, http.StatusConflict, map[string]string{"existingDataSetId": strconv.FormatUint(s.ExistingDataSetID, 10)})
		return
	} else if s.ConflictWithoutID {
		http.Error(w, "data set already exists", http.StatusConflict)
		return
	}

	if s.nextID < s.FirstDataSetID {
		s.nextID = s.FirstDataSetID - 1
	}
	s.nextID++
	tx := randomTx()
	s.dataSets[s.nextID] = &dataSet{id: s.nextID}
	s.creations[tx] = &creation{dataSetID: s.nextID}
	w.Header().Set("Location", "/pdp/data-sets/created/"+tx)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleCreationStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creations[r.PathValue("tx")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	c.polls++
	created := c.polls > s.CreationPolls
	resp := map[string]any{"dataSetCreated": created, "message": "pending"}
	if created {
		resp["dataSetId"] = c.dataSetID
		resp["message"] = "created"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAddPieces(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	body, _ := io.ReadAll(r.Body)
	var req struct {
		Pieces []struct {
			PieceCID string `json:"pieceCid"`
		} `json:"pieces"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.dataSets[id]
	if !ok {
		http.NotFound(w, r)
		return
	} else if !s.checkKey(r.Header.Get("Idempotency-Key"), body) {
		http.Error(w, "idempotency key conflict", http.StatusUnprocessableEntity)
		return
	}

	var existing []string
	for _, p := range req.Pieces {
		for _, have := range ds.pieces {
			if have == p.PieceCID {
				existing = append(existing, p.PieceCID)
			}
		}
	}
	if len(existing) == len(req.Pieces) {
		writeJSON(w, http.StatusConflict, map[string]any{"existingPieces": existing})
		return
	}

	var ids []uint64
	for _, p := range req.Pieces {
		ds.pieces = append(ds.pieces, p.PieceCID)
		ids = append(ids, uint64(len(ds.pieces)-1))
	}
	tx := randomTx()
	s.additions[tx] = ids
	w.Header().Set("Location", fmt.Sprintf("/pdp/data-sets/%d/pieces/added/%s", id, tx))
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleAdditionStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, ok := s.additions[r.PathValue("tx")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"addMessageOk":      true,
		"pieceCount":        len(ids),
		"confirmedPieceIds": ids,
	})
}

func (s *Server) handleCreateUpload(w http.ResponseWriter, r *http.Request) {
	id := uuid.New()
	s.mu.Lock()
	s.uploads[id] = nil
	s.mu.Unlock()
	w.Header().Set("Location", "/pdp/piece/uploads/"+id.String())
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleUploadData(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.uploads[id]; !ok {
		http.NotFound(w, r)
		return
	}
	s.uploads[id] = data
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFinalizeUpload(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req struct {
		PieceCID string `json:"pieceCid"`
		Size     uint64 `json:"size"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PieceCID == "" {
		http.Error(w, "missing pieceCid", http.StatusBadRequest)
		return
	} else if req.Size == 0 {
		http.Error(w, "missing size", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.uploads[id]
	if !ok {
		http.NotFound(w, r)
		return
	}
	delete(s.uploads, id)
	s.pieces[req.PieceCID] = data
	s.sizes[req.PieceCID] = req.Size
	writeJSON(w, http.StatusOK, map[string]string{"pieceCid": req.PieceCID})
}

// delay waits for PieceDelay. It reports false if the request was
// cancelled first.
func (s *Server) delay(r *http.Request) bool {
	if s.PieceDelay <= 0 {
		return true
	}
	select {
	case <-r.Context().Done():
		return false
	case <-time.After(s.PieceDelay):
		return true
	}
}

func (s *Server) handleFindPiece(w http.ResponseWriter, r *http.Request) {
	s.pieceRequests.Add(1)
	if !s.delay(r) {
		return
	}
	s.pieceCompletions.Add(1)
	c := r.URL.Query().Get("pieceCid")
	if !s.HasPiece(c) {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"pieceCid": c})
}

func (s *Server) handleDownloadPiece(w http.ResponseWriter, r *http.Request) {
	s.pieceRequests.Add(1)
	if !s.delay(r) {
		return
	}
	s.pieceCompletions.Add(1)
	s.mu.Lock()
	data, ok := s.pieces[r.PathValue("cid")]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

// NewServer starts a fake PDP service. It is closed when the test ends if
// registered with t.Cleanup(s.Close).
func NewServer() *Server {
	s := &Server{
		pieces:    make(map[string][]byte),
		sizes:     make(map[string]uint64),
		uploads:   make(map[uuid.UUID][]byte),
		dataSets:  make(map[uint64]*dataSet),
		creations: make(map[string]*creation),
		additions: make(map[string][]uint64),
		keys:      make(map[string]string),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /pdp/data-sets", s.handleCreateDataSet)
	mux.HandleFunc("GET /pdp/data-sets/created/{tx}", s.handleCreationStatus)
	mux.HandleFunc("POST /pdp/data-sets/{id}/pieces", s.handleAddPieces)
	mux.HandleFunc("GET /pdp/data-sets/{id}/pieces/added/{tx}", s.handleAdditionStatus)
	mux.HandleFunc("POST /pdp/piece/uploads", s.handleCreateUpload)
	mux.HandleFunc("PUT /pdp/piece/uploads/{id}", s.handleUploadData)
	mux.HandleFunc("POST /pdp/piece/uploads/{id}", s.handleFinalizeUpload)
	mux.HandleFunc("GET /pdp/piece", s.handleFindPiece)
	mux.HandleFunc("GET /pdp/piece/{cid}", s.handleDownloadPiece)
	mux.HandleFunc("/{$}", func(w http.ResponseWriter, r *http.Request) {
		s.pings.Add(1)
		w.WriteHeader(http.StatusOK)
	})
	s.Server = httptest.NewServer(mux)
	return s
}
