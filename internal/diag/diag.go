// Package diag exposes read-only link state over HTTP.
package diag

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/kstaniek/cube-link/internal/link"
)

// LinkView is the subset of *link.Link the handlers read.
type LinkView interface {
	MessageCount() int
	MessageAt(k int) ([]byte, error)
	AwaitingReset() bool
	PortName() string
	Closed() bool
}

var _ LinkView = (*link.Link)(nil)

// Source returns the current link or nil while none is connected.
type Source func() LinkView

type messageDoc struct {
	Index int    `json:"index"`
	Len   int    `json:"len"`
	Hex   string `json:"hex"`
}

type statusDoc struct {
	Port          string `json:"port"`
	Connected     bool   `json:"connected"`
	AwaitingReset bool   `json:"awaiting_reset"`
	Messages      int    `json:"messages"`
}

// Register mounts the /link routes on r.
func Register(r *mux.Router, src Source) {
	h := &handlers{src: src}
	r.HandleFunc("/link/status", h.status).Methods("GET")
	r.HandleFunc("/link/messages/count", h.count).Methods("GET")
	r.HandleFunc("/link/messages/{k:[0-9]+}", h.message).Methods("GET")
}

type handlers struct{ src Source }

func (h *handlers) view(w http.ResponseWriter) LinkView {
	var v LinkView
	if h.src != nil {
		v = h.src()
	}
	if v == nil {
		http.Error(w, "link not connected", http.StatusServiceUnavailable)
	}
	return v
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	// Status is answered without a link so health checks can tell "starting" from "down".
	doc := statusDoc{}
	if h.src != nil {
		if v := h.src(); v != nil {
			doc = statusDoc{
				Port:          v.PortName(),
				Connected:     !v.Closed(),
				AwaitingReset: v.AwaitingReset(),
				Messages:      v.MessageCount(),
			}
		}
	}
	writeJSON(w, doc)
}

func (h *handlers) count(w http.ResponseWriter, r *http.Request) {
	v := h.view(w)
	if v == nil {
		return
	}
	writeJSON(w, struct {
		Count int `json:"count"`
	}{v.MessageCount()})
}

func (h *handlers) message(w http.ResponseWriter, r *http.Request) {
	v := h.view(w)
	if v == nil {
		return
	}
	k, err := strconv.Atoi(mux.Vars(r)["k"])
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	msg, err := v.MessageAt(k)
	if err != nil {
		if errors.Is(err, link.ErrIndexOutOfRange) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, messageDoc{Index: k, Len: len(msg), Hex: hex.EncodeToString(msg)})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
