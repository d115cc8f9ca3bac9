package galvoscan

import (
	"context"
	"encoding/json"
	"errors"
	"image/png"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/rasterlab/galvoscan/framestore"
)

// valueT is the JSON body {"value": "..."} of a parameter change.
type valueT struct {
	Value string `json:"value"`
}

func respondJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// respondError maps rejected requests to 4xx and everything else to 500.
func respondError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, ErrDeviceInUse):
		code = http.StatusConflict
	}
	http.Error(w, err.Error(), code)
}

// NewHTTPHandler returns a router exposing session over HTTP:
//
//	GET  /status               SessionStatus as JSON
//	GET  /params               ScanParameters as JSON
//	PUT  /params/{field}       {"value": "..."} changes one parameter
//	POST /start, /stop         lifecycle
//	POST /write                WriteControlConfig as JSON
//	GET  /waveform.csv         the current X/Y drive waveform
//	GET  /frame/{channel}.png  latest frame of one channel
func NewHTTPHandler(session *ScanSession) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, session.Status())
	})
	r.Get("/params", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, session.Params())
	})
	r.Put("/params/{field}", func(w http.ResponseWriter, r *http.Request) {
		var v valueT
		err := json.NewDecoder(r.Body).Decode(&v)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := session.SetParameter(chi.URLParam(r, "field"), v.Value); err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, session.Params())
	})
	r.Post("/start", func(w http.ResponseWriter, r *http.Request) {
		if err := session.Start(); err != nil {
			respondError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/stop", func(w http.ResponseWriter, r *http.Request) {
		if err := session.Stop(); err != nil {
			respondError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/write", func(w http.ResponseWriter, r *http.Request) {
		var config WriteControlConfig
		err := json.NewDecoder(r.Body).Decode(&config)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := session.WriteControl(&config); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		respondJSON(w, session.ComputeWritingState())
	})
	r.Get("/waveform.csv", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		if err := WriteWaveformCSV(w, session.Waveform(), 0, 1); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	r.Get("/frame/{channel}.png", func(w http.ResponseWriter, r *http.Request) {
		channel, err := strconv.Atoi(chi.URLParam(r, "channel"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		frames := session.LatestFrames()
		if channel < 0 || channel >= len(frames) {
			http.Error(w, "no frame for that channel yet", http.StatusNotFound)
			return
		}
		f := frames[channel]
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("X-Frame-Index", strconv.FormatInt(int64(f.Index), 10))
		if err := png.Encode(w, framestore.Gray16(f.Data, session.Params().InputRange)); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return r
}

// RunHTTPServer serves NewHTTPHandler(session) on addr until abort is closed.
func RunHTTPServer(session *ScanSession, addr string, abort <-chan struct{}) error {
	srv := &http.Server{Addr: addr, Handler: NewHTTPHandler(session)}
	go func() {
		<-abort
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()
	UpdateLogger.Printf("HTTP control listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
