package httpapi

import (
	"encoding/json"
	"go/types"
	"net/http"

	"github.com/marr-lab/goscope/imgrec"

	"github.com/go-chi/chi"
)

// BindRecorder adds routes manipulating the frame recorder's folder, prefix,
// and enabled flag on the fly
func BindRecorder(r chi.Router, rec *imgrec.Recorder) {
	r.Get("/autowrite/root", func(w http.ResponseWriter, req *http.Request) {
		hp := HumanPayload{T: types.String, String: rec.Root}
		hp.EncodeAndRespond(w, req)
	})
	r.Post("/autowrite/root", func(w http.ResponseWriter, req *http.Request) {
		str := StrT{}
		err := json.NewDecoder(req.Body).Decode(&str)
		defer req.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rec.Root = str.Str
		rec.Incr()
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/autowrite/prefix", func(w http.ResponseWriter, req *http.Request) {
		hp := HumanPayload{T: types.String, String: rec.Prefix}
		hp.EncodeAndRespond(w, req)
	})
	r.Post("/autowrite/prefix", func(w http.ResponseWriter, req *http.Request) {
		str := StrT{}
		err := json.NewDecoder(req.Body).Decode(&str)
		defer req.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rec.Prefix = str.Str
		rec.Incr()
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/autowrite/enabled", func(w http.ResponseWriter, req *http.Request) {
		hp := HumanPayload{T: types.Bool, Bool: rec.Enabled}
		hp.EncodeAndRespond(w, req)
	})
	r.Post("/autowrite/enabled", func(w http.ResponseWriter, req *http.Request) {
		b := BoolT{}
		err := json.NewDecoder(req.Body).Decode(&b)
		defer req.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rec.Enabled = b.Bool
		w.WriteHeader(http.StatusOK)
	})
}
