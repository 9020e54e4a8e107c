package httpapi

import (
	"encoding/json"
	"errors"
	"go/types"
	"net/http"

	"github.com/marr-lab/goscope/stage"

	"github.com/go-chi/chi"
)

// limitsT carries one axis's travel over the wire
type limitsT struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// BindStage adds routes for the composed stage to the router
func BindStage(r chi.Router, c *stage.Composer) {
	r.Get("/pos", getAllPos(c))
	r.Post("/stop", stopStage(c))
	r.Post("/limits/enabled", setLimitsEnabled(c))
	r.Get("/axis/{axis}/pos", getPos(c))
	r.Post("/axis/{axis}/pos", setPos(c))
	r.Post("/axis/{axis}/rel", moveRel(c))
	r.Post("/axis/{axis}/limits", setLimits(c))
}

func motionStatus(w http.ResponseWriter, ok bool, err error) {
	var merr *stage.MotionError
	if errors.As(err, &merr) {
		http.Error(w, merr.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "controller reported failure", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func getAllPos(c *stage.Composer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pos, err := c.Position(r.URL.Query().Get("force") == "true")
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out := make(map[string]float64, len(pos))
		for ax, v := range pos {
			out[string(ax)] = v
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

func getPos(c *stage.Composer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axis := stage.Axis(chi.URLParam(r, "axis"))
		pos, err := c.Position(false)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		v, ok := pos[axis]
		if !ok {
			http.Error(w, "no axis "+string(axis), http.StatusNotFound)
			return
		}
		hp := HumanPayload{T: types.Float64, Float: v}
		hp.EncodeAndRespond(w, r)
	}
}

func setPos(c *stage.Composer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axis := stage.Axis(chi.URLParam(r, "axis"))
		f := FloatT{}
		err := json.NewDecoder(r.Body).Decode(&f)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ok, err := c.MoveAxisAbsolute(axis, f.F64, r.URL.Query().Get("wait") != "false")
		motionStatus(w, ok, err)
	}
}

func moveRel(c *stage.Composer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axis := stage.Axis(chi.URLParam(r, "axis"))
		f := FloatT{}
		err := json.NewDecoder(r.Body).Decode(&f)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ok, err := c.MoveRelative(map[stage.Axis]float64{axis: f.F64}, r.URL.Query().Get("wait") != "false")
		motionStatus(w, ok, err)
	}
}

func stopStage(c *stage.Composer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := c.Stop(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func setLimits(c *stage.Composer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axis := stage.Axis(chi.URLParam(r, "axis"))
		l := limitsT{}
		err := json.NewDecoder(r.Body).Decode(&l)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if l.Min >= l.Max {
			http.Error(w, "min must be below max", http.StatusBadRequest)
			return
		}
		c.SetLimits(map[stage.Axis]stage.Limits{axis: {Min: l.Min, Max: l.Max}})
		w.WriteHeader(http.StatusOK)
	}
}

func setLimitsEnabled(c *stage.Composer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b := BoolT{}
		err := json.NewDecoder(r.Body).Decode(&b)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		c.EnableLimits(b.Bool)
		w.WriteHeader(http.StatusOK)
	}
}
