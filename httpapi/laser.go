package httpapi

import (
	"encoding/json"
	"go/types"
	"net/http"
	"strconv"

	"github.com/marr-lab/goscope/laser"

	"github.com/go-chi/chi"
)

// BindLasers adds routes for every laser under /laser/{index}
func BindLasers(r chi.Router, lasers []laser.Laser) {
	r.Route("/laser/{index}", func(r chi.Router) {
		r.Get("/wavelength", getWavelength(lasers))
		r.Post("/power", setPower(lasers))
		r.Post("/emission", setEmission(lasers))
	})
}

func pickLaser(w http.ResponseWriter, r *http.Request, lasers []laser.Laser) (laser.Laser, bool) {
	idx, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || idx < 0 || idx >= len(lasers) {
		http.Error(w, "no laser at index "+chi.URLParam(r, "index"), http.StatusNotFound)
		return nil, false
	}
	return lasers[idx], true
}

func getWavelength(lasers []laser.Laser) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l, ok := pickLaser(w, r, lasers)
		if !ok {
			return
		}
		hp := HumanPayload{T: types.Int, Int: l.Wavelength()}
		hp.EncodeAndRespond(w, r)
	}
}

func setPower(lasers []laser.Laser) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l, ok := pickLaser(w, r, lasers)
		if !ok {
			return
		}
		f := FloatT{}
		err := json.NewDecoder(r.Body).Decode(&f)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := l.SetPower(f.F64); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func setEmission(lasers []laser.Laser) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l, ok := pickLaser(w, r, lasers)
		if !ok {
			return
		}
		b := BoolT{}
		err := json.NewDecoder(r.Body).Decode(&b)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if b.Bool {
			err = l.TurnOn()
		} else {
			err = l.TurnOff()
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
