// Package httpapi provides an HTTP interface to a microscope's devices for
// bring-up and bench debugging.  The acquisition path does not go through
// here; it crosses the process boundary in package acquire.
package httpapi

import (
	"encoding/json"
	"go/types"
	"net/http"
	"strconv"
)

// HumanPayload is a struct that enables the `/payload` route to return
// a typed value to the client
type HumanPayload struct {
	// T holds the type of data actually contained
	T types.BasicKind

	// Bool holds a boolean
	Bool bool

	// Int holds an integer
	Int int

	// Float holds a float64
	Float float64

	// String holds a string
	String string
}

// EncodeAndRespond writes the payload to w as JSON
func (hp HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var err error
	switch hp.T {
	case types.Bool:
		err = json.NewEncoder(w).Encode(BoolT{Bool: hp.Bool})
	case types.Int:
		err = json.NewEncoder(w).Encode(IntT{Int: hp.Int})
	case types.Float64:
		err = json.NewEncoder(w).Encode(FloatT{F64: hp.Float})
	case types.String:
		err = json.NewEncoder(w).Encode(StrT{Str: hp.String})
	default:
		http.Error(w, "unmapped payload type "+strconv.Itoa(int(hp.T)), http.StatusInternalServerError)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// FloatT is a struct with a single field F64, used for json [de]serialization
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is a struct with a single field Int
type IntT struct {
	Int int `json:"int"`
}

// BoolT is a struct with a single field Bool
type BoolT struct {
	Bool bool `json:"bool"`
}

// StrT is a struct with a single field Str
type StrT struct {
	Str string `json:"str"`
}
