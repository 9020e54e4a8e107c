// Package shutter controls illumination shutters
package shutter

import (
	"sync"

	"github.com/marr-lab/goscope/asi"
)

// Shutter gates the illumination path
type Shutter interface {
	Open() error
	Close() error

	// IsOpen reports the last commanded state
	IsOpen() bool
}

// TigerShutter drives a shutter from a TTL line on an ASI Tiger chassis
type TigerShutter struct {
	mu sync.Mutex

	tiger *asi.Tiger

	// card is the chassis card address owning the TTL line
	card string

	open bool
}

// NewTigerShutter returns a shutter on the given card's TTL output
func NewTigerShutter(tiger *asi.Tiger, card string) *TigerShutter {
	return &TigerShutter{tiger: tiger, card: card}
}

func (s *TigerShutter) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.tiger.SetTTL(s.card, 1); err != nil {
		return err
	}
	s.open = true
	return nil
}

func (s *TigerShutter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.tiger.SetTTL(s.card, 0); err != nil {
		return err
	}
	s.open = false
	return nil
}

func (s *TigerShutter) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Synthetic is a no-I/O shutter
type Synthetic struct {
	mu   sync.Mutex
	open bool
}

// NewSynthetic returns a closed synthetic shutter
func NewSynthetic() *Synthetic {
	return &Synthetic{}
}

func (s *Synthetic) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = true
	return nil
}

func (s *Synthetic) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}

func (s *Synthetic) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}
