package stage

import (
	"fmt"
	"sync"
)

// Composer presents one logical multi-axis stage over N controllers.  Every
// axis is owned by exactly one controller; moves are partitioned by owner and
// the per-controller success flags are ANDed.
type Composer struct {
	mu sync.Mutex

	controllers []Controller
	owner       map[Axis]Controller

	limits        map[Axis]Limits
	limitsEnabled bool

	// offsets is the coordinate offset of the active configuration,
	// per axis.  Reported positions are hardware positions; offsets only
	// enter when switching configurations.
	offsets map[Axis]float64

	cache      map[Axis]float64
	cacheValid bool
}

// NewComposer builds a Composer over the given controllers.  It fails if two
// controllers claim the same axis.
func NewComposer(controllers ...Controller) (*Composer, error) {
	c := &Composer{
		controllers: controllers,
		owner:       make(map[Axis]Controller),
		limits:      make(map[Axis]Limits),
		offsets:     make(map[Axis]float64),
	}
	for _, ctl := range controllers {
		for _, ax := range ctl.Axes() {
			if _, taken := c.owner[ax]; taken {
				return nil, fmt.Errorf("stage: axis %s claimed by two controllers", ax)
			}
			c.owner[ax] = ctl
		}
	}
	return c, nil
}

// SetLimits replaces the travel limits for the given axes and enables
// enforcement
func (c *Composer) SetLimits(limits map[Axis]Limits) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ax, l := range limits {
		c.limits[ax] = l
	}
	c.limitsEnabled = true
}

// EnableLimits turns limit enforcement on or off.  Off is used during
// configuration switches, where a position may legitimately sit outside the
// new configuration's travel until the offset move completes.
func (c *Composer) EnableLimits(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limitsEnabled = on
}

// Axes returns every axis owned by some controller
func (c *Composer) Axes() []Axis {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Axis, 0, len(c.owner))
	for ax := range c.owner {
		out = append(out, ax)
	}
	return out
}

// checkLimits rejects the whole move if any target is out of travel.
// Callers hold c.mu.
func (c *Composer) checkLimits(pos map[Axis]float64) error {
	if !c.limitsEnabled {
		return nil
	}
	for ax, target := range pos {
		l, ok := c.limits[ax]
		if !ok {
			continue
		}
		if !l.Contains(target) {
			return &MotionError{Axis: ax, Target: target, Limits: l}
		}
	}
	return nil
}

// partition splits an axis-position map by owning controller
func (c *Composer) partition(pos map[Axis]float64) (map[Controller]map[Axis]float64, error) {
	parts := make(map[Controller]map[Axis]float64)
	for ax, v := range pos {
		ctl, ok := c.owner[ax]
		if !ok {
			return nil, fmt.Errorf("stage: no controller owns axis %s", ax)
		}
		part, ok := parts[ctl]
		if !ok {
			part = make(map[Axis]float64)
			parts[ctl] = part
		}
		part[ax] = v
	}
	return parts, nil
}

// MoveAbsolute moves the given axes to absolute targets.  A limit violation
// on any axis rejects the whole request with a *MotionError and no hardware
// motion.  The returned flag is true only if every involved controller
// reported success.
func (c *Composer) MoveAbsolute(pos map[Axis]float64, wait bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLimits(pos); err != nil {
		return false, err
	}
	return c.dispatch(pos, wait, Controller.MoveAbsolute)
}

// MoveAxisAbsolute moves a single axis to an absolute target
func (c *Composer) MoveAxisAbsolute(axis Axis, target float64, wait bool) (bool, error) {
	return c.MoveAbsolute(map[Axis]float64{axis: target}, wait)
}

// MoveRelative moves the given axes by deltas.  Limits are enforced against
// the resulting targets, which requires a position read when enabled.
func (c *Composer) MoveRelative(delta map[Axis]float64, wait bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.limitsEnabled {
		cur, err := c.position(false)
		if err != nil {
			return false, err
		}
		targets := make(map[Axis]float64, len(delta))
		for ax, d := range delta {
			targets[ax] = cur[ax] + d
		}
		if err := c.checkLimits(targets); err != nil {
			return false, err
		}
	}
	return c.dispatch(delta, wait, Controller.MoveRelative)
}

// dispatch partitions pos and issues one call per involved controller.
// Callers hold c.mu.
func (c *Composer) dispatch(pos map[Axis]float64, wait bool, move func(Controller, map[Axis]float64, bool) (bool, error)) (bool, error) {
	parts, err := c.partition(pos)
	if err != nil {
		return false, err
	}
	c.cacheValid = false
	ok := true
	for ctl, part := range parts {
		success, err := move(ctl, part, wait)
		if err != nil {
			return false, err
		}
		ok = ok && success
	}
	return ok, nil
}

// Position returns the merged position of every axis.  The value is cached;
// controllers are only queried after a move, a stop, or a forced refresh.
func (c *Composer) Position(force bool) (map[Axis]float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.position(force)
}

func (c *Composer) position(force bool) (map[Axis]float64, error) {
	if c.cacheValid && !force {
		out := make(map[Axis]float64, len(c.cache))
		for ax, v := range c.cache {
			out[ax] = v
		}
		return out, nil
	}
	merged := make(map[Axis]float64, len(c.owner))
	for _, ctl := range c.controllers {
		pos, err := ctl.Position()
		if err != nil {
			return nil, err
		}
		for ax, v := range pos {
			merged[ax] = v
		}
	}
	c.cache = merged
	c.cacheValid = true
	out := make(map[Axis]float64, len(merged))
	for ax, v := range merged {
		out[ax] = v
	}
	return out, nil
}

// Invalidate drops the position cache; the next Position call queries
// hardware
func (c *Composer) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheValid = false
}

// ApplyOffsets performs the configuration-switch move: for every axis with
// an entry in former or next, the new absolute target is
// current + next[axis] - former[axis].  The move is physically continuous;
// limits are not enforced because the intermediate frame change can place a
// position legitimately outside the new configuration's travel.  The next
// offsets become the active ones.
func (c *Composer) ApplyOffsets(former, next map[Axis]float64, wait bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// forced read: the hardware may have moved under another composer since
	// the cache was filled, and the target must compose with where the stage
	// physically is
	cur, err := c.position(true)
	if err != nil {
		return false, err
	}
	targets := make(map[Axis]float64)
	for ax := range c.owner {
		nOff, inNext := next[ax]
		fOff, inFormer := former[ax]
		if !inNext && !inFormer {
			continue
		}
		if nOff == fOff {
			continue
		}
		targets[ax] = cur[ax] + nOff - fOff
	}
	c.offsets = next
	if len(targets) == 0 {
		return true, nil
	}
	return c.dispatch(targets, wait, Controller.MoveAbsolute)
}

// Offsets returns the active configuration's per-axis offsets
func (c *Composer) Offsets() map[Axis]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[Axis]float64, len(c.offsets))
	for ax, v := range c.offsets {
		out[ax] = v
	}
	return out
}

// Stop halts every controller and invalidates the position cache.  All
// controllers are attempted even if one fails; the first error is returned.
func (c *Composer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheValid = false
	var firstErr error
	for _, ctl := range c.controllers {
		if err := ctl.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
