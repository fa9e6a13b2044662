package audit

import (
	"github.com/rs/zerolog"
)

// optionalDict is a nested dictionary that is only written to its parent when
// at least one field was set. Empty strings and slices do not count.
type optionalDict struct {
	dict *zerolog.Event
	set  bool
}

func newOptionalDict() *optionalDict {
	return &optionalDict{}
}

func (d *optionalDict) ensure() *zerolog.Event {
	if d.dict == nil {
		d.dict = zerolog.Dict()
	}
	return d.dict
}

// writeTo adds the dictionary to parent under key, reporting whether it was
// written.
func (d *optionalDict) writeTo(parent *zerolog.Event, key string) bool {
	if !d.set {
		return false
	}
	parent.Dict(key, d.ensure())
	return true
}

// Event gives direct access to the dictionary, marking it as set.
func (d *optionalDict) Event() *zerolog.Event {
	d.set = true
	return d.ensure()
}

func (d *optionalDict) Str(key, val string) *optionalDict {
	if val != "" {
		d.Event().Str(key, val)
	}
	return d
}

func (d *optionalDict) Strs(key string, vals []string) *optionalDict {
	if len(vals) > 0 {
		d.Event().Strs(key, vals)
	}
	return d
}

func (d *optionalDict) Bool(key string, val bool) *optionalDict {
	d.Event().Bool(key, val)
	return d
}
