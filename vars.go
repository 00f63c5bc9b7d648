package dnshield

import (
	"expvar"
	"fmt"
)

// getVarInt returns an *expvar.Int with the given path, creating it on
// first use.
func getVarInt(base string, id string, name string) *expvar.Int {
	fullname := fmt.Sprintf("dnshield.%s.%s.%s", base, id, name)
	if v := expvar.Get(fullname); v != nil {
		return v.(*expvar.Int)
	}
	return expvar.NewInt(fullname)
}

// getVarMap returns an *expvar.Map with the given path, creating it on
// first use.
func getVarMap(base string, id string, name string) *expvar.Map {
	fullname := fmt.Sprintf("dnshield.%s.%s.%s", base, id, name)
	if v := expvar.Get(fullname); v != nil {
		return v.(*expvar.Map)
	}
	return expvar.NewMap(fullname)
}

// getVarString returns an *expvar.String with the given path, creating it
// on first use.
func getVarString(base string, id string, name string) *expvar.String {
	fullname := fmt.Sprintf("dnshield.%s.%s.%s", base, id, name)
	if v := expvar.Get(fullname); v != nil {
		return v.(*expvar.String)
	}
	return expvar.NewString(fullname)
}
