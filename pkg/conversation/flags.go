package conversation

import (
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// UserFlags is a bitset of per-message flags.
type UserFlags uint8

const (
	FlagStarred UserFlags = 1 << iota
	FlagAside
	// FlagCacheAuto is assigned by the prompt-cache breakpoint heuristic.
	FlagCacheAuto
	// FlagCacheUser is an explicit user pin and always overrides FlagCacheAuto.
	FlagCacheUser
)

var flagNames = []struct {
	flag UserFlags
	name string
}{
	{FlagStarred, "starred"},
	{FlagAside, "aside"},
	{FlagCacheAuto, "vnd.cache.auto"},
	{FlagCacheUser, "vnd.cache.user"},
}

func (f UserFlags) Has(flag UserFlags) bool {
	return f&flag != 0
}

// With returns f with flag set. A user cache pin clears the auto flag, and the
// auto flag cannot be set next to a user pin.
func (f UserFlags) With(flag UserFlags) UserFlags {
	if flag&FlagCacheAuto != 0 && f.Has(FlagCacheUser) {
		flag &^= FlagCacheAuto
	}
	out := f | flag
	if out.Has(FlagCacheUser) {
		out &^= FlagCacheAuto
	}
	return out
}

func (f UserFlags) Without(flag UserFlags) UserFlags {
	return f &^ flag
}

// Set sets or clears flag.
func (f UserFlags) Set(flag UserFlags, on bool) UserFlags {
	if on {
		return f.With(flag)
	}
	return f.Without(flag)
}

func (f UserFlags) Names() []string {
	var out []string
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			out = append(out, fn.name)
		}
	}
	return out
}

func userFlagsFromNames(names []string) UserFlags {
	var f UserFlags
	for _, n := range names {
		for _, fn := range flagNames {
			if fn.name == n {
				f = f.With(fn.flag)
			}
		}
	}
	return f
}

func (f UserFlags) MarshalJSON() ([]byte, error) {
	names := f.Names()
	if names == nil {
		names = []string{}
	}
	return json.Marshal(names)
}

func (f *UserFlags) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	*f = userFlagsFromNames(names)
	return nil
}

func (f UserFlags) MarshalYAML() (interface{}, error) {
	return f.Names(), nil
}

func (f *UserFlags) UnmarshalYAML(node *yaml.Node) error {
	var names []string
	if err := node.Decode(&names); err != nil {
		return err
	}
	*f = userFlagsFromNames(names)
	return nil
}
