package execution

import (
	"fmt"
	"sort"
	"strings"
)

// MergeEnv applies overrides and removals to base, a list of KEY=VALUE
// entries. base is not modified.
func MergeEnv(base []string, set map[string]string, unset []string) ([]string, error) {
	for name, value := range set {
		if err := validEnvName(name); err != nil {
			return nil, err
		}
		if strings.IndexByte(value, 0) >= 0 {
			return nil, fmt.Errorf("%w: value of %s contains NUL byte", ErrInvalidOptions, name)
		}
	}
	for _, name := range unset {
		if err := validEnvName(name); err != nil {
			return nil, err
		}
	}

	drop := make(map[string]struct{}, len(set)+len(unset))
	for name := range set {
		drop[name] = struct{}{}
	}
	for _, name := range unset {
		drop[name] = struct{}{}
	}

	out := make([]string, 0, len(base)+len(set))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if _, ok := drop[name]; ok {
			continue
		}
		out = append(out, kv)
	}

	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out = append(out, name+"="+set[name])
	}
	return out, nil
}

// LookupEnv finds name in a KEY=VALUE list, last entry winning.
func LookupEnv(env []string, name string) (string, bool) {
	for i := len(env) - 1; i >= 0; i-- {
		k, v, ok := strings.Cut(env[i], "=")
		if ok && k == name {
			return v, true
		}
	}
	return "", false
}

func validEnvName(name string) error {
	if name == "" || strings.ContainsAny(name, "=\x00") {
		return fmt.Errorf("%w: invalid environment variable name %q", ErrInvalidOptions, name)
	}
	return nil
}
