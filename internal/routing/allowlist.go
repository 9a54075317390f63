package routing

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Allowlist declares every route an entrypoint may serve. Routes registered
// on a Router but missing here are rejected at startup.
type Allowlist struct {
	Version     int                   `yaml:"version"`
	Entrypoints map[string]Entrypoint `yaml:"entrypoints"`
}

type Entrypoint struct {
	Routes []Route `yaml:"routes"`
}

type Route struct {
	Path       string   `yaml:"path"`
	Methods    []string `yaml:"methods"`
	RouteClass string   `yaml:"route_class"`
}

func ParseAllowlistYAML(b []byte) (Allowlist, error) {
	var a Allowlist
	if err := yaml.Unmarshal(b, &a); err != nil {
		return Allowlist{}, err
	}
	if a.Version != 1 {
		return Allowlist{}, errors.New("allowlist: unsupported version")
	}
	if a.Entrypoints == nil {
		return Allowlist{}, errors.New("allowlist: missing entrypoints")
	}
	if err := a.Validate(); err != nil {
		return Allowlist{}, err
	}
	return a, nil
}

func LoadAllowlist(path string) (Allowlist, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Allowlist{}, err
	}
	return ParseAllowlistYAML(b)
}

// Validate rejects unversioned API paths, unknown methods and duplicate
// path/method pairs.
func (a Allowlist) Validate() error {
	for name, ep := range a.Entrypoints {
		seen := map[string]bool{}
		for _, r := range ep.Routes {
			if hasPrefixSegment(r.Path, "/api") && !hasPrefixSegment(r.Path, "/api/v1") {
				return fmt.Errorf("allowlist: %s: non-versioned api route %s", name, r.Path)
			}
			for _, m := range r.Methods {
				switch m {
				case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
				default:
					return fmt.Errorf("allowlist: %s: bad method %q on %s", name, m, r.Path)
				}
				k := m + " " + r.Path
				if seen[k] {
					return fmt.Errorf("allowlist: %s: duplicate route %s", name, k)
				}
				seen[k] = true
			}
		}
	}
	return nil
}

// Allows reports whether entrypoint declares method on path.
func (a Allowlist) Allows(entrypoint, method, path string) bool {
	for _, r := range a.Entrypoints[entrypoint].Routes {
		if r.Path != path {
			continue
		}
		for _, m := range r.Methods {
			if strings.EqualFold(m, method) {
				return true
			}
		}
	}
	return false
}
