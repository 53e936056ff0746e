// Package flagx contains the command-line and config-file plumbing shared by
// the server and client config packages.
package flagx

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/tidwall/jsonc"
)

// ConfigEnv names the environment variable consulted when no -c/-config
// flag is given.
const ConfigEnv = "CRDTSIGN_CONFIG"

// FilterArgs keeps only the flags listed in allowed, together with their
// values, so several independent flag sets can parse the same os.Args.
//
// Both "-f value" and "-f=value" forms are recognised. A token starting
// with "-" is never consumed as a value.
func FilterArgs(args []string, allowed []string) []string {
	set := make(map[string]struct{}, len(allowed))
	for _, f := range allowed {
		set[f] = struct{}{}
	}

	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if strings.HasPrefix(arg, "-") && strings.Contains(arg, "=") {
			name, _, _ := strings.Cut(arg, "=")
			if _, ok := set[name]; ok {
				out = append(out, arg)
			}
			continue
		}
		if _, ok := set[arg]; !ok {
			continue
		}
		out = append(out, arg)
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			out = append(out, args[i+1])
			i++
		}
	}
	return out
}

// ConfigPath returns the config file named by -c/-config on the command
// line, falling back to $CRDTSIGN_CONFIG. Empty means no file.
func ConfigPath() string {
	var path string
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	fs.SetOutput(discard{})
	fs.StringVar(&path, "config", "", "path to config file")
	fs.StringVar(&path, "c", "", "path to config file (short)")
	_ = fs.Parse(FilterArgs(os.Args[1:], []string{"-c", "-config"}))
	if path == "" {
		path = os.Getenv(ConfigEnv)
	}
	return path
}

// ReadJSONC decodes a JSON config file into out. Comments and trailing
// commas are allowed.
func ReadJSONC(path string, out any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(jsonc.ToJSON(raw), out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
