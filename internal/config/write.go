package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/schoolsync/internal/errors"
)

// keyComments documents the keys written by WriteDefault.
var keyComments = map[string]string{
	"data_dir":                    "Directory holding the local SQLite database.",
	"remote":                      "Remote record service (PocketBase records API).",
	"remote.url":                  "Base URL of the remote service.",
	"remote.token":                "Sent as the Authorization header. Prefer SCHOOLSYNC_REMOTE_TOKEN.",
	"remote.rate_limit":           "Requests per second; 0 disables the limiter.",
	"sync":                        "Reconciliation loop.",
	"sync.interval":               "Period of the background timer.",
	"sync.auto_requeue_failed":    "Move failed entries back to pending at the start of each pass.",
	"sync.skip_ticks_offline":     "Skip timer ticks while the remote is unreachable.",
	"sync.retry":                  "Per-entry backoff: delay n = min(base_delay * multiplier^n, max_delay).",
	"connectivity.probe_interval": "How often the remote health endpoint is polled.",
	"server.addr":                 "Listen address of the desktop server.",
	"log.level":                   "debug, info, warn or error.",
	"log.file":                    "Rotated log file; empty logs to stdout.",
	"storage.persistent":          "Set false on hosts without durable storage; sync is then refused.",
}

// WriteDefault writes a commented configuration file with every default
// value. It refuses to replace an existing file unless overwrite is set.
func WriteDefault(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return errors.New(errors.ErrInvalid, fmt.Sprintf("%s already exists", path))
		}
	}

	doc := &yaml.Node{Kind: yaml.DocumentNode}
	root := &yaml.Node{Kind: yaml.MappingNode}
	doc.Content = append(doc.Content, root)
	root.HeadComment = "SchoolSync configuration. Every key can be overridden with\n" +
		EnvPrefix + "_<KEY>, dots replaced by underscores."

	for key, val := range defaults() {
		insert(root, strings.Split(key, "."), "", val)
	}
	sortMapping(root)

	out, err := yaml.Marshal(doc)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "encoding default config", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(errors.ErrInternal, "creating config directory", err)
		}
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return errors.Wrap(errors.ErrInternal, "writing config", err)
	}
	return nil
}

// insert places val under the dotted path, creating nested mappings.
func insert(m *yaml.Node, path []string, prefix string, val interface{}) {
	full := path[0]
	if prefix != "" {
		full = prefix + "." + path[0]
	}

	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == path[0] {
			if len(path) > 1 {
				insert(m.Content[i+1], path[1:], full, val)
			}
			return
		}
	}

	keyNode := &yaml.Node{Kind: yaml.ScalarNode, Value: path[0], HeadComment: keyComments[full]}
	var valNode *yaml.Node
	if len(path) > 1 {
		valNode = &yaml.Node{Kind: yaml.MappingNode}
		insert(valNode, path[1:], full, val)
	} else {
		valNode = scalar(val)
	}
	m.Content = append(m.Content, keyNode, valNode)
}

func scalar(val interface{}) *yaml.Node {
	if d, ok := val.(time.Duration); ok {
		return &yaml.Node{Kind: yaml.ScalarNode, Value: d.String()}
	}
	n := &yaml.Node{}
	if err := n.Encode(val); err != nil {
		return &yaml.Node{Kind: yaml.ScalarNode, Value: fmt.Sprint(val)}
	}
	return n
}

// sortMapping orders keys alphabetically at every level.
func sortMapping(m *yaml.Node) {
	if m.Kind != yaml.MappingNode {
		return
	}
	type pair struct{ k, v *yaml.Node }
	pairs := make([]pair, 0, len(m.Content)/2)
	for i := 0; i+1 < len(m.Content); i += 2 {
		pairs = append(pairs, pair{m.Content[i], m.Content[i+1]})
		sortMapping(m.Content[i+1])
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].k.Value < pairs[j].k.Value })

	m.Content = m.Content[:0]
	for _, p := range pairs {
		m.Content = append(m.Content, p.k, p.v)
	}
}
