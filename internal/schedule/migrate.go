package schedule

import (
	"encoding/json"
	"strings"
	"time"
)

// v1Document is the pre-unification schema: task policies split across
// self-improvement and per-app improvement maps, with prefixed execution keys.
type v1Document struct {
	Version         int                   `json:"version"`
	SelfImprovement map[string]*Entry     `json:"selfImprovement"`
	AppImprovement  map[string]*Entry     `json:"appImprovement"`
	Executions      map[string]*Execution `json:"executions"`
	OnDemand        []*OnDemandRequest    `json:"onDemand"`
}

// v1 task-type renames. Types mapping to "" are dropped.
var v1TypeRenames = map[string]string{
	"security-audit":  "security",
	"cos-enhancement": "",
}

func renameV1Type(name string) string {
	if renamed, ok := v1TypeRenames[name]; ok {
		return renamed
	}
	return name
}

// migrateDocument upgrades raw file bytes to the current schema. A v2 file
// passes through untouched, so migration is idempotent.
func migrateDocument(raw []byte) (*Document, bool, error) {
	var probe struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, false, err
	}

	if probe.Version >= DocumentVersion {
		doc := &Document{}
		if err := json.Unmarshal(raw, doc); err != nil {
			return nil, false, err
		}
		doc.normalize()
		return doc, false, nil
	}

	var old v1Document
	if err := json.Unmarshal(raw, &old); err != nil {
		return nil, false, err
	}

	doc := &Document{Version: DocumentVersion}
	doc.normalize()
	doc.OnDemand = old.OnDemand

	for name, entry := range old.SelfImprovement {
		if name = renameV1Type(name); name == "" || entry == nil {
			continue
		}
		doc.Tasks[name] = entry
	}
	for name, entry := range old.AppImprovement {
		if name = renameV1Type(name); name == "" || entry == nil {
			continue
		}
		// Self-improvement policy wins when both maps carried the type.
		if _, ok := doc.Tasks[name]; !ok {
			doc.Tasks[name] = entry
		}
	}

	for key, exec := range old.Executions {
		if exec == nil {
			continue
		}
		name := v1ExecutionTaskType(key)
		if name == "" {
			continue
		}
		mergeExecution(doc.Executions, executionKey(name), exec)
	}

	return doc, true, nil
}

// v1ExecutionTaskType maps a v1 execution key to its unified task type, or ""
// when the record should be dropped.
func v1ExecutionTaskType(key string) string {
	switch {
	case strings.HasPrefix(key, "self-improve:"):
		return renameV1Type(strings.TrimPrefix(key, "self-improve:"))
	case strings.HasPrefix(key, "app-improve:"):
		return renameV1Type(strings.TrimPrefix(key, "app-improve:"))
	case strings.HasPrefix(key, "task:"):
		return strings.TrimPrefix(key, "task:")
	default:
		return ""
	}
}

// mergeExecution folds src into dst[key]: counts sum, lastRun takes the max,
// per-app records union (merging recursively on collision).
func mergeExecution(dst map[string]*Execution, key string, src *Execution) {
	existing := dst[key]
	if existing == nil {
		copied := *src
		if src.PerApp != nil {
			copied.PerApp = make(map[string]*Execution, len(src.PerApp))
			for app, e := range src.PerApp {
				c := *e
				copied.PerApp[app] = &c
			}
		}
		dst[key] = &copied
		return
	}

	existing.Count += src.Count
	existing.LastRun = maxTime(existing.LastRun, src.LastRun)
	for app, e := range src.PerApp {
		if existing.PerApp == nil {
			existing.PerApp = make(map[string]*Execution)
		}
		if have := existing.PerApp[app]; have != nil {
			have.Count += e.Count
			have.LastRun = maxTime(have.LastRun, e.LastRun)
		} else {
			c := *e
			existing.PerApp[app] = &c
		}
	}
}

func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
