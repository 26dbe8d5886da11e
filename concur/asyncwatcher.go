package concur

import (
	"sort"
	"strings"
	"sync"
)

// AsyncWatcher is the watcher table MasterClient maintains: callbacks
// registered on a path fire for every notification of that path *or any of
// its descendants* (spec.md §4.2: "for every prefix of the notified path,
// the callbacks registered in a watcher table"). A dedicated callback thread
// (not modeled here — the caller supplies the goroutine) drains
// notifications and calls Notify for each.
//
// Grounded on original_source/src/AsyncWatcher.h.
type AsyncWatcher struct {
	mu    sync.Mutex
	byKey map[string][]func(path string)
}

func NewAsyncWatcher() *AsyncWatcher {
	return &AsyncWatcher{byKey: make(map[string][]func(path string))}
}

// Register adds cb under path; it fires whenever path or a descendant of
// path is notified.
func (w *AsyncWatcher) Register(path string, cb func(path string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.byKey[path] = append(w.byKey[path], cb)
}

// Unregister drops all callbacks registered under path.
func (w *AsyncWatcher) Unregister(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.byKey, path)
}

// Notify invokes, for every prefix of notifiedPath that has registered
// callbacks, those callbacks in registration order. A change at /a/b/c fires
// callbacks registered on /a, /a/b, and /a/b/c.
func (w *AsyncWatcher) Notify(notifiedPath string) {
	prefixes := pathPrefixes(notifiedPath)
	w.mu.Lock()
	var fire []func(string)
	for _, p := range prefixes {
		fire = append(fire, w.byKey[p]...)
	}
	w.mu.Unlock()
	for _, cb := range fire {
		cb(notifiedPath)
	}
}

// pathPrefixes returns every ancestor prefix of p (including p itself), from
// shallowest to deepest: "/a/b/c" -> ["/a", "/a/b", "/a/b/c"].
func pathPrefixes(p string) []string {
	if p == "" || p == "/" {
		return []string{"/"}
	}
	segs := strings.Split(strings.TrimPrefix(p, "/"), "/")
	prefixes := make([]string, 0, len(segs))
	cur := ""
	for _, s := range segs {
		cur += "/" + s
		prefixes = append(prefixes, cur)
	}
	sort.Strings(prefixes) // lexical == depth order here since "/a" < "/a/b"
	return prefixes
}
