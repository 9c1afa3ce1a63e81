package fsops

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"spacesync/pkg/domain"
)

// StartListening watches the ops directory and pushes ops appended by other
// writers. Logs present before the call are treated as already loaded.
func (l *Layer) StartListening(ctx context.Context, fn domain.OpsHandler) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	base := filepath.Join(l.root, opsDir)
	if err := os.MkdirAll(base, 0o750); err != nil {
		_ = w.Close()
		return err
	}
	t := &tail{layer: l, watcher: w, offsets: make(map[string]int64), fn: fn}
	if err := t.addTree(base, false); err != nil {
		_ = w.Close()
		return err
	}
	go t.run(ctx)
	return nil
}

type tail struct {
	layer   *Layer
	watcher *fsnotify.Watcher
	offsets map[string]int64
	fn      domain.OpsHandler
}

// addTree watches dir and its subdirectories. Existing logs are skipped to
// their end unless deliver is set, in which case their content is pushed.
func (t *tail) addTree(dir string, deliver bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return t.watcher.Add(path)
		}
		if !t.isForeignLog(path) {
			return nil
		}
		if deliver {
			t.deliver(path)
			return nil
		}
		if info, err := d.Info(); err == nil {
			t.offsets[path] = info.Size()
		}
		return nil
	})
}

func (t *tail) isForeignLog(path string) bool {
	name := filepath.Base(path)
	return strings.HasSuffix(name, logExt) && name != t.layer.writer+logExt
}

func (t *tail) run(ctx context.Context) {
	defer func() { _ = t.watcher.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			t.handle(ev)
		case _, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (t *tail) handle(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	info, err := os.Stat(ev.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		// a new shard or tree directory may already hold logs
		_ = t.addTree(ev.Name, true)
		return
	}
	if t.isForeignLog(ev.Name) {
		t.deliver(ev.Name)
	}
}

func (t *tail) deliver(path string) {
	ops, next, err := readLog(path, t.offsets[path])
	if err != nil {
		return
	}
	t.offsets[path] = next
	if len(ops) == 0 {
		return
	}
	t.fn(filepath.Base(filepath.Dir(path)), ops)
}
