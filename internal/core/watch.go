package core

import (
	"context"
	"path/filepath"

	"github.com/breeze-rmm/patchext/internal/state"
	"github.com/fsnotify/fsnotify"
)

// watchSupersede calls cancel once ExtState.json names a sequence other than
// seq. The config folder is watched rather than the file because the file is
// replaced by rename on every write.
func watchSupersede(ctx context.Context, store *state.Store, seq int, cancel func(newSeq int)) (stop func(), err error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsWatcher.Add(filepath.Dir(store.ExtPath())); err != nil {
		fsWatcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case event, ok := <-fsWatcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != state.ExtStateFile {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				ext, err := store.ReadExt()
				if err != nil || ext == nil {
					continue
				}
				if ext.Number != seq {
					log.Info("newer sequence requested", "seq", seq, "newSeq", ext.Number)
					cancel(ext.Number)
					return
				}
			case err, ok := <-fsWatcher.Errors:
				if !ok {
					return
				}
				log.Warn("extension state watch error", "error", err)
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		fsWatcher.Close()
		<-done
	}, nil
}
