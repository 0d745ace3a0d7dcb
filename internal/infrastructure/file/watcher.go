package file

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/poolmux/poolmux/internal/core/domain"
)

const debounceWindow = 200 * time.Millisecond

// WatchPolicy re-reads the policy file when it changes on disk and hands
// the parsed document to apply. The directory is watched rather than the
// file, so editors and atomic writers that replace the file keep the
// watch alive. Burst writes collapse through a short debounce.
func (s *Store) WatchPolicy(ctx context.Context, apply func(domain.Policy)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(s.policyPath)); err != nil {
		_ = watcher.Close()
		return err
	}

	go s.watchLoop(ctx, watcher, apply)
	s.logger.Info().Str("path", s.policyPath).Msg("watching policy file")
	return nil
}

func (s *Store) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, apply func(domain.Policy)) {
	defer func() {
		_ = watcher.Close()
	}()

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.policyPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(debounceWindow)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn().Err(err).Msg("policy watch error")
		case <-pending:
			pending = nil
			p, err := s.LoadPolicy(ctx)
			if err != nil {
				s.logger.Warn().Err(err).Msg("policy file unreadable, keeping current")
				continue
			}
			s.logger.Info().Str("path", s.policyPath).Msg("policy file changed")
			apply(*p)
		}
	}
}
