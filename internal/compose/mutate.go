package compose

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/zulandar/llmdock/internal/filelock"
	"github.com/zulandar/llmdock/internal/registry"
)

// mutate runs one locked rewrite: pre-flight check, backup, registry change,
// regenerate, validate, swap. Any failure after the backup restores both the
// artifact and the registry.
func (m *Manager) mutate(ctx context.Context, op string, check, apply func() error) error {
	return filelock.With(m.LockPath(), func() error {
		if check != nil {
			if err := check(); err != nil {
				return err
			}
		}

		original, err := os.ReadFile(m.path)
		if err != nil {
			return fmt.Errorf("compose: read artifact: %w", err)
		}
		if _, _, err := Split(string(original)); err != nil {
			return err
		}
		info, err := os.Stat(m.path)
		if err != nil {
			return fmt.Errorf("compose: stat artifact: %w", err)
		}

		if err := os.WriteFile(m.BackupPath(), original, info.Mode().Perm()); err != nil {
			return fmt.Errorf("compose: backup: %w", err)
		}
		snap, err := m.reg.Snapshot()
		if err != nil {
			return err
		}

		err = m.rewrite(ctx, op, string(original), info.Mode().Perm(), apply)
		if err == nil {
			m.metrics.ComposeRewrite("ok")
			m.log.Info().Str("op", op).Str("file", m.path).Msg("compose artifact updated")
			return nil
		}

		if rerr := m.rollback(snap); rerr != nil {
			m.metrics.ComposeRewrite("fatal")
			rb := &RollbackError{Cause: err, Restore: rerr, Backup: m.BackupPath()}
			m.log.WithLevel(zerolog.FatalLevel).Err(rb).Str("op", op).Msg("compose rollback failed")
			return rb
		}
		if errors.Is(err, ErrExternalValidation) {
			m.metrics.ComposeRewrite("rejected")
		} else {
			m.metrics.ComposeRewrite("rolled_back")
		}
		m.log.Warn().Err(err).Str("op", op).Msg("compose rewrite rolled back")
		return err
	})
}

func (m *Manager) rewrite(ctx context.Context, op, original string, perm os.FileMode, apply func() error) error {
	tmp := m.tempPath()
	defer os.Remove(tmp)

	if apply != nil {
		if err := apply(); err != nil {
			return err
		}
	}

	entries, err := m.reg.List()
	if err != nil {
		return err
	}
	blocks := make([]string, 0, len(entries))
	for _, e := range entries {
		text, err := m.renderer.RenderText(e.Name, e.Definition)
		if err != nil {
			return err
		}
		blocks = append(blocks, text)
	}

	candidate, err := Splice(original, Body(blocks))
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, []byte(candidate), perm); err != nil {
		return fmt.Errorf("compose: write temp: %w", err)
	}

	res := m.validator.Validate(ctx, tmp)
	switch res.Verdict {
	case Fail:
		return &CheckError{Output: res.Output}
	case Unavailable:
		m.log.Warn().Str("op", op).Str("reason", res.Output).Msg("compose validator unavailable, skipping validation")
	}

	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("compose: replace artifact: %w", err)
	}
	return nil
}

// rollback restores the artifact from the backup and the registry from snap.
func (m *Manager) rollback(snap registry.Snapshot) error {
	var errs []error
	data, err := os.ReadFile(m.BackupPath())
	if err != nil {
		errs = append(errs, fmt.Errorf("read backup: %w", err))
	} else if err := restoreFile(m.path, data); err != nil {
		errs = append(errs, err)
	}
	if err := m.reg.Restore(snap); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func restoreFile(path string, data []byte) error {
	info, err := os.Stat(path)
	perm := os.FileMode(0o644)
	if err == nil {
		perm = info.Mode().Perm()
	}
	tmp := path + ".restore"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("write restore: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("restore artifact: %w", err)
	}
	return nil
}
