package main

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"wabridge/internal/config"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// Archive members are stored as "<role>/<file>" so restore can map them back
// to the configured locations even when paths differ between hosts.
const (
	roleSession = "session"
	roleRelay   = "relay"
	roleConfig  = "config"
)

// backupTargets maps each role to the file it backs up.
func backupTargets(cfgPath string, cfg *config.Config) map[string]string {
	t := map[string]string{
		roleSession: cfg.Session.StorePath,
		roleConfig:  cfgPath,
	}
	if cfg.Store.Enabled {
		t[roleRelay] = cfg.Store.DBPath
	}
	return t
}

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up the linked session, the relay database and the config",
		Long: `Creates a .tar.gz archive with the whatsmeow session store, the relay
journal/archive database and the config file. Stop the relay first for a
consistent copy of the databases.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			if outputPath == "" {
				backupDir := filepath.Join(cfg.General.DataDir, "backups")
				if err := os.MkdirAll(backupDir, 0o700); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("wabridge-backup-%s.tar.gz", ts))
			}

			written, err := writeBackup(outputPath, backupTargets(cfgPath, cfg))
			if err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}
			if len(written) == 0 {
				os.Remove(outputPath)
				return errors.New("nothing to back up: no session, database or config file found")
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			for _, m := range written {
				fmt.Printf("  - %-32s %s\n", m.name, humanize.Bytes(uint64(m.size)))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file (default: <dataDir>/backups/wabridge-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore <file.tar.gz>",
		Short: "Restore the session, relay database and config from a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			targets := backupTargets(cfgPath, cfg)
			// Restore the journal even when the current config disables it.
			targets[roleRelay] = cfg.Store.DBPath

			if !force {
				for role, p := range targets {
					if _, err := os.Stat(p); err == nil {
						fmt.Printf("WARNING: %s file %s exists and would be overwritten.\n", role, p)
						return errors.New("restore aborted (use --force to proceed)")
					}
				}
			}

			restored, err := restoreBackup(args[0], targets)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			fmt.Printf("Restored from %s:\n", args[0])
			for _, p := range restored {
				fmt.Printf("  - %s\n", p)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}

type member struct {
	name string
	size int64
}

// writeBackup archives each target (plus SQLite -wal/-shm companions) that
// exists. Missing files are skipped.
func writeBackup(outputPath string, targets map[string]string) ([]member, error) {
	out, err := os.OpenFile(outputPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	var written []member
	for _, role := range []string{roleConfig, roleSession, roleRelay} {
		p, ok := targets[role]
		if !ok || p == "" {
			continue
		}
		for _, suffix := range []string{"", "-wal", "-shm"} {
			m, err := addToTar(tw, role, p+suffix)
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("add %s: %w", p+suffix, err)
			}
			written = append(written, m)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return written, out.Close()
}

func addToTar(tw *tar.Writer, role, filePath string) (member, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return member{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return member{}, err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return member{}, err
	}
	hdr.Name = role + "/" + filepath.Base(filePath)
	if err := tw.WriteHeader(hdr); err != nil {
		return member{}, err
	}
	if _, err := io.Copy(tw, f); err != nil {
		return member{}, err
	}
	return member{name: hdr.Name, size: info.Size()}, nil
}

// restoreBackup writes each archive member to the target of its role. The
// -wal/-shm suffix of a member is carried over to the target path. Members of
// unknown roles are skipped.
func restoreBackup(archivePath string, targets map[string]string) ([]string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var restored []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		role, base := path.Split(path.Clean(hdr.Name))
		target, ok := targets[path.Clean(role)]
		if !ok || target == "" {
			continue
		}
		for _, suffix := range []string{"-wal", "-shm"} {
			if len(base) > len(suffix) && base[len(base)-len(suffix):] == suffix {
				target += suffix
				break
			}
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
			return nil, err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", target, err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return nil, fmt.Errorf("extract %s: %w", target, err)
		}
		if err := out.Close(); err != nil {
			return nil, err
		}
		restored = append(restored, target)
	}
	return restored, nil
}
