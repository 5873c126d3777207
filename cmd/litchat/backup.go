package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"litchat/internal/config"
	"litchat/internal/store"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

const (
	backupDBName     = "chat.db"
	backupConfigName = "config.json"
)

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the chat database and config (sqlite driver)",
		Long: `Takes a consistent snapshot of the SQLite message store with VACUUM INTO,
safe while 'litchat serve' is running, and packs it with the config file
into a timestamped .tar.gz.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Store.Driver != "sqlite" {
				return fmt.Errorf("backup supports the sqlite driver only; use pg_dump for postgres")
			}

			if outputPath == "" {
				backupDir := filepath.Join(cfg.General.DataDir, "backups")
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("litchat-backup-%s.tar.gz", ts))
			}

			tmp, err := os.MkdirTemp("", "litchat-backup-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(tmp)

			snapshot := filepath.Join(tmp, backupDBName)
			if err := snapshotDB(cfg.Store.DBPath, snapshot); err != nil {
				return fmt.Errorf("snapshot database: %w", err)
			}

			entries := map[string]string{backupDBName: snapshot}
			if _, err := os.Stat(cfgPath); err == nil {
				entries[backupConfigName] = cfgPath
			}
			if err := createTarGz(outputPath, entries); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			for name, path := range entries {
				size := uint64(0)
				if info, err := os.Stat(path); err == nil {
					size = uint64(info.Size())
				}
				fmt.Printf("  - %s (%s)\n", name, humanize.Bytes(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: <dataDir>/backups/litchat-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore <file.tar.gz>",
		Short: "Restore the chat database and config from a backup archive",
		Long: `Restores the SQLite message store and configuration file from an archive
created by 'litchat backup'. Stop 'litchat serve' first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dbPath := cfg.Store.DBPath

			if !force {
				if _, err := os.Stat(dbPath); err == nil {
					fmt.Printf("WARNING: This will overwrite existing data.\n")
					fmt.Printf("  Database: %s\n", dbPath)
					fmt.Printf("  Config:   %s\n", cfgPath)
					fmt.Printf("Use --force to skip this warning.\n")
					return fmt.Errorf("restore aborted (use --force to proceed)")
				}
			}

			targets := map[string]string{
				backupDBName:     dbPath,
				backupConfigName: cfgPath,
			}
			restored, err := extractTarGz(args[0], targets)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			// A stale WAL would be replayed over the restored file.
			for _, suffix := range []string{"-wal", "-shm"} {
				if err := os.Remove(dbPath + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
					return err
				}
			}

			fmt.Printf("Restore completed from: %s\n", args[0])
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	return cmd
}

// snapshotDB writes a transactionally consistent copy of the database at
// dbPath to dest.
func snapshotDB(dbPath, dest string) error {
	if _, err := os.Stat(dbPath); err != nil {
		return err
	}
	st, err := store.NewSQLiteStore(config.ExpandPath(dbPath), store.Options{}, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	_, err = st.DB().ExecContext(ctx, "VACUUM INTO ?", dest)
	return err
}

// createTarGz writes entries (archive name -> source path) to outputPath.
func createTarGz(outputPath string, entries map[string]string) error {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	tarWriter := tar.NewWriter(gzWriter)

	for name, path := range entries {
		if err := addFileToTar(tarWriter, name, path); err != nil {
			return fmt.Errorf("add %s: %w", path, err)
		}
	}
	if err := tarWriter.Close(); err != nil {
		return err
	}
	if err := gzWriter.Close(); err != nil {
		return err
	}
	return outFile.Sync()
}

func addFileToTar(tw *tar.Writer, name, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}

// extractTarGz restores the archive members named in targets. Unknown
// members are skipped so a crafted archive cannot write elsewhere.
func extractTarGz(archivePath string, targets map[string]string) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	var restored []string
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		targetPath, ok := targets[header.Name]
		if !ok || header.Typeflag != tar.TypeReg {
			logger.Warn("skipping unexpected archive member", "name", header.Name)
			continue
		}

		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return nil, err
		}
		if err := writeFileFrom(targetPath, tarReader); err != nil {
			return nil, fmt.Errorf("extract %s: %w", targetPath, err)
		}
		restored = append(restored, targetPath)
	}
	if len(restored) == 0 {
		return nil, fmt.Errorf("archive contains no litchat data")
	}
	return restored, nil
}

// writeFileFrom replaces path atomically with the contents of r.
func writeFileFrom(path string, r io.Reader) error {
	tmp := path + ".restore"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
