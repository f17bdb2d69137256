package main

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"syncwake/internal/config"
	"syncwake/internal/state"

	"github.com/spf13/cobra"
)

// Archive entries are stored as "config/<name>" or "state/<name>".
const (
	archiveConfig = "config"
	archiveState  = "state"
)

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a backup of syncwake state (cursors, cooldowns, config)",
		Long: `Creates a compressed .tar.gz archive containing the cursor and cooldown
state of the configured backend and the configuration file. The backup is
timestamped by default. Stop 'syncwake run' first for a consistent copy.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			if outputPath == "" {
				backupDir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("syncwake-backup-%s.tar.gz", ts))
			}

			entries := backupEntries(cfgPath, stateConfig(cfg))
			if len(entries) == 0 {
				return fmt.Errorf("no files to backup (config: %s)", cfgPath)
			}

			if err := createTarGz(outputPath, entries); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			fmt.Printf("Files included: %d\n", len(entries))
			for _, e := range entries {
				size := int64(0)
				if info, err := os.Stat(e.path); err == nil {
					size = info.Size()
				}
				fmt.Printf("  - %s (%s)\n", e.name, humanSize(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: ~/.syncwake/backups/syncwake-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var inputPath string
	var force bool

	cmd := &cobra.Command{
		Use:   "restore [file.tar.gz]",
		Short: "Restore syncwake state from a backup archive",
		Long: `Restores cursors, cooldowns and the configuration file from a .tar.gz
backup archive created by 'syncwake backup'. State files go to the locations
named by the current config, or the defaults when there is none.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if inputPath == "" && len(args) > 0 {
				inputPath = args[0]
			}
			if inputPath == "" {
				return fmt.Errorf("specify a backup file: syncwake restore <file.tar.gz>")
			}

			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				cfg = config.Defaults()
				cfg.ExpandPaths()
			}
			sc := stateConfig(cfg)

			// Safety: warn before overwriting
			if !force {
				var existing []string
				for _, p := range append([]string{cfgPath}, sc.Files()...) {
					if _, err := os.Stat(p); err == nil {
						existing = append(existing, p)
					}
				}
				if len(existing) > 0 {
					fmt.Printf("WARNING: This will overwrite existing data:\n")
					for _, p := range existing {
						fmt.Printf("  %s\n", p)
					}
					fmt.Printf("Use --force to skip this warning.\n")
					return fmt.Errorf("restore aborted (use --force to proceed)")
				}
			}

			restored, err := extractTarGz(inputPath, cfgPath, sc)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}

			fmt.Printf("Restore completed from: %s\n", inputPath)
			fmt.Printf("Files restored: %d\n", len(restored))
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "backup file to restore from")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	return cmd
}

type archiveEntry struct {
	name string // path inside the archive
	path string // path on disk
}

// backupEntries lists the existing config and state files.
func backupEntries(cfgPath string, sc state.Config) []archiveEntry {
	var entries []archiveEntry
	if _, err := os.Stat(cfgPath); err == nil {
		entries = append(entries, archiveEntry{name: path.Join(archiveConfig, filepath.Base(cfgPath)), path: cfgPath})
	}
	for _, p := range sc.Files() {
		if _, err := os.Stat(p); err == nil {
			entries = append(entries, archiveEntry{name: path.Join(archiveState, filepath.Base(p)), path: p})
		}
	}
	return entries
}

// createTarGz creates a .tar.gz archive from the given entries.
func createTarGz(outputPath string, entries []archiveEntry) error {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	defer gzWriter.Close()

	tarWriter := tar.NewWriter(gzWriter)
	defer tarWriter.Close()

	for _, e := range entries {
		if err := addFileToTar(tarWriter, e); err != nil {
			return fmt.Errorf("add %s: %w", e.path, err)
		}
	}

	return nil
}

func addFileToTar(tw *tar.Writer, e archiveEntry) error {
	file, err := os.Open(e.path)
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
	header.Name = e.name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	_, err = io.Copy(tw, file)
	return err
}

// restoreTarget maps an archive entry to its location under the current
// config. Unknown entries are skipped.
func restoreTarget(name, cfgPath string, sc state.Config) (string, bool) {
	dir, base := path.Split(path.Clean(name))
	switch strings.TrimSuffix(dir, "/") {
	case archiveConfig:
		return cfgPath, true
	case archiveState:
		for _, p := range sc.Files() {
			if filepath.Base(p) == base {
				return p, true
			}
		}
		// An archive from the other backend still restores its sqlite files
		// next to the configured database.
		if sc.DBPath != "" {
			for _, suffix := range []string{"-wal", "-shm", ""} {
				if strings.HasSuffix(base, ".db"+suffix) {
					return sc.DBPath + suffix, true
				}
			}
		}
	}
	return "", false
}

// extractTarGz extracts the config and state files from a backup archive.
func extractTarGz(archivePath, cfgPath string, sc state.Config) ([]string, error) {
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
		if header.Typeflag != tar.TypeReg {
			continue
		}

		targetPath, ok := restoreTarget(header.Name, cfgPath, sc)
		if !ok {
			logger.Warn("skipping unknown archive entry", "name", header.Name)
			continue
		}

		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return nil, err
		}

		outFile, err := os.Create(targetPath)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", targetPath, err)
		}

		if _, err := io.Copy(outFile, tarReader); err != nil {
			outFile.Close()
			return nil, fmt.Errorf("extract %s: %w", targetPath, err)
		}
		outFile.Close()

		restored = append(restored, targetPath)
	}

	return restored, nil
}

func humanSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
