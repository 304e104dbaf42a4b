// Command tangram-migrate stamps or verifies a tangram data
// directory's on-disk layout version (§6.4): a single monotonic
// counter, not a migration chain. It exists for the one transition
// that counter ever needs to survive - bringing a data directory
// predating the version file up to date - with a backup-before-migrate,
// dry-run-first shape.
package main

import (
	"flag"
	"log"
	"os"
	"path/filepath"
	"strings"
)

const currentVersion = "0"

var (
	dataDir    = flag.String("data-dir", "", "tangram server data directory")
	dryRun     = flag.Bool("dry-run", false, "show what would be migrated without making changes")
	backupPath = flag.String("backup", "", "path to back up the version file before migrating (default: <data-dir>/version.backup)")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Tangram data directory migration tool")
	log.Println("======================================")

	if *dataDir == "" {
		log.Fatal("-data-dir is required")
	}
	versionPath := filepath.Join(*dataDir, "version")
	log.Printf("data directory: %s", *dataDir)
	log.Printf("dry run: %v", *dryRun)

	data, err := os.ReadFile(versionPath)
	switch {
	case os.IsNotExist(err):
		log.Printf("no version file found; this directory predates on-disk versioning")
		if *dryRun {
			log.Printf("[dry run] would write version file with %q", currentVersion)
			return
		}
		if err := os.WriteFile(versionPath, []byte(currentVersion+"\n"), 0o644); err != nil {
			log.Fatalf("writing version file: %v", err)
		}
		log.Printf("✓ stamped %s with version %q", versionPath, currentVersion)
		return
	case err != nil:
		log.Fatalf("reading version file %s: %v", versionPath, err)
	}

	version := strings.TrimSpace(string(data))
	log.Printf("current version: %q", version)
	if version == currentVersion {
		log.Println("✓ data directory is already at the current version; nothing to do")
		return
	}

	log.Printf("unrecognized version %q; this tool only understands %q", version, currentVersion)
	if *dryRun {
		log.Println("[dry run] refusing to guess a migration path; no changes made")
		return
	}

	backup := *backupPath
	if backup == "" {
		backup = versionPath + ".backup"
	}
	log.Printf("backing up version file to %s", backup)
	if err := os.WriteFile(backup, data, 0o644); err != nil {
		log.Fatalf("backing up version file: %v", err)
	}

	log.Fatalf("no known migration from version %q to %q; manual intervention required", version, currentVersion)
}
