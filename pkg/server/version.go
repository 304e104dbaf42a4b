package server

import (
	"os"
	"path/filepath"
	"strings"

	"tangram.dev/tangram/pkg/terror"
)

// onDiskVersion is the only data-directory layout version this build
// understands (§6.4): a single monotonic version counter, not a
// migration chain.
const onDiskVersion = "0"

// checkOrWriteVersion stamps a fresh data directory with the current
// version, or refuses to start against an incompatible one. A
// mismatch means the directory needs cmd/tangram-migrate, not this
// server.
func checkOrWriteVersion(dataDir string) error {
	path := filepath.Join(dataDir, "version")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return os.WriteFile(path, []byte(onDiskVersion+"\n"), 0o644)
	}
	if err != nil {
		return terror.Wrap(terror.Internal, err, "reading version file %s", path)
	}

	version := strings.TrimSpace(string(data))
	if version != onDiskVersion {
		return terror.New(terror.Invalid, "data directory %s is at version %q, this server understands %q; run tangram-migrate", dataDir, version, onDiskVersion)
	}
	return nil
}
