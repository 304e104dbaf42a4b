// Package database implements the relational Database component (§2,
// §4.8): gorm-backed storage for registered remotes, process execution
// leases, and a tags table mirrored from the Index's tag edges so the
// HTTP surface can join against them without round-tripping through
// the graph database.
package database

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tangram.dev/tangram/pkg/config"
	"tangram.dev/tangram/pkg/terror"
)

// Remote is a registered sync peer (§6.5).
type Remote struct {
	gorm.Model
	Name  string `gorm:"uniqueIndex"`
	URL   string
	Token string
}

// Lease is a process execution lease, handed out to whichever runtime
// node is currently responsible for driving a process to completion
// (§4.8: "distributed scheduling hooks").
type Lease struct {
	gorm.Model
	ProcessID string `gorm:"uniqueIndex"`
	Holder    string
	ExpiresAt time.Time
}

// Tag mirrors one Index tag -> item pointer for relational joins from
// the HTTP surface (§4.8). The Index remains authoritative; this table
// is a read-optimized shadow, refreshed on every PutTag/DeleteTag.
type Tag struct {
	Name string `gorm:"primaryKey"`
	Item string
}

// Process is the relational record of a process's mutable state (§3.3,
// §3.5). Unlike Store's content-addressed objects, a process is
// identity-addressed and mutated in place by the runtime (status, log,
// children) until it finishes, which is why it lives in the Database
// component rather than the Store (§2's component table lists
// "processes" under Database).
type Process struct {
	ID            string `gorm:"primaryKey"`
	Command       string `gorm:"index"`
	ErrorCode     string
	ErrorMessage  string
	Log           *string
	Output        *string
	Children      string // JSON array of process IDs, spawn order
	Status        string `gorm:"index"`
	Exit          *int
	LastHeartbeat time.Time
	Cacheable     bool `gorm:"index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DB wraps the gorm connection and exposes the narrow set of queries
// the server needs, rather than leaking *gorm.DB to callers.
type DB struct {
	conn *gorm.DB
}

// Open connects to the configured driver and migrates the schema.
func Open(cfg config.DatabaseConfig) (*DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite", "":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "tangram.db"
		}
		dialector = sqlite.Open(dsn)
	default:
		return nil, terror.New(terror.Invalid, "unknown database driver %q", cfg.Driver)
	}

	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, terror.Wrap(terror.BackendUnavailable, err, "opening database")
	}

	if err := conn.AutoMigrate(&Remote{}, &Lease{}, &Tag{}, &Process{}); err != nil {
		return nil, terror.Wrap(terror.Internal, err, "migrating database schema")
	}

	return &DB{conn: conn}, nil
}

func (d *DB) Close() error {
	sqlDB, err := d.conn.DB()
	if err != nil {
		return terror.Wrap(terror.Internal, err, "unwrapping sql.DB")
	}
	return sqlDB.Close()
}

// PutRemote upserts a registered remote by name.
func (d *DB) PutRemote(ctx context.Context, name, url, token string) (Remote, error) {
	r := Remote{Name: name, URL: url, Token: token}
	err := d.conn.WithContext(ctx).
		Where(Remote{Name: name}).
		Assign(Remote{URL: url, Token: token}).
		FirstOrCreate(&r).Error
	if err != nil {
		return Remote{}, terror.Wrap(terror.Internal, err, "upserting remote %q", name)
	}
	return r, nil
}

// GetRemote looks up a remote by name.
func (d *DB) GetRemote(ctx context.Context, name string) (Remote, error) {
	var r Remote
	err := d.conn.WithContext(ctx).Where("name = ?", name).First(&r).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return Remote{}, terror.New(terror.NotFound, "remote %q not found", name)
		}
		return Remote{}, terror.Wrap(terror.Internal, err, "looking up remote %q", name)
	}
	return r, nil
}

// ListRemotes returns every registered remote.
func (d *DB) ListRemotes(ctx context.Context) ([]Remote, error) {
	var remotes []Remote
	if err := d.conn.WithContext(ctx).Find(&remotes).Error; err != nil {
		return nil, terror.Wrap(terror.Internal, err, "listing remotes")
	}
	return remotes, nil
}

// DeleteRemote removes a registered remote by name.
func (d *DB) DeleteRemote(ctx context.Context, name string) error {
	err := d.conn.WithContext(ctx).Where("name = ?", name).Delete(&Remote{}).Error
	if err != nil {
		return terror.Wrap(terror.Internal, err, "deleting remote %q", name)
	}
	return nil
}

// AcquireLease grants a process lease to holder if none exists or the
// existing one has expired, returning terror.Conflict otherwise.
func (d *DB) AcquireLease(ctx context.Context, processID, holder string, ttl time.Duration) (Lease, error) {
	var lease Lease
	now := time.Now()
	err := d.conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Lease
		err := tx.Where("process_id = ?", processID).First(&existing).Error
		switch {
		case err == gorm.ErrRecordNotFound:
			lease = Lease{ProcessID: processID, Holder: holder, ExpiresAt: now.Add(ttl)}
			return tx.Create(&lease).Error
		case err != nil:
			return err
		case existing.ExpiresAt.After(now) && existing.Holder != holder:
			return terror.New(terror.Conflict, "process %s already leased to %s", processID, existing.Holder)
		default:
			existing.Holder = holder
			existing.ExpiresAt = now.Add(ttl)
			lease = existing
			return tx.Save(&existing).Error
		}
	})
	if err != nil {
		if terror.Is(err, terror.Conflict) {
			return Lease{}, err
		}
		return Lease{}, terror.Wrap(terror.Internal, err, "acquiring lease for %s", processID)
	}
	return lease, nil
}

// ReleaseLease drops a held lease.
func (d *DB) ReleaseLease(ctx context.Context, processID string) error {
	err := d.conn.WithContext(ctx).Where("process_id = ?", processID).Delete(&Lease{}).Error
	if err != nil {
		return terror.Wrap(terror.Internal, err, "releasing lease for %s", processID)
	}
	return nil
}

// PutTag mirrors a tag write from the Index into the relational shadow
// table.
func (d *DB) PutTag(ctx context.Context, name, item string) error {
	err := d.conn.WithContext(ctx).
		Where(Tag{Name: name}).
		Assign(Tag{Item: item}).
		FirstOrCreate(&Tag{Name: name, Item: item}).Error
	if err != nil {
		return terror.Wrap(terror.Internal, err, "mirroring tag %q", name)
	}
	return nil
}

// DeleteTag removes a tag from the relational shadow table.
func (d *DB) DeleteTag(ctx context.Context, name string) error {
	err := d.conn.WithContext(ctx).Where("name = ?", name).Delete(&Tag{}).Error
	if err != nil {
		return terror.Wrap(terror.Internal, err, "removing mirrored tag %q", name)
	}
	return nil
}

// ResolveTag reads a tag from the relational shadow table, for HTTP
// handlers that want a joinable lookup rather than a round trip
// through the Index.
func (d *DB) ResolveTag(ctx context.Context, name string) (string, error) {
	var tag Tag
	err := d.conn.WithContext(ctx).Where("name = ?", name).First(&tag).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return "", terror.New(terror.NotFound, "tag %q not found", name)
		}
		return "", terror.Wrap(terror.Internal, err, "resolving tag %q", name)
	}
	return tag.Item, nil
}

// CreateProcess inserts a freshly-spawned process in the Created status.
func (d *DB) CreateProcess(ctx context.Context, id, command string, cacheable bool) (Process, error) {
	p := Process{
		ID:        id,
		Command:   command,
		Status:    "created",
		Cacheable: cacheable,
		Children:  "[]",
	}
	if err := d.conn.WithContext(ctx).Create(&p).Error; err != nil {
		return Process{}, terror.Wrap(terror.Internal, err, "creating process %s", id)
	}
	return p, nil
}

// GetProcess fetches a process record by ID.
func (d *DB) GetProcess(ctx context.Context, id string) (Process, error) {
	var p Process
	err := d.conn.WithContext(ctx).Where("id = ?", id).First(&p).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return Process{}, terror.New(terror.NotFound, "process %s not found", id)
		}
		return Process{}, terror.Wrap(terror.Internal, err, "looking up process %s", id)
	}
	return p, nil
}

// FindCacheableMatch looks up an existing finished, cacheable process
// with an equal command, so a new spawn of the same command can share
// its output instead of re-running (§3.3: "two cacheable processes
// with equal commands share output").
func (d *DB) FindCacheableMatch(ctx context.Context, command string) (Process, bool, error) {
	var p Process
	err := d.conn.WithContext(ctx).
		Where("command = ? AND cacheable = ? AND status = ?", command, true, "finished").
		Order("created_at asc").
		First(&p).Error
	if err == gorm.ErrRecordNotFound {
		return Process{}, false, nil
	}
	if err != nil {
		return Process{}, false, terror.Wrap(terror.Internal, err, "looking up cacheable match for command %s", command)
	}
	return p, true, nil
}

// AdvanceStatus moves a process to the next status, enforcing the
// created -> enqueued -> started -> finished monotonic order (§3.4) at
// the storage layer as well as in pkg/process's in-memory type.
func (d *DB) AdvanceStatus(ctx context.Context, id, from, to string) error {
	res := d.conn.WithContext(ctx).Model(&Process{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	if res.Error != nil {
		return terror.Wrap(terror.Internal, res.Error, "advancing process %s to %s", id, to)
	}
	if res.RowsAffected == 0 {
		return terror.New(terror.Invalid, "process %s cannot advance from %s to %s", id, from, to)
	}
	return nil
}

// Heartbeat records a liveness pulse for a started process.
func (d *DB) Heartbeat(ctx context.Context, id string, at time.Time) error {
	res := d.conn.WithContext(ctx).Model(&Process{}).
		Where("id = ? AND status = ?", id, "started").
		Update("last_heartbeat", at)
	if res.Error != nil {
		return terror.Wrap(terror.Internal, res.Error, "recording heartbeat for process %s", id)
	}
	if res.RowsAffected == 0 {
		return terror.New(terror.Invalid, "process %s is not started", id)
	}
	return nil
}

// AppendChild appends a child process referent, in spawn order.
func (d *DB) AppendChild(ctx context.Context, id, child string) error {
	return d.conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p Process
		if err := tx.Where("id = ?", id).First(&p).Error; err != nil {
			return err
		}
		var children []string
		_ = json.Unmarshal([]byte(p.Children), &children)
		children = append(children, child)
		encoded, err := json.Marshal(children)
		if err != nil {
			return err
		}
		return tx.Model(&p).Update("children", string(encoded)).Error
	})
}

// Finish finalizes a started process with its exit code, optional
// error, log, and output, advancing it to finished. After Finish a
// process is immutable (§3.5).
func (d *DB) Finish(ctx context.Context, id string, exit int, errCode, errMessage string, log, output *string) error {
	updates := map[string]any{
		"status":        "finished",
		"exit":          exit,
		"error_code":    errCode,
		"error_message": errMessage,
		"log":           log,
		"output":        output,
	}
	res := d.conn.WithContext(ctx).Model(&Process{}).
		Where("id = ? AND status = ?", id, "started").
		Updates(updates)
	if res.Error != nil {
		return terror.Wrap(terror.Internal, res.Error, "finishing process %s", id)
	}
	if res.RowsAffected == 0 {
		return terror.New(terror.Invalid, "process %s is not started", id)
	}
	return nil
}

// ListHeartbeatExpired returns started processes whose last heartbeat
// predates cutoff, for the watchdog's cancellation scan (§4.6).
func (d *DB) ListHeartbeatExpired(ctx context.Context, cutoff time.Time) ([]Process, error) {
	var procs []Process
	err := d.conn.WithContext(ctx).
		Where("status = ? AND last_heartbeat < ?", "started", cutoff).
		Find(&procs).Error
	if err != nil {
		return nil, terror.Wrap(terror.Internal, err, "scanning for heartbeat-expired processes")
	}
	return procs, nil
}
