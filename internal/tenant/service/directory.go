package service

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/tokenledger/internal/config"
	obslogger "github.com/smallbiznis/tokenledger/internal/observability/logger"
	tenantdomain "github.com/smallbiznis/tokenledger/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

const (
	tenantsDir     = "tenants"
	storeFileName  = "brain.db"
	maxUserIDBytes = 128
	storePragmas   = "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	userLockShards = 32
)

type Params struct {
	fx.In

	Cfg     config.Config
	Log     *zap.Logger
	GormLog obslogger.GormLoggerConfig `optional:"true"`
}

type Directory struct {
	root    string
	log     *zap.Logger
	gormCfg obslogger.GormLoggerConfig

	group singleflight.Group
	// userLocks serialise opening and deleting the same tenant.
	userLocks [userLockShards]sync.Mutex

	mu      sync.Mutex
	handles map[string]*tenantdomain.Handle
	closed  bool
}

func NewDirectory(p Params) (*Directory, error) {
	base := strings.TrimSpace(p.Cfg.Tenant.BasePath)
	if base == "" {
		base = "."
	}
	root := filepath.Join(base, tenantsDir)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create tenant root: %w", err)
	}

	gormCfg := obslogger.DefaultGormLoggerConfig()
	if p.GormLog != (obslogger.GormLoggerConfig{}) {
		gormCfg = p.GormLog
	}

	return &Directory{
		root:    root,
		log:     p.Log.Named("tenant.directory"),
		gormCfg: gormCfg,
		handles: map[string]*tenantdomain.Handle{},
	}, nil
}

func (d *Directory) Resolve(ctx context.Context, userID string) (*tenantdomain.Handle, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	if handle, err := d.cached(userID); handle != nil || err != nil {
		return handle, err
	}

	return d.open(ctx, userID, false)
}

func (d *Directory) Provision(ctx context.Context, userID string) (*tenantdomain.Handle, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	if handle, err := d.cached(userID); handle != nil || err != nil {
		return handle, err
	}
	return d.open(ctx, userID, true)
}

func (d *Directory) Exists(ctx context.Context, userID string) (bool, error) {
	if err := validateUserID(userID); err != nil {
		return false, err
	}
	info, err := os.Stat(d.storePath(userID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

// List returns the ids of every provisioned tenant, sorted.
func (d *Directory) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("read tenant root: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if validateUserID(entry.Name()) != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(d.root, entry.Name(), storeFileName)); err != nil {
			continue
		}
		ids = append(ids, entry.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete closes the tenant's handle and removes its directory. Deleting an
// unknown tenant is not an error.
func (d *Directory) Delete(ctx context.Context, userID string) error {
	if err := validateUserID(userID); err != nil {
		return err
	}

	lock := d.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	d.mu.Lock()
	handle := d.handles[userID]
	delete(d.handles, userID)
	d.mu.Unlock()

	if handle != nil {
		if err := closeHandle(handle); err != nil {
			d.log.Warn("close tenant store failed", zap.String("user_id", userID), zap.Error(err))
		}
	}

	if err := os.RemoveAll(filepath.Join(d.root, userID)); err != nil {
		return fmt.Errorf("remove tenant %s: %w", userID, err)
	}
	obslogger.WithContext(ctx, d.log).Info("tenant deleted", zap.String("user_id", userID))
	return nil
}

func (d *Directory) Close() error {
	d.mu.Lock()
	handles := d.handles
	d.handles = map[string]*tenantdomain.Handle{}
	d.closed = true
	d.mu.Unlock()

	var errs []error
	for _, handle := range handles {
		if err := closeHandle(handle); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Directory) cached(userID string) (*tenantdomain.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, tenantdomain.ErrDirectoryClosed
	}
	return d.handles[userID], nil
}

// open creates or opens the store once per user even under concurrent
// callers. Without create a missing store is ErrTenantNotFound.
func (d *Directory) open(ctx context.Context, userID string, create bool) (*tenantdomain.Handle, error) {
	key := "open:" + userID
	if create {
		key = "create:" + userID
	}
	v, err, _ := d.group.Do(key, func() (any, error) {
		lock := d.userLock(userID)
		lock.Lock()
		defer lock.Unlock()

		if handle, err := d.cached(userID); handle != nil || err != nil {
			return handle, err
		}
		if !create {
			exists, err := d.Exists(ctx, userID)
			if err != nil {
				return nil, err
			}
			if !exists {
				return nil, tenantdomain.ErrTenantNotFound
			}
		}

		handle, err := d.provision(ctx, userID)
		if err != nil {
			return nil, err
		}

		d.mu.Lock()
		defer d.mu.Unlock()
		if d.closed {
			_ = closeHandle(handle)
			return nil, tenantdomain.ErrDirectoryClosed
		}
		d.handles[userID] = handle
		return handle, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tenantdomain.Handle), nil
}

func (d *Directory) userLock(userID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &d.userLocks[h.Sum32()%userLockShards]
}

func (d *Directory) provision(ctx context.Context, userID string) (*tenantdomain.Handle, error) {
	dir := filepath.Join(d.root, userID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create tenant dir: %w", err)
	}

	path := d.storePath(userID)
	conn, err := gorm.Open(sqlite.Open(path+storePragmas), &gorm.Config{
		Logger: obslogger.NewGormLogger(d.log, d.gormCfg),
	})
	if err != nil {
		return nil, fmt.Errorf("open tenant store: %w", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := conn.WithContext(ctx).AutoMigrate(tenantdomain.Models()...); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("init tenant schema: %w", err)
	}

	obslogger.WithContext(ctx, d.log).Info("tenant store opened", zap.String("user_id", userID))
	return &tenantdomain.Handle{UserID: userID, Path: path, DB: conn}, nil
}

func (d *Directory) storePath(userID string) string {
	return filepath.Join(d.root, userID, storeFileName)
}

func closeHandle(handle *tenantdomain.Handle) error {
	if handle == nil || handle.DB == nil {
		return nil
	}
	sqlDB, err := handle.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// validateUserID keeps every tenant inside its own directory under the root.
func validateUserID(userID string) error {
	if userID == "" || len(userID) > maxUserIDBytes || strings.TrimSpace(userID) != userID {
		return tenantdomain.ErrInvalidUserID
	}
	if userID == "." || userID == ".." || strings.Contains(userID, "..") {
		return tenantdomain.ErrInvalidUserID
	}
	if strings.ContainsAny(userID, `/\:`) || strings.ContainsRune(userID, 0) {
		return tenantdomain.ErrInvalidUserID
	}
	return nil
}
