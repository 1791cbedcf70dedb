package owner

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Velocidex/ttlcache/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
	"github.com/shirou/gopsutil/v4/common"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/sirupsen/logrus"

	"tcpview/internal/conntable"
)

const defaultCacheTTL = 5 * time.Second

// Scanner walks /proc/<pid>/fd looking for socket inodes.
type Scanner struct {
	fs    procfs.FS
	cache *ttlcache.Cache
	log   logrus.FieldLogger

	// LookupUser maps a pid to its owner's login name.
	LookupUser func(pid int) string
}

// NewScanner opens the procfs mount at root ("/proc" if empty). Per-process
// details are cached for ttl.
func NewScanner(root string, ttl time.Duration, log logrus.FieldLogger) (*Scanner, error) {
	if root == "" {
		root = procfs.DefaultMountPoint
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	fs, err := procfs.NewFS(root)
	if err != nil {
		return nil, errors.Wrapf(err, "open procfs at %s", root)
	}
	cache := ttlcache.NewCache()
	if err := cache.SetTTL(ttl); err != nil {
		return nil, errors.Wrap(err, "configure owner cache")
	}
	// A pid may be reused; let entries expire even when hot.
	cache.SkipTTLExtensionOnHit(true)

	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scanner{
		fs:         fs,
		cache:      cache,
		log:        log.WithField("component", "owner"),
		LookupUser: userLookup(root),
	}, nil
}

// Close releases the cache.
func (s *Scanner) Close() error {
	return s.cache.Close()
}

// Resolve finds the owning process of each requested inode.
func (s *Scanner) Resolve(ctx context.Context, reqs []Request) (map[conntable.Key]Reply, error) {
	out := make(map[conntable.Key]Reply)
	want := make(map[uint64][]conntable.Key, len(reqs))
	for _, r := range reqs {
		if r.Inode == 0 {
			continue
		}
		want[r.Inode] = append(want[r.Inode], r.Key)
	}
	if len(want) == 0 {
		return out, nil
	}

	procs, err := s.fs.AllProcs()
	if err != nil {
		return nil, errors.Wrap(err, "list processes")
	}
	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		targets, err := p.FileDescriptorTargets()
		if err != nil {
			// Exited, or not ours to inspect.
			continue
		}
		for _, target := range targets {
			inode, ok := socketInode(target)
			if !ok {
				continue
			}
			keys, ok := want[inode]
			if !ok {
				continue
			}
			reply := s.details(p)
			for _, k := range keys {
				out[k] = reply
			}
			delete(want, inode)
		}
		if len(want) == 0 {
			break
		}
	}
	return out, nil
}

func (s *Scanner) details(p procfs.Proc) Reply {
	cacheKey := strconv.Itoa(p.PID)
	if v, err := s.cache.Get(cacheKey); err == nil {
		if r, ok := v.(Reply); ok {
			return r
		}
	}

	r := Reply{PID: p.PID}
	if exe, err := p.Executable(); err == nil && exe != "" {
		r.Exe = filepath.Base(strings.TrimSuffix(exe, " (deleted)"))
	}
	if r.Exe == "" {
		if comm, err := p.Comm(); err == nil {
			r.Exe = comm
		}
	}
	if cmd, err := p.CmdLine(); err == nil {
		r.Cmdline = cmd
	}
	if s.LookupUser != nil {
		r.User = s.LookupUser(p.PID)
	}

	if err := s.cache.Set(cacheKey, r); err != nil {
		s.log.WithError(err).WithField("pid", p.PID).Debug("owner cache set failed")
	}
	return r
}

// socketInode extracts N from a "socket:[N]" fd link.
func socketInode(target string) (uint64, bool) {
	rest, ok := strings.CutPrefix(target, "socket:[")
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, "]")
	if !ok {
		return 0, false
	}
	inode, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return inode, true
}

// userLookup reads process owners from the procfs mount at root. The
// process is addressed directly since gopsutil's existence check only
// honours root when it is a real mount.
func userLookup(root string) func(pid int) string {
	ctx := context.WithValue(context.Background(), common.EnvKey, common.EnvMap{common.HostProcEnvKey: root})
	return func(pid int) string {
		p := &process.Process{Pid: int32(pid)}
		if name, err := p.UsernameWithContext(ctx); err == nil {
			return name
		}
		if uids, err := p.UidsWithContext(ctx); err == nil && len(uids) > 0 {
			return strconv.FormatUint(uint64(uids[0]), 10)
		}
		return ""
	}
}
