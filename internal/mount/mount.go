// Package mount exposes the record set as a read-only FUSE file system with
// one directory per day and one file per status.
package mount

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/agentworkforce/tootsync/internal/archive"
)

type File struct {
	Name    string
	Content []byte
	ModTime time.Time
}

type Dir struct {
	Name  string
	Files []File
}

// BuildTree lays records out as /{YYYY-MM-DD}/{HHMM}_{id}.md, days and
// files in archive order.
func BuildTree(records archive.Records, loc *time.Location) []Dir {
	if loc == nil {
		loc = time.UTC
	}
	days := archive.GroupByDay(records, loc)
	out := make([]Dir, 0, len(days))
	for _, day := range days {
		dir := Dir{Name: day.Date, Files: make([]File, 0, len(day.Records))}
		for _, rec := range day.Records {
			dir.Files = append(dir.Files, File{
				Name:    rec.CreatedAt.In(loc).Format("1504") + "_" + rec.ID + ".md",
				Content: []byte(rec.Block),
				ModTime: rec.CreatedAt,
			})
		}
		out = append(out, dir)
	}
	return out
}

type root struct {
	fs.Inode
	tree []Dir
}

var _ = (fs.NodeOnAdder)((*root)(nil))

func (r *root) OnAdd(ctx context.Context) {
	for _, day := range r.tree {
		dir := r.NewPersistentInode(ctx, &fs.Inode{}, fs.StableAttr{Mode: fuse.S_IFDIR})
		r.AddChild(day.Name, dir, false)
		for _, file := range day.Files {
			node := &fs.MemRegularFile{
				Data: file.Content,
				Attr: fuse.Attr{
					Mode:  0o444,
					Mtime: uint64(file.ModTime.Unix()),
				},
			}
			dir.AddChild(file.Name, dir.NewPersistentInode(ctx, node, fs.StableAttr{}), false)
		}
	}
}

type Options struct {
	Dir      string
	Location *time.Location
	Debug    bool
	Logger   *slog.Logger
}

// Serve mounts records at opts.Dir and blocks until ctx is done, then
// unmounts.
func Serve(ctx context.Context, records archive.Records, opts Options) error {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return errors.New("mount dir is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	tree := BuildTree(records, opts.Location)
	ttl := time.Hour
	server, err := fs.Mount(dir, &root{tree: tree}, &fs.Options{
		EntryTimeout: &ttl,
		AttrTimeout:  &ttl,
		MountOptions: fuse.MountOptions{
			Name:    "tootsync",
			FsName:  "tootsync",
			Options: []string{"ro"},
			Debug:   opts.Debug,
		},
	})
	if err != nil {
		return fmt.Errorf("mount %s: %w", dir, err)
	}
	logger.Info("archive mounted", "dir", dir, "days", len(tree), "records", len(records))

	go func() {
		<-ctx.Done()
		if err := server.Unmount(); err != nil && !errors.Is(err, syscall.EINVAL) {
			logger.Error("unmount failed", "dir", dir, "error", err)
		}
	}()
	server.Wait()
	logger.Info("archive unmounted", "dir", dir)
	return nil
}
