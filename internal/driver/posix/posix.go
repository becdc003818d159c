// Package posix implements the FilesystemDriver capability (§6) over a
// local or network-mounted POSIX filesystem: walking directory trees or a
// file-of-filenames, evaluating the targeting-query DSL with os.Stat
// metadata, and computing checksums via the standard hash registry.
// Grounded on the reference POSIXFilesystem's walk/fofn/checksum split.
package posix

import (
	"bufio"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/wtsi-hgi/shepherd/internal/capability"
	"github.com/wtsi-hgi/shepherd/internal/query"
	"github.com/wtsi-hgi/shepherd/pkg/shepherdapi"
)

const defaultMaxConcurrency = 8

// Driver implements capability.FilesystemDriver over a POSIX tree. POSIX
// filesystems carry no key-value metadata, so any `:key` predicate in a
// query is UnsupportedPredicate.
type Driver struct {
	logger logger.Logger
}

// New constructs a POSIX driver. options is accepted to satisfy
// capability.DriverFactory's signature; this driver takes none.
func New(map[string]any) (capability.FilesystemDriver, error) {
	return &Driver{logger: logger.NewLogger().Child("driver.posix")}, nil
}

func (d *Driver) MaxConcurrencyDefault() int { return defaultMaxConcurrency }

// Stat reports the attributes os.Stat/os.Lstat can answer; POSIX has no
// Metadata beyond that.
func (d *Driver) Stat(_ context.Context, address shepherdapi.Address) (*shepherdapi.Stat, error) {
	info, err := os.Stat(string(address))
	if err != nil {
		return nil, shepherdapi.Wrap(shepherdapi.KindConfiguration, err, "stat %s", address)
	}

	size := info.Size()
	mtime := info.ModTime()
	owner, group := ownerGroup(info)

	return &shepherdapi.Stat{
		Size:  &size,
		MTime: &mtime,
		Owner: owner,
		Group: group,
	}, nil
}

// Query evaluates criteria (parsed via internal/query) against either an
// explicit set of root paths or a file-of-filenames, streaming matches on
// the returned channel. A predicate referencing unsupported attributes
// (i.e. metadata) aborts the walk with UnsupportedPredicate on the error
// channel.
func (d *Driver) Query(ctx context.Context, source shepherdapi.Address, criteria *query.Query) (<-chan shepherdapi.DataItemStub, <-chan error) {
	out := make(chan shepherdapi.DataItemStub)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		var err error
		if criteria != nil && criteria.Source.IsFile {
			err = d.queryFromFile(ctx, criteria, out)
		} else {
			roots := []string{string(source)}
			if criteria != nil && len(criteria.Source.Roots) > 0 {
				roots = criteria.Source.Roots
			}
			err = d.queryRoots(ctx, roots, criteria, out)
		}
		if err != nil {
			errs <- err
		}
	}()

	return out, errs
}

func (d *Driver) queryRoots(ctx context.Context, roots []string, criteria *query.Query, out chan<- shepherdapi.DataItemStub) error {
	for _, root := range roots {
		depth0 := strings.Count(filepath.Clean(root), string(filepath.Separator))

		err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if info.IsDir() {
				return nil
			}

			depth := strings.Count(filepath.Clean(path), string(filepath.Separator)) - depth0
			return d.emitIfMatch(path, depth, info, criteria, out)
		})
		if err != nil {
			if shepherdapi.KindOf(err) == shepherdapi.KindUnsupportedPredicate {
				return err
			}
			return shepherdapi.Wrap(shepherdapi.KindConfiguration, err, "walking %s", root)
		}
	}
	return nil
}

func (d *Driver) emitIfMatch(path string, depth int, info os.FileInfo, criteria *query.Query, out chan<- shepherdapi.DataItemStub) error {
	size := info.Size()
	mtime := info.ModTime()
	owner, group := ownerGroup(info)
	stat := &shepherdapi.Stat{Size: &size, MTime: &mtime, Owner: owner, Group: group}

	if criteria != nil && criteria.Where != nil {
		ok, err := query.Evaluate(criteria.Where, query.Candidate{Address: shepherdapi.Address(path), Depth: depth, Stat: stat})
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}

	out <- shepherdapi.DataItemStub{Address: shepherdapi.Address(path), Stat: stat}
	return nil
}

func (d *Driver) queryFromFile(ctx context.Context, criteria *query.Query, out chan<- shepherdapi.DataItemStub) error {
	f, err := os.Open(criteria.Source.FromFile)
	if err != nil {
		return shepherdapi.Wrap(shepherdapi.KindConfiguration, err, "opening file-of-filenames %s", criteria.Source.FromFile)
	}
	defer f.Close()

	var r io.Reader = f
	if criteria.Source.Compressed {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return shepherdapi.Wrap(shepherdapi.KindConfiguration, err, "opening compressed file-of-filenames %s", criteria.Source.FromFile)
		}
		defer gz.Close()
		r = gz
	}

	delim := byte('\n')
	if criteria.Source.HasDelim {
		delim = criteria.Source.DelimitedBy
	}

	scanner := bufio.NewScanner(r)
	scanner.Split(splitOn(delim))

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		info, err := os.Stat(line)
		if err != nil {
			return shepherdapi.Wrap(shepherdapi.KindConfiguration, err, "stat %s from file-of-filenames", line)
		}
		if err := d.emitIfMatch(line, 0, info, criteria, out); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func splitOn(delim byte) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (advance int, token []byte, err error) {
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}
		if i := strings.IndexByte(string(data), delim); i >= 0 {
			return i + 1, data[:i], nil
		}
		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
}

// Checksum hashes address with the named algorithm; only sha256 is
// supported directly (the standard library's broader hash registry needs
// blank imports this driver doesn't carry), anything else is a
// ConfigurationError.
func (d *Driver) Checksum(algorithm string, address shepherdapi.Address) (shepherdapi.Checksum, error) {
	if !strings.EqualFold(algorithm, "sha256") {
		return shepherdapi.Checksum{}, shepherdapi.New(shepherdapi.KindConfiguration, "unsupported checksum algorithm %q", algorithm)
	}

	f, err := os.Open(string(address))
	if err != nil {
		return shepherdapi.Checksum{}, shepherdapi.Wrap(shepherdapi.KindConfiguration, err, "opening %s for checksum", address)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return shepherdapi.Checksum{}, shepherdapi.Wrap(shepherdapi.KindConfiguration, err, "hashing %s", address)
	}

	return shepherdapi.Checksum{Algorithm: "sha256", Digest: hex.EncodeToString(h.Sum(nil))}, nil
}
