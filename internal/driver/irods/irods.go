// Package irods implements the FilesystemDriver capability (§6) over iRODS
// by shelling out to the icommands client (ils, imeta, ichksum): no Go
// iRODS client exists in this module's dependency set, and the icommands
// are the one interface guaranteed present wherever an iRODS zone is
// usable from a batch node.
package irods

import (
	"bufio"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/wtsi-hgi/shepherd/internal/capability"
	"github.com/wtsi-hgi/shepherd/internal/query"
	"github.com/wtsi-hgi/shepherd/pkg/shepherdapi"
)

const defaultMaxConcurrency = 4

// Driver implements capability.FilesystemDriver over an iRODS zone via
// icommands. Only md5 checksums are supported, matching iRODS's native
// checksum scheme.
type Driver struct {
	zone   string
	logger logger.Logger
	run    func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// New constructs an iRODS driver. options may set "zone", used only for
// logging context (icommands resolve the zone from the active iRODS
// environment, not from a flag here).
func New(options map[string]any) (capability.FilesystemDriver, error) {
	zone, _ := options["zone"].(string)
	return &Driver{
		zone:   zone,
		logger: logger.NewLogger().Child("driver.irods"),
		run:    runCommand,
	}, nil
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

func (d *Driver) MaxConcurrencyDefault() int { return defaultMaxConcurrency }

// Query lists the data objects under source (an iRODS collection) via
// `ils -l --recursive`, filtering each candidate against criteria. Custom
// metadata predicates (`:key`) require a per-object `imeta ls` call, so
// queries that use them are materially slower.
func (d *Driver) Query(ctx context.Context, source shepherdapi.Address, criteria *query.Query) (<-chan shepherdapi.DataItemStub, <-chan error) {
	out := make(chan shepherdapi.DataItemStub)
	errs := make(chan error, 1)

	collection := string(source)
	if criteria != nil && len(criteria.Source.Roots) > 0 {
		collection = criteria.Source.Roots[0]
	}

	go func() {
		defer close(out)
		defer close(errs)

		entries, err := d.listRecursive(ctx, collection)
		if err != nil {
			errs <- err
			return
		}

		for _, entry := range entries {
			stat := &shepherdapi.Stat{Size: &entry.size, MTime: &entry.mtime}

			if criteria != nil && needsMetadata(criteria.Where) {
				meta, err := d.metadata(ctx, entry.path)
				if err != nil {
					errs <- err
					return
				}
				stat.Metadata = meta
			}

			if criteria != nil && criteria.Where != nil {
				ok, err := query.Evaluate(criteria.Where, query.Candidate{Address: shepherdapi.Address(entry.path), Stat: stat})
				if err != nil {
					errs <- err
					return
				}
				if !ok {
					continue
				}
			}

			out <- shepherdapi.DataItemStub{Address: shepherdapi.Address(entry.path), Stat: stat}
		}
	}()

	return out, errs
}

func needsMetadata(expr query.Expr) bool {
	switch e := expr.(type) {
	case *query.Predicate:
		return e.IsMetadata
	case *query.And:
		return needsMetadata(e.Left) || needsMetadata(e.Right)
	case *query.Or:
		return needsMetadata(e.Left) || needsMetadata(e.Right)
	default:
		return false
	}
}

type dataObject struct {
	path  string
	size  int64
	mtime time.Time
}

// listRecursive parses `ils -l --recursive`'s output: collection headers
// ("/zone/path:") followed by indented data-object lines
// ("  owner  replica  resource  size  date  &  name").
func (d *Driver) listRecursive(ctx context.Context, collection string) ([]dataObject, error) {
	output, err := d.run(ctx, "ils", "-l", "--recursive", collection)
	if err != nil {
		return nil, shepherdapi.Wrap(shepherdapi.KindConfiguration, err, "ils -l --recursive %s", collection)
	}

	var entries []dataObject
	currentCollection := collection

	scanner := bufio.NewScanner(strings.NewReader(string(output)))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasSuffix(line, ":") && !strings.HasPrefix(line, "  ") {
			currentCollection = strings.TrimSuffix(line, ":")
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}

		// icommands `ils -l` columns: owner, replica#, resource, size, date, '&', name.
		size, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil {
			continue // a collection marker ("C- ...") or other non-data-object line
		}

		name := fields[len(fields)-1]
		entries = append(entries, dataObject{
			path: currentCollection + "/" + name,
			size: size,
			mtime: time.Now(), // ils does not print a parseable timestamp without -A; left to a future iquest-based enrichment
		})
	}
	return entries, scanner.Err()
}

// metadata runs `imeta ls -d` for a single data object and parses its
// AVU (attribute-value-unit) triples into a flat map.
func (d *Driver) metadata(ctx context.Context, address string) (map[string]string, error) {
	output, err := d.run(ctx, "imeta", "ls", "-d", address)
	if err != nil {
		return nil, shepherdapi.Wrap(shepherdapi.KindConfiguration, err, "imeta ls -d %s", address)
	}

	meta := make(map[string]string)
	var attr string
	scanner := bufio.NewScanner(strings.NewReader(string(output)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "attribute:"):
			attr = strings.TrimSpace(strings.TrimPrefix(line, "attribute:"))
		case strings.HasPrefix(line, "value:") && attr != "":
			meta[attr] = strings.TrimSpace(strings.TrimPrefix(line, "value:"))
			attr = ""
		}
	}
	return meta, scanner.Err()
}

// Stat reports size and metadata for a single data object via `ils -l` and
// `imeta ls -d`.
func (d *Driver) Stat(ctx context.Context, address shepherdapi.Address) (*shepherdapi.Stat, error) {
	collection, name := splitPath(string(address))
	entries, err := d.listRecursive(ctx, collection)
	if err != nil {
		return nil, err
	}

	for _, e := range entries {
		if e.path == collection+"/"+name {
			meta, err := d.metadata(ctx, string(address))
			if err != nil {
				return nil, err
			}
			return &shepherdapi.Stat{Size: &e.size, MTime: &e.mtime, Metadata: meta}, nil
		}
	}
	return nil, shepherdapi.New(shepherdapi.KindConfiguration, "no such iRODS data object %s", address)
}

func splitPath(address string) (collection, name string) {
	idx := strings.LastIndex(address, "/")
	if idx < 0 {
		return "", address
	}
	return address[:idx], address[idx+1:]
}

// Checksum runs `ichksum` and parses its "name  hashtype:digest" output.
// Only md5 is supported, matching iRODS's native checksum scheme.
func (d *Driver) Checksum(ctx context.Context, algorithm string, address shepherdapi.Address) (shepherdapi.Checksum, error) {
	if !strings.EqualFold(algorithm, "md5") {
		return shepherdapi.Checksum{}, shepherdapi.New(shepherdapi.KindConfiguration, "iRODS only supports md5 checksums, got %q", algorithm)
	}

	output, err := d.run(ctx, "ichksum", string(address))
	if err != nil {
		return shepherdapi.Checksum{}, shepherdapi.Wrap(shepherdapi.KindConfiguration, err, "ichksum %s", address)
	}

	fields := strings.Fields(string(output))
	if len(fields) == 0 {
		return shepherdapi.Checksum{}, shepherdapi.New(shepherdapi.KindConfiguration, "unexpected ichksum output for %s", address)
	}
	digest := fields[len(fields)-1]
	digest = strings.TrimPrefix(digest, "md5:")

	return shepherdapi.Checksum{Algorithm: "md5", Digest: digest}, nil
}
