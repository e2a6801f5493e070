package objectindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/custodia-labs/ingestd/internal/connectors/eventjson"
	"github.com/custodia-labs/ingestd/internal/connectors/vendorhttp"
	"github.com/custodia-labs/ingestd/internal/core/domain"
)

// errObjectGone reports an indexed object that no longer exists.
var errObjectGone = errors.New("object no longer exists")

// object is one entry of the index.
type object struct {
	ID       uint64
	Name     string
	Location string
	Checksum string
}

// backend lists and retrieves objects.
type backend interface {
	// List returns the index sorted by id. A missing index is NotReady.
	List(ctx context.Context) ([]object, error)

	// Open returns a local, seekable copy of obj. The copy is released by
	// Close. Returns errObjectGone when obj has disappeared.
	Open(ctx context.Context, obj object) (io.ReadSeekCloser, error)
}

// sortObjects orders by id and drops duplicate ids, keeping the first.
func sortObjects(objs []object) []object {
	slices.SortStableFunc(objs, func(a, b object) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
	return slices.CompactFunc(objs, func(a, b object) bool { return a.ID == b.ID })
}

// httpBackend reads a JSON index over HTTP and downloads objects to
// temporary files.
type httpBackend struct {
	cfg    *Config
	client *vendorhttp.Client
}

func (b *httpBackend) List(ctx context.Context) ([]object, error) {
	resp, err := b.client.Do(ctx, "list index", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.IndexURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		if vendorhttp.StatusCode(err) == http.StatusNotFound {
			return nil, domain.NotReady("list index", err)
		}
		return nil, err
	}

	raw, err := eventjson.Lookup(resp.Body, b.cfg.ObjectsField)
	if errors.Is(err, eventjson.ErrFieldMissing) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Transient("decode index", err)
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, domain.Transient("decode index", fmt.Errorf("objects are not an array: %w", err))
	}

	base, err := url.Parse(b.cfg.IndexURL)
	if err != nil {
		return nil, domain.FatalConfig("list index", err)
	}
	objs := make([]object, 0, len(entries))
	for i, entry := range entries {
		obj, err := b.entry(base, entry)
		if err != nil {
			return nil, domain.Transient("decode index", fmt.Errorf("entry %d: %w", i, err))
		}
		objs = append(objs, obj)
	}
	return sortObjects(objs), nil
}

func (b *httpBackend) entry(base *url.URL, entry json.RawMessage) (object, error) {
	var obj object
	idv, err := eventjson.Lookup(entry, b.cfg.ObjectIDField)
	if err != nil {
		return obj, err
	}
	if obj.ID, err = strconv.ParseUint(eventjson.String(idv), 10, 64); err != nil {
		return obj, fmt.Errorf("object id: %w", err)
	}
	uv, err := eventjson.Lookup(entry, b.cfg.URLField)
	if err != nil {
		return obj, err
	}
	ref, err := url.Parse(eventjson.String(uv))
	if err != nil {
		return obj, fmt.Errorf("object url: %w", err)
	}
	obj.Location = base.ResolveReference(ref).String()
	if cv, err := eventjson.Lookup(entry, b.cfg.ChecksumField); err == nil {
		obj.Checksum = strings.ToLower(eventjson.String(cv))
	}
	if nv, err := eventjson.Lookup(entry, b.cfg.NameField); err == nil {
		obj.Name = eventjson.String(nv)
	}
	if obj.Name == "" {
		obj.Name = path.Base(ref.Path)
	}
	return obj, nil
}

func (b *httpBackend) Open(ctx context.Context, obj object) (io.ReadSeekCloser, error) {
	body, _, err := b.client.Open(ctx, "download object", func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, obj.Location, nil)
	})
	if err != nil {
		if code := vendorhttp.StatusCode(err); code == http.StatusNotFound || code == http.StatusGone {
			return nil, fmt.Errorf("%s: %w", obj.Name, errObjectGone)
		}
		return nil, err
	}
	defer body.Close()

	f, err := os.CreateTemp("", "ingestd-object-*")
	if err != nil {
		return nil, domain.Transient("spool object", err)
	}
	spool := &tempFile{File: f}
	n, err := io.Copy(f, io.LimitReader(body, b.cfg.MaxObjectBytes+1))
	if err != nil {
		spool.Close()
		return nil, domain.Transient("download object", err)
	}
	if n > b.cfg.MaxObjectBytes {
		spool.Close()
		return nil, domain.FatalConfig("download object", fmt.Errorf("%s is larger than max_object_bytes (%d)", obj.Name, b.cfg.MaxObjectBytes))
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		spool.Close()
		return nil, domain.Transient("spool object", err)
	}
	return spool, nil
}

// tempFile removes itself on Close.
type tempFile struct {
	*os.File
}

func (t *tempFile) Close() error {
	err := t.File.Close()
	if rerr := os.Remove(t.Name()); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
		return errors.Join(err, rerr)
	}
	return err
}

// objectName matches file names that start with an object id.
var objectName = regexp.MustCompile(`^(\d+)`)

// checksumSuffix marks checksum sidecar files.
const checksumSuffix = ".sha256"

// parseObjectName returns the id of a data file name.
func parseObjectName(name string) (uint64, bool) {
	if strings.HasSuffix(name, checksumSuffix) || strings.HasSuffix(name, ".tmp") || strings.HasSuffix(name, ".partial") {
		return 0, false
	}
	m := objectName.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseUint(m[1], 10, 64)
	return id, err == nil
}

// dirBackend reads objects from a local directory.
type dirBackend struct {
	cfg *Config
}

func (b *dirBackend) List(_ context.Context) ([]object, error) {
	entries, err := os.ReadDir(b.cfg.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, domain.NotReady("list dir", fmt.Errorf("%s: %w", b.cfg.Dir, domain.ErrNotReady))
	}
	if err != nil {
		return nil, domain.Transient("list dir", err)
	}

	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		names[e.Name()] = true
	}

	var objs []object
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		id, ok := parseObjectName(e.Name())
		if !ok {
			continue
		}
		obj := object{ID: id, Name: e.Name(), Location: filepath.Join(b.cfg.Dir, e.Name())}
		if names[e.Name()+checksumSuffix] {
			sum, err := readSidecar(obj.Location + checksumSuffix)
			if err != nil {
				return nil, domain.Transient("list dir", err)
			}
			obj.Checksum = sum
		}
		objs = append(objs, obj)
	}
	return sortObjects(objs), nil
}

// readSidecar reads a checksum in sha256sum output format.
func readSidecar(name string) (string, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return "", err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "", fmt.Errorf("%s: empty checksum file", name)
	}
	return strings.ToLower(fields[0]), nil
}

func (b *dirBackend) Open(_ context.Context, obj object) (io.ReadSeekCloser, error) {
	f, err := os.Open(obj.Location)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", obj.Name, errObjectGone)
	}
	if err != nil {
		return nil, domain.Transient("open object", err)
	}
	return f, nil
}
