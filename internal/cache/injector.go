package cache

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/sugar-network/sugar/internal/bundle"
	"github.com/sugar-network/sugar/internal/db"
	"github.com/sugar-network/sugar/internal/solver"
)

// Event is one progress record emitted during checkin and launch.
type Event map[string]any

// EventFunc receives progress events; nil sinks are allowed.
type EventFunc func(Event)

// Source provides solver runs and blob payloads, either from a local
// volume or proxied from a node.
type Source interface {
	Solve(ctx context.Context, guid string, opts solver.Options) (solver.Solution, error)
	OpenBlob(ctx context.Context, digest string) (*db.BlobMeta, io.ReadCloser, error)
	APIURL() string
	ReleaseSeqno(ctx context.Context) (int64, error)
	ResolveMIME(ctx context.Context, mimeType string) (string, error)
}

// PackageInstaller installs distro packages named by package contexts.
// The concrete installer is a platform plug-in.
type PackageInstaller interface {
	Install(ctx context.Context, packages []string) error
}

// VolumeSource adapts a local volume to the Source interface.
type VolumeSource struct {
	Vol *db.Volume
	URL string
}

func (s *VolumeSource) Solve(ctx context.Context, guid string, opts solver.Options) (solver.Solution, error) {
	return solver.Solve(ctx, s.Vol, guid, opts)
}

func (s *VolumeSource) OpenBlob(ctx context.Context, digest string) (*db.BlobMeta, io.ReadCloser, error) {
	return s.Vol.Blobs().Get(ctx, digest)
}

func (s *VolumeSource) APIURL() string { return s.URL }

func (s *VolumeSource) ReleaseSeqno(context.Context) (int64, error) {
	return s.Vol.ReleaseSeqno().Value(), nil
}

// ResolveMIME finds the context hosting documents of the given type.
func (s *VolumeSource) ResolveMIME(ctx context.Context, mimeType string) (string, error) {
	contexts, err := s.Vol.Directory("context")
	if err != nil {
		return "", err
	}
	matched, _, err := contexts.Find(ctx, db.Query{
		Filters: map[string]string{"mime_types": mimeType},
		Limit:   1,
	})
	if err != nil {
		return "", err
	}
	if len(matched) == 0 {
		return "", fmt.Errorf("%w: no application for %s", db.ErrNotFound, mimeType)
	}
	return matched[0].GUID, nil
}

// Injector resolves, downloads and launches releases out of the pool.
type Injector struct {
	root      string // profile directory: solutions/, checkins, logs/
	pool      *Pool
	source    Source
	installer PackageInstaller
}

// NewInjector binds a profile directory, a pool and a release source.
func NewInjector(root string, pool *Pool, source Source, installer PackageInstaller) (*Injector, error) {
	for _, dir := range []string{root, filepath.Join(root, "solutions"), filepath.Join(root, "logs")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &Injector{root: root, pool: pool, source: source, installer: installer}, nil
}

// cachedSolution serializes as [api_url, stability, release_seqno, solution].
type cachedSolution struct {
	API       string
	Stability []string
	Seqno     int64
	Solution  solver.Solution
}

func (c cachedSolution) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{c.API, c.Stability, c.Seqno, c.Solution})
}

func (c *cachedSolution) UnmarshalJSON(data []byte) error {
	doc := []any{&c.API, &c.Stability, &c.Seqno, &c.Solution}
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	if len(doc) != 4 {
		return fmt.Errorf("cache: corrupt solution record")
	}
	return nil
}

// checkinEntry serializes as [api_url, stability, release_seqno].
type checkinEntry struct {
	API       string
	Stability []string
	Seqno     int64
}

func (c checkinEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{c.API, c.Stability, c.Seqno})
}

func (c *checkinEntry) UnmarshalJSON(data []byte) error {
	doc := []any{&c.API, &c.Stability, &c.Seqno}
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	if len(doc) != 3 {
		return fmt.Errorf("cache: corrupt checkin record")
	}
	return nil
}

func (inj *Injector) solutionPath(guid string) string {
	return filepath.Join(inj.root, "solutions", guid)
}

func (inj *Injector) checkinsPath() string {
	return filepath.Join(inj.root, "checkins")
}

// solve returns a cached solution when its key still matches, resolving
// and re-caching otherwise.
func (inj *Injector) solve(ctx context.Context, guid string, stability []string) (solver.Solution, int64, error) {
	if len(stability) == 0 {
		stability = []string{"stable"}
	}
	seqno, err := inj.source.ReleaseSeqno(ctx)
	if err != nil {
		return nil, 0, err
	}
	if cached := inj.loadSolution(guid); cached != nil &&
		cached.API == inj.source.APIURL() &&
		sameList(cached.Stability, stability) &&
		cached.Seqno == seqno {
		return cached.Solution, seqno, nil
	}
	sol, err := inj.source.Solve(ctx, guid, solver.Options{Stability: stability})
	if err != nil {
		return nil, 0, err
	}
	if sol == nil {
		return nil, 0, fmt.Errorf("%w: no solution for %s", db.ErrNotFound, guid)
	}
	inj.storeSolution(guid, &cachedSolution{
		API:       inj.source.APIURL(),
		Stability: stability,
		Seqno:     seqno,
		Solution:  sol,
	})
	return sol, seqno, nil
}

func (inj *Injector) loadSolution(guid string) *cachedSolution {
	data, err := os.ReadFile(inj.solutionPath(guid))
	if err != nil {
		return nil
	}
	var cached cachedSolution
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil
	}
	return &cached
}

func (inj *Injector) storeSolution(guid string, cached *cachedSolution) {
	data, err := json.Marshal(cached)
	if err != nil {
		return
	}
	tmp := inj.solutionPath(guid) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	if err := os.Rename(tmp, inj.solutionPath(guid)); err != nil {
		log.Printf("cache: store solution %s: %v", guid, err)
	}
}

// InvalidateSolution drops the cached solution for a context.
func (inj *Injector) InvalidateSolution(guid string) {
	os.Remove(inj.solutionPath(guid))
}

func (inj *Injector) loadCheckins() map[string]checkinEntry {
	out := make(map[string]checkinEntry)
	data, err := os.ReadFile(inj.checkinsPath())
	if err != nil {
		return out
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return make(map[string]checkinEntry)
	}
	return out
}

func (inj *Injector) saveCheckins(checkins map[string]checkinEntry) error {
	data, err := json.Marshal(checkins)
	if err != nil {
		return err
	}
	tmp := inj.checkinsPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, inj.checkinsPath())
}

// CheckedIn reports whether the context is pinned.
func (inj *Injector) CheckedIn(guid string) bool {
	_, ok := inj.loadCheckins()[guid]
	return ok
}

// Checkins lists pinned contexts with the release seqno each one was
// solved against.
func (inj *Injector) Checkins() map[string]int64 {
	checkins := inj.loadCheckins()
	out := make(map[string]int64, len(checkins))
	for guid, entry := range checkins {
		out[guid] = entry.Seqno
	}
	return out
}

// Checkin solves the context, downloads its blobs and pins them so the
// pool cannot recycle them.
func (inj *Injector) Checkin(ctx context.Context, guid string, stability []string, emit EventFunc) (solver.Solution, error) {
	note := func(state string) {
		if emit != nil {
			emit(Event{"event": "checkin", "context": guid, "state": state})
		}
	}
	note("solve")
	sol, seqno, err := inj.solve(ctx, guid, stability)
	if err != nil {
		return nil, err
	}
	note("download")
	if err := inj.download(ctx, sol); err != nil {
		return nil, err
	}
	if err := inj.installPackages(ctx, sol, note); err != nil {
		return nil, err
	}
	for _, digest := range solutionBlobs(sol) {
		if _, err := inj.pool.Pop(digest); err != nil {
			return nil, err
		}
	}
	checkins := inj.loadCheckins()
	checkins[guid] = checkinEntry{API: inj.source.APIURL(), Stability: stability, Seqno: seqno}
	if err := inj.saveCheckins(checkins); err != nil {
		return nil, err
	}
	note("ready")
	return sol, nil
}

// Checkout unpins a context, handing its blobs back to the pool.
func (inj *Injector) Checkout(guid string) error {
	checkins := inj.loadCheckins()
	if _, ok := checkins[guid]; !ok {
		return nil
	}
	if cached := inj.loadSolution(guid); cached != nil {
		for _, digest := range solutionBlobs(cached.Solution) {
			if size, err := diskUsage(inj.pool.Path(digest)); err == nil {
				if err := inj.pool.Push(digest, size); err != nil {
					return err
				}
			}
		}
	}
	delete(checkins, guid)
	return inj.saveCheckins(checkins)
}

// LaunchOptions direct one activity launch.
type LaunchOptions struct {
	Context    string
	Stability  []string
	App        string // explicit host application for documents
	ActivityID string
	ObjectID   string
	URI        string
	Args       []string
}

// Launch resolves and runs the context's command as a child process,
// emitting a state event at each pipeline stage. Non-activity contexts
// are opened through an application resolved by MIME type.
func (inj *Injector) Launch(ctx context.Context, opts LaunchOptions, emit EventFunc) error {
	note := func(fields Event) {
		if emit == nil {
			return
		}
		if _, ok := fields["event"]; !ok {
			fields["event"] = "launch"
		}
		fields["context"] = opts.Context
		emit(fields)
	}
	note(Event{"state": "init"})
	err := inj.launch(ctx, opts, note)
	if err != nil {
		note(Event{"event": "failure", "error": err.Error()})
		return err
	}
	note(Event{"state": "exit"})
	return nil
}

func (inj *Injector) launch(ctx context.Context, opts LaunchOptions, note func(Event)) error {
	note(Event{"state": "solve"})
	sol, _, err := inj.solve(ctx, opts.Context, opts.Stability)
	if err != nil {
		return err
	}

	// documents launch through a host application
	launchContext := opts.Context
	documentURI := ""
	top := sol[opts.Context]
	if contentType, _ := top["content-type"].(string); contentType != "" && contentType != bundle.ActivityContentType {
		app := opts.App
		if app == "" {
			app, err = inj.source.ResolveMIME(ctx, contentType)
			if err != nil {
				return err
			}
		}
		if digest, _ := top["blob"].(string); digest != "" {
			documentURI = inj.pool.Path(digest)
		}
		appSol, _, err := inj.solve(ctx, app, opts.Stability)
		if err != nil {
			return err
		}
		launchContext = app
		sol = appSol
	}

	note(Event{"state": "download"})
	if err := inj.download(ctx, sol); err != nil {
		return err
	}
	if err := inj.installPackages(ctx, sol, func(state string) { note(Event{"state": state}) }); err != nil {
		return err
	}

	// pin blobs for the lifetime of the child; checked-in blobs are
	// already out of the pool and stay that way
	var pinned []string
	for _, digest := range solutionBlobs(sol) {
		size, err := inj.pool.Pop(digest)
		if err != nil {
			return err
		}
		if size >= 0 {
			pinned = append(pinned, digest)
		}
	}
	defer func() {
		for _, digest := range pinned {
			if size, err := diskUsage(inj.pool.Path(digest)); err == nil {
				if err := inj.pool.Push(digest, size); err != nil {
					log.Printf("cache: unpin %s: %v", digest, err)
				}
			}
		}
	}()

	row := sol[launchContext]
	command, _ := row["command"].(string)
	if command == "" {
		return fmt.Errorf("%w: no command for %s", db.ErrNotFound, launchContext)
	}
	digest, _ := row["blob"].(string)
	bundlePath, err := bundleRoot(inj.pool.Path(digest))
	if err != nil {
		return err
	}

	activityID := opts.ActivityID
	if activityID == "" {
		activityID = uuid.New().String()
	}
	args := strings.Fields(command)
	args = append(args, "-b", opts.Context, "-a", activityID)
	if opts.ObjectID != "" {
		args = append(args, "-o", opts.ObjectID)
	}
	uri := opts.URI
	if uri == "" {
		uri = documentURI
	}
	if uri != "" {
		args = append(args, "-u", uri)
	}
	args = append(args, opts.Args...)

	note(Event{"state": "exec", "args": args, "solution": sol})
	return inj.execChild(ctx, opts.Context, launchContext, bundlePath, row, args)
}

func (inj *Injector) execChild(ctx context.Context, guid, launchContext, bundlePath string, row map[string]any, args []string) error {
	logFile, err := os.OpenFile(filepath.Join(inj.root, "logs", guid+".log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer logFile.Close()

	activityRoot := filepath.Join(inj.root, "run", guid)
	if err := os.MkdirAll(activityRoot, 0o755); err != nil {
		return err
	}
	version, _ := row["version"].(string)
	title, _ := row["title"].(string)

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = bundlePath
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(),
		"PATH="+filepath.Join(bundlePath, "bin")+":"+os.Getenv("PATH"),
		"PYTHONPATH="+bundlePath+":"+os.Getenv("PYTHONPATH"),
		"SUGAR_BUNDLE_PATH="+bundlePath,
		"SUGAR_BUNDLE_ID="+launchContext,
		"SUGAR_BUNDLE_NAME="+title,
		"SUGAR_BUNDLE_VERSION="+version,
		"SUGAR_ACTIVITY_ROOT="+activityRoot,
		"SUGAR_LOCALEDIR="+filepath.Join(bundlePath, "locale"),
	)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("cache: %s exited: %w", args[0], err)
	}
	return nil
}

// download fetches every missing blob of the solution, unpacking
// activity bundles and moving opaque payloads into the pool.
func (inj *Injector) download(ctx context.Context, sol solver.Solution) error {
	for _, row := range sol {
		digest, _ := row["blob"].(string)
		if digest == "" || inj.pool.Exists(digest) {
			continue
		}
		size := asInt64(row["size"])
		unpack := asInt64(row["unpack_size"])
		if err := inj.pool.Ensure(size+unpack, size); err != nil {
			return err
		}
		meta, payload, err := inj.source.OpenBlob(ctx, digest)
		if err != nil {
			return err
		}
		err = inj.install(digest, meta.ContentType, payload)
		payload.Close()
		if err != nil {
			return err
		}
		du, err := diskUsage(inj.pool.Path(digest))
		if err != nil {
			return err
		}
		if err := inj.pool.Push(digest, du); err != nil {
			return err
		}
	}
	return nil
}

func (inj *Injector) install(digest, contentType string, payload io.Reader) error {
	tmp, err := os.CreateTemp(inj.pool.opts.Root, ".download-")
	if err != nil {
		return err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()
	size, err := io.Copy(tmp, payload)
	if err != nil {
		return err
	}
	if contentType == bundle.ActivityContentType {
		return unpackBundle(tmp, size, inj.pool.Path(digest))
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), inj.pool.Path(digest))
}

// unpackBundle extracts the zip under target; files inside bin/ and
// activity/ directories gain the executable bit.
func unpackBundle(f *os.File, size int64, target string) error {
	zr, err := zip.NewReader(f, size)
	if err != nil {
		return err
	}
	for _, member := range zr.File {
		name := filepath.Clean(filepath.FromSlash(member.Name))
		if name == "." || strings.HasPrefix(name, "..") {
			continue
		}
		dest := filepath.Join(target, name)
		if member.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		mode := os.FileMode(0o644)
		if executablePath(name) {
			mode = 0o755
		}
		rc, err := member.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
		if err != nil {
			rc.Close()
			return err
		}
		_, err = io.Copy(out, rc)
		rc.Close()
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func executablePath(name string) bool {
	for _, part := range strings.Split(filepath.ToSlash(filepath.Dir(name)), "/") {
		if part == "bin" || part == "activity" {
			return true
		}
	}
	return false
}

// bundleRoot locates the directory holding activity/ inside an unpacked
// bundle: either the unpack dir itself or its single top directory.
func bundleRoot(dir string) (string, error) {
	if _, err := os.Stat(filepath.Join(dir, "activity", "activity.info")); err == nil {
		return dir, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sub := filepath.Join(dir, entry.Name())
		if _, err := os.Stat(filepath.Join(sub, "activity", "activity.info")); err == nil {
			return sub, nil
		}
	}
	return dir, nil
}

func (inj *Injector) installPackages(ctx context.Context, sol solver.Solution, note func(string)) error {
	var packages []string
	for _, row := range sol {
		switch v := row["packages"].(type) {
		case []string:
			packages = append(packages, v...)
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					packages = append(packages, s)
				}
			}
		}
	}
	if len(packages) == 0 || inj.installer == nil {
		return nil
	}
	note("install")
	return inj.installer.Install(ctx, packages)
}

func solutionBlobs(sol solver.Solution) []string {
	var out []string
	for _, row := range sol {
		if digest, _ := row["blob"].(string); digest != "" {
			out = append(out, digest)
		}
	}
	return out
}

func diskUsage(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return info.Size(), nil
	}
	var total int64
	err = filepath.Walk(path, func(_ string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !fi.IsDir() {
			total += fi.Size()
		}
		return nil
	})
	return total, err
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	}
	return 0
}

func sameList(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
