package providers

import (
	"context"
	"io/fs"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openfroyo/convergo/pkg/attributes"
	"github.com/openfroyo/convergo/pkg/engine"
	"github.com/openfroyo/convergo/pkg/transports"
)

type fakeFile struct {
	data  []byte
	mode  fs.FileMode
	owner string
	group string
	dir   bool
}

// fakeTransport is an in-memory node. Commands are answered by respond and
// recorded in order.
type fakeTransport struct {
	mu       sync.Mutex
	files    map[string]*fakeFile
	commands []string
	writes   int
	respond  func(cmd transports.Command) *transports.Result
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		files: map[string]*fakeFile{
			"/":    {dir: true, mode: 0o755, owner: "root", group: "root"},
			"/etc": {dir: true, mode: 0o755, owner: "root", group: "root"},
			"/var": {dir: true, mode: 0o755, owner: "root", group: "root"},
		},
	}
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Run(ctx context.Context, cmd transports.Command) (*transports.Result, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd.String())
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		if res := respond(cmd); res != nil {
			res.Command = cmd
			return res, nil
		}
	}
	return &transports.Result{Command: cmd}, nil
}

func (f *fakeTransport) ReadFile(ctx context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[path]
	if !ok {
		return nil, &transports.TransportError{Op: "read", Path: path, Err: fs.ErrNotExist}
	}
	return append([]byte(nil), file.data...), nil
}

func (f *fakeTransport) WriteFile(ctx context.Context, path string, data []byte, mode fs.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	f.files[path] = &fakeFile{data: append([]byte(nil), data...), mode: mode, owner: "root", group: "root"}
	return nil
}

func (f *fakeTransport) Stat(ctx context.Context, path string) (*transports.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[path]
	if !ok {
		return nil, &transports.TransportError{Op: "stat", Path: path, Err: fs.ErrNotExist}
	}
	mode := file.mode
	if file.dir {
		mode |= fs.ModeDir
	}
	return &transports.FileInfo{
		Path: path, Mode: mode, IsDir: file.dir, Size: int64(len(file.data)),
		Owner: file.owner, Group: file.group,
	}, nil
}

func (f *fakeTransport) MkdirAll(ctx context.Context, path string, mode fs.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for p := path; p != "/" && p != "."; p = parent(p) {
		if _, ok := f.files[p]; !ok {
			f.files[p] = &fakeFile{dir: true, mode: mode, owner: "root", group: "root"}
		}
	}
	return nil
}

func (f *fakeTransport) Remove(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, path)
	return nil
}

func (f *fakeTransport) Chmod(ctx context.Context, path string, mode fs.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, "chmod "+formatMode(mode)+" "+path)
	if file, ok := f.files[path]; ok {
		file.mode = mode
	}
	return nil
}

func (f *fakeTransport) Chown(ctx context.Context, path, owner, group string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, "chown "+owner+":"+group+" "+path)
	if file, ok := f.files[path]; ok {
		if owner != "" {
			file.owner = owner
		}
		if group != "" {
			file.group = group
		}
	}
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) ran() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = nil
	f.writes = 0
}

func (f *fakeTransport) file(path string) *fakeFile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.files[path]
}

func parent(p string) string {
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

func testView(t *testing.T, values map[string]interface{}) *attributes.View {
	t.Helper()
	s := attributes.NewStore()
	for path, v := range values {
		require.NoError(t, s.Set(attributes.ParsePath(path), v, attributes.Default))
	}
	return s.Snapshot()
}

func resource(typ, name string, props map[string]interface{}, actions ...engine.Action) *engine.Resource {
	return &engine.Resource{
		Identity:   engine.Identity{Type: typ, Name: name},
		Actions:    actions,
		Properties: props,
	}
}

// converge runs probe, diff and apply like the engine does and returns the
// changes that were applied.
func converge(t *testing.T, p engine.Provider, res *engine.Resource) []engine.Change {
	t.Helper()
	ctx := context.Background()
	actual, err := p.Probe(ctx, res)
	require.NoError(t, err)
	changes := p.Diff(res, actual)
	if len(changes) > 0 {
		require.NoError(t, p.Apply(ctx, res, changes))
	}
	return changes
}
