package attributes

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_PrecedenceOverrideBeatsDefault(t *testing.T) {
	s := NewStore()
	p := ParsePath("db.service_type")

	require.NoError(t, s.Set(p, "mysql", Default))
	require.NoError(t, s.Set(p, "postgresql", Override))

	v, err := s.Get(p)
	require.NoError(t, err)
	assert.Equal(t, "postgresql", v.String())

	// The shadowed default is still there.
	def, err := s.GetAt(p, Default)
	require.NoError(t, err)
	assert.Equal(t, "mysql", def.String())
}

func TestStore_AllLevelsOrdered(t *testing.T) {
	s := NewStore()
	p := ParsePath("volume.driver")

	for _, lvl := range Levels {
		require.NoError(t, s.Set(p, lvl.String(), lvl))
		v, err := s.Get(p)
		require.NoError(t, err)
		assert.Equal(t, lvl.String(), v.String(), "level %s should win once set", lvl)
	}

	// Setting a lower level afterwards never changes the result.
	require.NoError(t, s.Set(p, "late-default", Default))
	v, err := s.Get(p)
	require.NoError(t, err)
	assert.Equal(t, "automatic", v.String())
}

func TestStore_GetMissing(t *testing.T) {
	s := NewStore()
	_, err := s.Get(ParsePath("nope.nothing"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))

	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "nope.nothing", nf.Path.String())
}

func TestStore_DeepMergeAcrossLevels(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Set(ParsePath("db"), map[string]interface{}{
		"service_type": "mysql",
		"port":         3306,
		"options":      map[string]interface{}{"pool": 5, "timeout": 30},
	}, Default))
	require.NoError(t, s.Set(ParsePath("db.options.pool"), 20, Override))

	v, err := s.Get(ParsePath("db"))
	require.NoError(t, err)
	m, err := v.Map()
	require.NoError(t, err)
	assert.Equal(t, "mysql", m["service_type"].String())

	opts, err := m["options"].Map()
	require.NoError(t, err)
	pool, err := opts["pool"].Int()
	require.NoError(t, err)
	assert.Equal(t, int64(20), pool)
	timeout, err := opts["timeout"].Int()
	require.NoError(t, err)
	assert.Equal(t, int64(30), timeout)
}

func TestStore_SequencesReplace(t *testing.T) {
	s := NewStore()
	p := ParsePath("api.ports")
	require.NoError(t, s.Set(p, []int{8776, 8777}, Default))
	require.NoError(t, s.Set(p, []string{"9000"}, Normal))

	v, err := s.Get(p)
	require.NoError(t, err)
	ports, err := v.Strings()
	require.NoError(t, err)
	assert.Equal(t, []string{"9000"}, ports)
}

func TestStore_MergeKeepsSiblings(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Set(ParsePath("cinder.config"), map[string]interface{}{
		"verbose": true,
		"debug":   false,
	}, Normal))
	require.NoError(t, s.Merge(ParsePath("cinder.config"), map[string]interface{}{
		"debug": true,
	}, Normal))

	verbose, err := s.Get(ParsePath("cinder.config.verbose"))
	require.NoError(t, err)
	b, err := verbose.Bool()
	require.NoError(t, err)
	assert.True(t, b)

	debug, err := s.Get(ParsePath("cinder.config.debug"))
	require.NoError(t, err)
	b, err = debug.Bool()
	require.NoError(t, err)
	assert.True(t, b)
}

func TestStore_ScalarAtHigherLevelHidesChildren(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Set(ParsePath("db.host"), "lowhost", Default))
	require.NoError(t, s.Set(ParsePath("db"), "disabled", Override))

	_, err := s.Get(ParsePath("db.host"))
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
	_, err = s.Snapshot().Get(ParsePath("db.host"))
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	db, err := s.Get(ParsePath("db"))
	require.NoError(t, err)
	assert.Equal(t, "disabled", db.String())

	// A still higher level that maps db again starts from a clean slate.
	require.NoError(t, s.Set(ParsePath("db.port"), 5432, Automatic))
	_, err = s.Get(ParsePath("db.host"))
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
	_, err = s.Snapshot().Get(ParsePath("db.host"))
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
}

func TestStore_SetRootRequiresMapping(t *testing.T) {
	s := NewStore()
	err := s.Set(nil, "scalar", Default)
	var te *TypeError
	require.True(t, errors.As(err, &te))
}

func TestSnapshot_IsImmutable(t *testing.T) {
	s := NewStore()
	p := ParsePath("db.service_type")
	require.NoError(t, s.Set(p, "mysql", Default))

	view := s.Snapshot()
	require.NoError(t, s.Set(p, "postgresql", Override))

	assert.Equal(t, "mysql", view.GetString(p, ""))
	assert.Equal(t, "postgresql", s.Snapshot().GetString(p, ""))

	tree := view.Tree()
	tree["db"].(map[string]interface{})["service_type"] = "mutated"
	assert.Equal(t, "mysql", view.GetString(p, ""))
}

func TestView_Explain(t *testing.T) {
	s := NewStore()
	p := ParsePath("volume.driver")
	require.NoError(t, s.Set(p, "lvm", Default))
	require.NoError(t, s.Set(p, "rbd", Override))

	chain := s.Snapshot().Explain(p)
	require.Len(t, chain, 2)
	assert.Equal(t, Override, chain[0].Level)
	assert.Equal(t, "rbd", chain[0].Value.String())
	assert.Equal(t, Default, chain[1].Level)
	assert.Equal(t, "lvm", chain[1].Value.String())
}

func TestView_Decode(t *testing.T) {
	type dbConfig struct {
		ServiceType string `mapstructure:"service_type"`
		Port        int    `mapstructure:"port"`
		SSL         bool   `mapstructure:"ssl"`
	}

	s := NewStore()
	require.NoError(t, s.Set(ParsePath("db"), map[string]interface{}{
		"service_type": "postgresql",
		"port":         "5432",
		"ssl":          "true",
	}, Default))

	var cfg dbConfig
	require.NoError(t, s.Snapshot().Decode(ParsePath("db"), &cfg))
	assert.Equal(t, dbConfig{ServiceType: "postgresql", Port: 5432, SSL: true}, cfg)
}

func TestLoadFile_YAML(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "attrs.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
db:
  service_type: mysql
volume:
  driver: lvm
  size: 40
`), 0o600))

	s := NewStore()
	require.NoError(t, LoadFile(s, file, Default))

	v, err := s.Get(ParsePath("volume.size"))
	require.NoError(t, err)
	size, err := v.Int()
	require.NoError(t, err)
	assert.Equal(t, int64(40), size)
}

func TestParseAssignment(t *testing.T) {
	tests := []struct {
		in      string
		path    string
		value   interface{}
		wantErr bool
	}{
		{in: "db.service_type=postgresql", path: "db.service_type", value: "postgresql"},
		{in: "api.port=8776", path: "api.port", value: 8776},
		{in: "debug=true", path: "debug", value: true},
		{in: "noequals", wantErr: true},
		{in: "=value", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			path, value, err := ParseAssignment(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.path, path.String())
			assert.Equal(t, tt.value, value)
		})
	}
}

func TestValue_Coercion(t *testing.T) {
	v := MustValue("yes")
	b, err := v.Bool()
	require.NoError(t, err)
	assert.True(t, b)

	_, err = MustValue(map[string]interface{}{"a": 1}).Int()
	require.Error(t, err)

	assert.Equal(t, KindSequence, MustValue([]string{"a"}).Kind())
	assert.Equal(t, KindNull, MustValue(nil).Kind())
	assert.Equal(t, "1.5", MustValue(1.5).String())
	assert.Equal(t, []string{"a", "b"}, MustValue(map[string]int{"b": 2, "a": 1}).Keys())
}
