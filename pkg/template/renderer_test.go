package template

import (
	"errors"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/convergo/pkg/attributes"
)

const cinderConf = `[DEFAULT]
{{- define "volume_driver:rbd"}}
volume_driver=cinder.volume.drivers.rbd.RBDDriver
rbd_pool={{attr "volume.rbd_pool"}}
{{- end}}
{{- define "volume_driver:netapp"}}
volume_driver=cinder.volume.drivers.netapp.common.NetAppDriver
netapp_login={{attr "volume.netapp.login"}}
{{- end}}
{{- define "volume_driver:lvm"}}
volume_driver=cinder.volume.drivers.lvm.LVMVolumeDriver
volume_group={{attrOr "volume.volume_group" "cinder-volumes"}}
{{- end}}
{{variant "volume_driver" (attr "volume.driver")}}
sql_connection={{attr "db.service_type"}}://{{attr "db.user"}}@{{attrOr "db.host" "127.0.0.1"}}/cinder
`

func viewWith(t *testing.T, values map[string]interface{}) *attributes.View {
	t.Helper()
	s := attributes.NewStore()
	for path, v := range values {
		require.NoError(t, s.Set(attributes.ParsePath(path), v, attributes.Default))
	}
	return s.Snapshot()
}

func TestRender_SelectsExactlyOneVariant(t *testing.T) {
	rbd := viewWith(t, map[string]interface{}{
		"volume.driver":   "rbd",
		"volume.rbd_pool": "volumes",
		"db.service_type": "mysql",
		"db.user":         "cinder",
	})
	out, err := Render("cinder.conf", cinderConf, rbd, nil)
	require.NoError(t, err)
	assert.Contains(t, out, "rbd_pool=volumes")
	assert.Contains(t, out, "RBDDriver")
	assert.NotContains(t, out, "netapp_login")
	assert.NotContains(t, out, "LVMVolumeDriver")
	assert.Contains(t, out, "sql_connection=mysql://cinder@127.0.0.1/cinder")

	netapp := viewWith(t, map[string]interface{}{
		"volume.driver":       "netapp",
		"volume.netapp.login": "admin",
		"db.service_type":     "postgresql",
		"db.user":             "cinder",
		"db.host":             "db.example.com",
	})
	out, err = Render("cinder.conf", cinderConf, netapp, nil)
	require.NoError(t, err)
	assert.Contains(t, out, "netapp_login=admin")
	assert.NotContains(t, out, "rbd_pool")
	assert.Contains(t, out, "postgresql://cinder@db.example.com/cinder")
}

func TestRender_TemplateDefault(t *testing.T) {
	view := viewWith(t, map[string]interface{}{
		"volume.driver":   "lvm",
		"db.service_type": "mysql",
		"db.user":         "cinder",
	})
	out, err := Render("cinder.conf", cinderConf, view, nil)
	require.NoError(t, err)
	assert.Contains(t, out, "volume_group=cinder-volumes")
}

func TestRender_MissingVariable(t *testing.T) {
	view := viewWith(t, map[string]interface{}{
		"volume.driver":   "rbd",
		"db.service_type": "mysql",
		"db.user":         "cinder",
	})
	_, err := Render("cinder.conf", cinderConf, view, nil)

	var missing *MissingVariableError
	require.True(t, errors.As(err, &missing), "got %v", err)
	assert.Equal(t, "volume.rbd_pool", missing.Path)
	assert.Equal(t, "cinder.conf", missing.Template)
}

func TestRender_NullIsMissing(t *testing.T) {
	view := viewWith(t, map[string]interface{}{"db.host": nil, "api.workers": nil})

	for _, src := range []string{`host={{attr "db.host"}}`, `{{attrList "api.workers"}}`, `{{var "bind"}}`} {
		out, err := Render("null.conf", src, view, map[string]interface{}{"bind": nil})
		var missing *MissingVariableError
		require.True(t, errors.As(err, &missing), "%s rendered %q, err %v", src, out, err)
		assert.NotContains(t, out, "<no value>")
	}

	out, err := Render("null.conf", `host={{attrOr "db.host" "localhost"}}`, view, nil)
	require.NoError(t, err)
	assert.Equal(t, "host=localhost", out)
}

func TestRender_UnknownVariant(t *testing.T) {
	view := viewWith(t, map[string]interface{}{
		"volume.driver":   "gluster",
		"db.service_type": "mysql",
		"db.user":         "cinder",
	})
	_, err := Render("cinder.conf", cinderConf, view, nil)

	var unknown *UnknownVariantError
	require.True(t, errors.As(err, &unknown), "got %v", err)
	assert.Equal(t, "gluster", unknown.Value)
	assert.Equal(t, []string{"lvm", "netapp", "rbd"}, unknown.Known)
}

func TestRender_Vars(t *testing.T) {
	src := `listen={{var "bind"}}:{{varOr "port" 8776}} workers={{join "," (attrList "api.workers")}}`
	view := viewWith(t, map[string]interface{}{"api.workers": []int{1, 2}})

	out, err := Render("api.ini", src, view, map[string]interface{}{"bind": "0.0.0.0"})
	require.NoError(t, err)
	assert.Equal(t, "listen=0.0.0.0:8776 workers=1,2", out)

	_, err = Render("api.ini", src, view, nil)
	var missing *MissingVariableError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "bind", missing.Path)
}

func TestRender_DoesNotMutateView(t *testing.T) {
	view := viewWith(t, map[string]interface{}{"db.user": "cinder"})
	_, err := Render("x", `{{with .Node.db}}{{.user}}{{end}}`, view, nil)
	require.NoError(t, err)
	assert.Equal(t, "cinder", view.GetString(attributes.ParsePath("db.user"), ""))
}

func TestRenderer_RenderFile(t *testing.T) {
	root := fstest.MapFS{
		"api-paste.ini.tmpl": &fstest.MapFile{Data: []byte(`admin_user={{attr "keystone.user"}}`)},
	}
	r := NewRenderer(root)
	view := viewWith(t, map[string]interface{}{"keystone.user": "cinder"})

	out, err := r.RenderFile("api-paste.ini.tmpl", view, nil)
	require.NoError(t, err)
	assert.Equal(t, "admin_user=cinder", out)

	_, err = r.RenderFile("missing.tmpl", view, nil)
	require.Error(t, err)
}

func TestRender_ParseError(t *testing.T) {
	_, err := Render("broken", `{{attr "x"`, nil, nil)
	require.Error(t, err)
}
