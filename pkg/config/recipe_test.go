package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/convergo/pkg/attributes"
	"github.com/openfroyo/convergo/pkg/engine"
)

const volumeRecipe = `
if node["db"]["service_type"] == "postgresql":
    package("python-psycopg2")
elif node["db"]["service_type"] == "mysql":
    package("python-mysqldb")

volume = service("cinder-volume", actions=["enable", "start"], supports_reload=False)

template(
    "/etc/cinder/cinder.conf",
    source="cinder.conf.erb",
    owner="cinder",
    group="cinder",
    mode="0640",
    variables={"db_host": attr("db.host", "localhost")},
    notifies=[notify(volume, "restart", "immediate")],
)
`

func newTestView(t *testing.T, serviceType string) *attributes.View {
	t.Helper()
	store := attributes.NewStore()
	err := store.Merge(nil, map[string]interface{}{
		"db": map[string]interface{}{"service_type": serviceType},
	}, attributes.Default)
	if err != nil {
		t.Fatal(err)
	}
	return store.Snapshot()
}

func TestRecipeEvaluator_SelectsPackageByAttribute(t *testing.T) {
	re := NewRecipeEvaluator(NewCUEParser(), 5*time.Second)
	ctx := context.Background()

	tests := []struct {
		serviceType string
		wantPackage string
		wantCount   int
	}{
		{"postgresql", "python-psycopg2", 3},
		{"mysql", "python-mysqldb", 3},
		{"sqlite", "", 2},
	}

	for _, tt := range tests {
		t.Run(tt.serviceType, func(t *testing.T) {
			resources, err := re.Eval(ctx, "volume.star", volumeRecipe, newTestView(t, tt.serviceType))
			if err != nil {
				t.Fatalf("Eval() error = %v", err)
			}
			if len(resources) != tt.wantCount {
				t.Fatalf("expected %d resources, got %d", tt.wantCount, len(resources))
			}
			if tt.wantPackage != "" {
				if resources[0].Type != "package" || resources[0].Name != tt.wantPackage {
					t.Errorf("expected package[%s], got %s", tt.wantPackage, resources[0].Identity())
				}
			}

			tmpl := resources[len(resources)-1]
			if tmpl.Type != "template" || tmpl.Properties["mode"] != "0640" {
				t.Errorf("unexpected template resource %+v", tmpl)
			}
			vars, ok := tmpl.Properties["variables"].(map[string]interface{})
			if !ok || vars["db_host"] != "localhost" {
				t.Errorf("expected db_host default, got %v", tmpl.Properties["variables"])
			}
			if len(tmpl.Notifies) != 1 {
				t.Fatalf("expected 1 notification, got %d", len(tmpl.Notifies))
			}
			n := tmpl.Notifies[0]
			if n.Resource != "service[cinder-volume]" || n.Action != "restart" || n.Timing != "immediate" {
				t.Errorf("unexpected notification %+v", n)
			}
			if !strings.HasPrefix(tmpl.Source, "volume.star:") {
				t.Errorf("expected source in volume.star, got %q", tmpl.Source)
			}

			d, err := tmpl.Declaration()
			if err != nil {
				t.Fatalf("Declaration() error = %v", err)
			}
			if d.Notifies[0].Target != (engine.Identity{Type: "service", Name: "cinder-volume"}) {
				t.Errorf("unexpected target %s", d.Notifies[0].Target)
			}
		})
	}
}

func TestRecipeEvaluator_Builtins(t *testing.T) {
	re := NewRecipeEvaluator(NewCUEParser(), 5*time.Second)
	ctx := context.Background()

	src := `
pkg = package("cinder-common", action="upgrade")
lamp = resource("toggle", "lamp", value="on", depends_on=pkg)
execute("db-sync", command="cinder-manage db sync", subscribes=pkg, only_if="node.db.enabled")
directory("/var/lib/cinder", owner="cinder", recursive=True, depends_on=[pkg, lamp])
print("declared", lamp)
`
	resources, err := re.Eval(ctx, "builtins.star", src, nil)
	if err != nil {
		t.Fatalf("Eval() error = %v", err)
	}
	if len(resources) != 4 {
		t.Fatalf("expected 4 resources, got %d", len(resources))
	}

	if got := resources[0].Actions; len(got) != 1 || got[0] != "upgrade" {
		t.Errorf("expected actions [upgrade], got %v", got)
	}
	toggle := resources[1]
	if toggle.Type != "toggle" || toggle.Properties["value"] != "on" {
		t.Errorf("unexpected toggle %+v", toggle)
	}
	if len(toggle.DependsOn) != 1 || toggle.DependsOn[0] != "package[cinder-common]" {
		t.Errorf("unexpected depends_on %v", toggle.DependsOn)
	}
	exec := resources[2]
	if len(exec.Subscribes) != 1 || exec.Subscribes[0].Resource != "package[cinder-common]" {
		t.Errorf("unexpected subscribes %+v", exec.Subscribes)
	}
	if exec.OnlyIf != "node.db.enabled" {
		t.Errorf("unexpected only_if %q", exec.OnlyIf)
	}
	dir := resources[3]
	if len(dir.DependsOn) != 2 || dir.Properties["recursive"] != true {
		t.Errorf("unexpected directory %+v", dir)
	}
}

func TestRecipeEvaluator_Errors(t *testing.T) {
	re := NewRecipeEvaluator(NewCUEParser(), 5*time.Second)
	ctx := context.Background()

	tests := []struct {
		name      string
		src       string
		errSubstr string
	}{
		{"unknown property", `package("vim", flavour="big")`, "package[vim]"},
		{"relative path", `file("motd", path="etc/motd")`, "file[motd]"},
		{"missing name", `package()`, "expected 1 positional argument"},
		{"bad notification", `file("/etc/motd", notifies=[notify("nginx")])`, "notifies"},
		{"bad timing", `file("/etc/motd", notifies=[notify("service[nginx]", timing="later")])`, "Timing"},
		{"node is frozen", `node["db"] = {}`, "frozen"},
		{"undefined name", `apt_package("vim")`, "apt_package"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := re.Eval(ctx, "bad.star", tt.src, newTestView(t, "mysql"))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.errSubstr) {
				t.Errorf("expected error containing %q, got %v", tt.errSubstr, err)
			}
		})
	}
}

func TestRecipeEvaluator_IncludeRecipe(t *testing.T) {
	dir := t.TempDir()
	common := `package("cinder-common")
`
	main := `include_recipe("common.star")
include_recipe("common.star")
service("cinder-volume", subscribes=[notify("package[cinder-common]", "restart")])
`
	if err := os.WriteFile(filepath.Join(dir, "common.star"), []byte(common), 0o644); err != nil {
		t.Fatal(err)
	}
	mainPath := filepath.Join(dir, "main.star")
	if err := os.WriteFile(mainPath, []byte(main), 0o644); err != nil {
		t.Fatal(err)
	}

	re := NewRecipeEvaluator(NewCUEParser(), 5*time.Second)
	resources, err := re.EvalFile(context.Background(), mainPath, nil)
	if err != nil {
		t.Fatalf("EvalFile() error = %v", err)
	}
	if len(resources) != 2 {
		t.Fatalf("expected included recipe to run once, got %d resources", len(resources))
	}
	if resources[0].Identity().String() != "package[cinder-common]" {
		t.Errorf("unexpected first resource %s", resources[0].Identity())
	}

	if _, err := re.EvalFile(context.Background(), filepath.Join(dir, "missing.star"), nil); err == nil {
		t.Error("expected error for missing recipe")
	}
}

func TestRecipeEvaluator_Timeout(t *testing.T) {
	re := NewRecipeEvaluator(NewCUEParser(), 100*time.Millisecond)
	src := `
def spin():
    for i in range(1000000000):
        pass
spin()
`
	_, err := re.Eval(context.Background(), "spin.star", src, nil)
	if err == nil || !strings.Contains(err.Error(), "timeout") {
		t.Errorf("expected timeout error, got %v", err)
	}
}
