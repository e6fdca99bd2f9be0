package daemon

import (
	"testing"

	"github.com/mcastro/chatd/internal/config"
	"go.uber.org/fx"
)

// TestModuleGraph validates the dependency graph wires up without running
// the daemon.
func TestModuleGraph(t *testing.T) {
	dir := t.TempDir()
	err := fx.ValidateApp(
		Module(Params{DataDir: dir, Config: config.Default(dir)}),
	)
	if err != nil {
		t.Fatalf("fx graph invalid: %v", err)
	}
}
