package workspace

import (
	"context"

	"github.com/ajitpratap0/bsp-sdk-go/pkg/protocol"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/server"
)

// Apply registers the targets and sources of the definition in ws
func (d *Definition) Apply(ws *server.StaticWorkspace) error {
	targets, err := d.BuildTargets()
	if err != nil {
		return err
	}
	for i, t := range targets {
		ws.RegisterTarget(t)
		ws.SetSources(t.ID, d.Sources(d.Targets[i])...)
	}
	return nil
}

// Open loads the definition at path into a new static workspace whose
// Reload rereads the file. The workspace serves as the server's
// WorkspaceProvider, SourcesProvider, InverseSourcesProvider and
// ReloadProvider.
func Open(path string) (*server.StaticWorkspace, *Definition, error) {
	def, err := Load(path)
	if err != nil {
		return nil, nil, err
	}
	ws := server.NewStaticWorkspace()
	if err := Bind(ws, def, path); err != nil {
		return nil, nil, err
	}
	return ws, def, nil
}

// Bind applies def to ws and makes ws.Reload reread path. A reload that
// fails to parse leaves the previous targets in place.
func Bind(ws *server.StaticWorkspace, def *Definition, path string) error {
	if err := def.Apply(ws); err != nil {
		return err
	}
	ws.SetLoader(func(ctx context.Context) ([]protocol.BuildTarget, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next, err := Load(path)
		if err != nil {
			return nil, err
		}
		targets, err := next.BuildTargets()
		if err != nil {
			return nil, err
		}
		for i, t := range targets {
			ws.SetSources(t.ID, next.Sources(next.Targets[i])...)
		}
		return targets, nil
	})
	return nil
}
